// Package envy automatically exposes environment
// variables for all of your flags.
package envy

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Update takes a prefix string p and *flag.FlagSet. Each flag
// in the FlagSet is exposed as an upper case environment variable
// in the form of PREFIX_FLAGNAME. Any flag that was not explicitly
// set by a user is updated to the environment variable, if set.
//
// Update returns the first error from setting a flag, after all
// flags have been visited.
func Update(p string, fs *flag.FlagSet) error {
	return update(p, fs, os.Getenv)
}

func update(p string, fs *flag.FlagSet, getenv func(string) string) error {
	// Build a map of explicitly set flags.
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = struct{}{}
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		envVar := EnvName(p, f.Name)

		// Update the Flag.Value if the env var is non "" and the
		// flag hasn't already been set.
		if val := getenv(envVar); val != "" {
			if _, defined := set[f.Name]; !defined {
				if err := fs.Set(f.Name, val); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("invalid value %q for %s: %w", val, envVar, err)
				}
			}
		}

		// Append the env var to the
		// Flag.Usage field.
		f.Usage = fmt.Sprintf("%s [%s]", f.Usage, envVar)
	})
	return firstErr
}

// EnvName returns the environment variable consulted for flag name.
func EnvName(p, name string) string {
	return strings.ReplaceAll(fmt.Sprintf("%s_%s", p, strings.ToUpper(name)), "-", "_")
}
