// Package httpcache parses Cache-Control headers.  It is derived from
// github.com/gregjones/httpcache, which does not export its parser.
package httpcache

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

type CacheControl map[string]string

func ParseCacheControl(headers http.Header) CacheControl {
	cc := CacheControl{}
	for _, ccHeader := range headers.Values("Cache-Control") {
		for _, part := range strings.Split(ccHeader, ",") {
			part = strings.Trim(part, " ")
			if part == "" {
				continue
			}
			if strings.ContainsRune(part, '=') {
				keyval := strings.SplitN(part, "=", 2)
				cc[strings.ToLower(strings.Trim(keyval[0], " "))] = strings.Trim(keyval[1], ", \"")
			} else {
				cc[strings.ToLower(part)] = ""
			}
		}
	}
	return cc
}

// NoStore reports whether the response must not be reused without
// revalidation.
func (cc CacheControl) NoStore() bool {
	_, noStore := cc["no-store"]
	_, noCache := cc["no-cache"]
	return noStore || noCache
}

// MaxAge returns the max-age directive.  A malformed value is reported as a
// zero age.
func (cc CacheControl) MaxAge() (time.Duration, bool) {
	v, ok := cc["max-age"]
	if !ok {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, true
	}
	return time.Duration(secs) * time.Second, true
}

func (cc CacheControl) String() string {
	parts := make([]string, 0, len(cc))
	for k, v := range cc {
		if v == "" {
			parts = append(parts, k)
		} else {
			parts = append(parts, k+"="+v)
		}
	}
	sort.StringSlice(parts).Sort()
	return strings.Join(parts, ", ")
}
