// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

// The imageauthz-check tool authorizes a single request, the way a host image
// server would, and prints the verdict.
//
// Usage:
//
//	imageauthz-check -config imageauthz.yaml [-ip addr] [-cookie name=value]... uri
//
// The exit status is 0 if the request is allowed, 1 if it is denied, 2 if the
// client would be redirected to authenticate, and 3 on usage or
// configuration errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/imagehub/imageauthz"
	"github.com/imagehub/imageauthz/third_party/envy"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitAllow = iota
	exitDeny
	exitRedirect
	exitError
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("imageauthz-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "path of the YAML configuration file")
	ip := fs.String("ip", "", "IP address of the client")
	verbose := fs.Bool("verbose", false, "log the decision to stderr")
	var cookies cookieList
	fs.Var(&cookies, "cookie", "cookie sent by the client, as name=value; may be repeated or joined with ';'")

	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if err := envy.Update("IMAGEAUTHZ", fs); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if *configFile == "" || fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: imageauthz-check -config file [-ip addr] [-cookie name=value]... uri")
		return exitError
	}

	v, err := check(context.Background(), *configFile, *ip, cookies, fs.Arg(0), *verbose, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	out, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	fmt.Fprintln(stdout, string(out))

	switch v.Decision {
	case imageauthz.Allow:
		return exitAllow
	case imageauthz.Redirect:
		return exitRedirect
	default:
		return exitDeny
	}
}

func check(ctx context.Context, configFile, ip string, cookies cookieList, uri string, verbose bool, stderr io.Writer) (imageauthz.Verdict, error) {
	cfg, err := imageauthz.LoadConfig(configFile)
	if err != nil {
		return imageauthz.Verdict{}, err
	}
	h, err := imageauthz.NewHook(cfg, nil, nil)
	if err != nil {
		return imageauthz.Verdict{}, err
	}
	if verbose {
		h.Logger = newStderrLogger(stderr)
	}

	rc := imageauthz.RequestContext{
		ClientIP:   ip,
		RequestURI: uri,
		Cookies:    map[string]string(cookies),
	}
	return h.Authorize(ctx, rc), nil
}

func newStderrLogger(w io.Writer) *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), zap.DebugLevel))
}

// cookieList collects cookies from one or more -cookie flags.
type cookieList map[string]string

func (cl *cookieList) String() string {
	return fmt.Sprint(map[string]string(*cl))
}

func (cl *cookieList) Set(value string) error {
	if *cl == nil {
		*cl = make(cookieList)
	}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return errors.New("cookie must be of the form name=value")
		}
		(*cl)[name] = strings.TrimSpace(val)
	}
	return nil
}
