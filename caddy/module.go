// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

// Package caddy provides imageauthz as a Caddy middleware module.
//
// A Caddyfile using it in front of an image server might look like:
//
//	images.example.org {
//		imageauthz {
//			authcheck_url     https://imagehub.example.org/authcheck
//			authenticator_url https://imagehub.example.org/authenticate?url=
//			whitelist         127.0.0.1 10.0.0.0/8
//		}
//		reverse_proxy cantaloupe:8182
//	}
package caddy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	caddy "github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/die-net/lrucache"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/imagehub/imageauthz"
	"github.com/peterbourgon/diskv"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(ImageAuthz{})
	httpcaddyfile.RegisterHandlerDirective("imageauthz", parseCaddyfile)
}

// ImageAuthz authorizes requests before passing them to the next handler.
// Values set here override those read from ConfigFile.
type ImageAuthz struct {
	ConfigFile string `json:"config,omitempty"`

	PrivateKeyword     string         `json:"private_keyword,omitempty"`
	AuthcheckURL       string         `json:"authcheck_url,omitempty"`
	AuthenticatorURL   string         `json:"authenticator_url,omitempty"`
	Whitelist          []string       `json:"whitelist,omitempty"`
	Timeout            caddy.Duration `json:"timeout,omitempty"`
	InsecureSkipVerify *bool          `json:"insecure_skip_verify,omitempty"`

	Cache           string         `json:"cache,omitempty"`
	SessionCacheTTL caddy.Duration `json:"session_cache_ttl,omitempty"`

	logger *zap.Logger
	hook   *imageauthz.Hook
}

// interface guard
var (
	_ caddy.Provisioner           = (*ImageAuthz)(nil)
	_ caddyhttp.MiddlewareHandler = (*ImageAuthz)(nil)
)

// CaddyModule returns the Caddy module information.
func (ImageAuthz) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.imageauthz",
		New: func() caddy.Module { return new(ImageAuthz) },
	}
}

func (m *ImageAuthz) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()

	cfg, err := m.config()
	if err != nil {
		return err
	}
	cache, err := parseCache(m.Cache)
	if err != nil {
		return err
	}
	if m.hook, err = imageauthz.NewHook(cfg, nil, cache); err != nil {
		return err
	}
	m.hook.Logger = m.logger
	return nil
}

// config returns the hook configuration: the defaults, overlaid with
// ConfigFile if set, overlaid with values set on m.
func (m *ImageAuthz) config() (*imageauthz.Config, error) {
	cfg := imageauthz.DefaultConfig()
	if m.ConfigFile != "" {
		var err error
		if cfg, err = imageauthz.LoadConfig(m.ConfigFile); err != nil {
			return nil, err
		}
	}

	if m.PrivateKeyword != "" {
		cfg.PrivateKeyword = m.PrivateKeyword
	}
	if m.AuthcheckURL != "" {
		cfg.AuthcheckURL = m.AuthcheckURL
	}
	if m.AuthenticatorURL != "" {
		cfg.AuthenticatorURL = m.AuthenticatorURL
	}
	if len(m.Whitelist) > 0 {
		cfg.Whitelist = m.Whitelist
	}
	if m.Timeout > 0 {
		cfg.Timeout = imageauthz.Duration(m.Timeout)
	}
	if m.InsecureSkipVerify != nil {
		cfg.InsecureSkipVerify = *m.InsecureSkipVerify
	}
	if m.SessionCacheTTL > 0 {
		cfg.SessionCacheTTL = imageauthz.Duration(m.SessionCacheTTL)
	}
	return cfg, nil
}

func (m *ImageAuthz) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	rc := imageauthz.NewRequestContext(r, clientIP(r))
	v := m.hook.Authorize(r.Context(), rc)

	switch v.Decision {
	case imageauthz.Allow:
		return next.ServeHTTP(w, r)
	case imageauthz.Redirect:
		w.Header().Set("Location", v.Location)
		w.WriteHeader(v.StatusCode)
		return nil
	default:
		return caddyhttp.Error(http.StatusForbidden, fmt.Errorf("request for %s denied", r.URL.Path))
	}
}

// clientIP returns the client address as determined by caddy, which honours
// the server's trusted_proxies setting.
func clientIP(r *http.Request) string {
	if ip, ok := caddyhttp.GetVar(r.Context(), caddyhttp.ClientIPVarKey).(string); ok && ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	m := new(ImageAuthz)

	h.Next() // consume the directive name
	for nesting := h.Nesting(); h.NextBlock(nesting); {
		switch h.Val() {
		case "config":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.ConfigFile = h.Val()
		case "private_keyword":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.PrivateKeyword = h.Val()
		case "authcheck_url":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.AuthcheckURL = h.Val()
		case "authenticator_url":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.AuthenticatorURL = h.Val()
		case "whitelist":
			args := h.RemainingArgs()
			if len(args) == 0 {
				return nil, h.ArgErr()
			}
			m.Whitelist = append(m.Whitelist, args...)
		case "timeout", "session_cache_ttl":
			name := h.Val()
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			d, err := caddy.ParseDuration(h.Val())
			if err != nil {
				return nil, h.Errf("parsing %s: %v", name, err)
			}
			if name == "timeout" {
				m.Timeout = caddy.Duration(d)
			} else {
				m.SessionCacheTTL = caddy.Duration(d)
			}
		case "insecure_skip_verify":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			b, err := strconv.ParseBool(h.Val())
			if err != nil {
				return nil, h.Errf("parsing insecure_skip_verify: %v", err)
			}
			m.InsecureSkipVerify = &b
		case "cache":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.Cache = h.Val()
		default:
			return nil, h.Errf("unrecognized subdirective %q", h.Val())
		}
	}
	return m, nil
}

// parseCache parses c returns the specified Cache implementation.  Only the
// memory and file caches are available in caddy.
func parseCache(c string) (imageauthz.Cache, error) {
	const defaultMemorySize = 10

	if c == "" {
		return nil, nil
	}

	if c == "memory" {
		c = fmt.Sprintf("memory:%d", defaultMemorySize)
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache: %w", err)
	}

	switch u.Scheme {
	case "memory":
		size, err := strconv.ParseInt(u.Opaque, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing memory cache size: %w", err)
		}
		return lrucache.New(size*1e6, int64(time.Hour.Seconds())), nil
	case "file":
		return diskCache(u.Path), nil
	default:
		return diskCache(c), nil
	}
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
