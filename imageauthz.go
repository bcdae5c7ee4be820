// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

// Package imageauthz decides whether requests for images may be served.
//
// A Hook allows requests for public resources, and asks a remote
// authentication service about requests for resources whose path contains a
// private keyword.  Hooks can be called directly by a host image server, or
// exposed over HTTP as a forward-auth endpoint, a JSON delegate endpoint, or a
// Gate in front of the image server.  See cmd/imageauthz/main.go.
package imageauthz // import "github.com/imagehub/imageauthz"

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	aia "github.com/fcjr/aia-transport-go"
	"go.uber.org/zap"
)

// userAgent is sent on calls to the authentication service.
const userAgent = "imageauthz"

// reasons for a verdict, used in logs and metrics.
const (
	reasonWhitelist       = "whitelist"
	reasonPublic          = "public"
	reasonMalformedURI    = "malformed_uri"
	reasonAuthenticated   = "authenticated"
	reasonUnauthenticated = "unauthenticated"
	reasonAuthcheckStatus = "authcheck_status"
	reasonAuthcheckError  = "authcheck_error"
)

// Hook authorizes image requests.  A Hook is safe for concurrent use.
type Hook struct {
	// Cache remembers successful authentication checks when the
	// configuration enables a session cache.
	Cache Cache

	// Logger receives one debug entry per verdict and warnings about
	// failed authentication checks.
	Logger *zap.Logger

	state atomic.Pointer[hookState]

	// transport is the caller supplied RoundTripper, if any.
	transport http.RoundTripper

	now func() time.Time
}

// hookState is an immutable snapshot of a Hook's configuration, along with
// the client built for it.
type hookState struct {
	config *Config
	client *http.Client
}

// NewHook constructs a new Hook.  The provided http RoundTripper will be used
// to call the authentication service.  If nil is provided, a transport is
// built according to cfg.InsecureSkipVerify.
func NewHook(cfg *Config, transport http.RoundTripper, cache Cache) (*Hook, error) {
	if cache == nil {
		cache = NopCache
	}
	h := &Hook{
		Cache:     cache,
		Logger:    zap.NewNop(),
		transport: transport,
		now:       time.Now,
	}
	if err := h.SetConfig(cfg); err != nil {
		return nil, err
	}
	return h, nil
}

// Config returns a copy of the configuration currently in use.
func (h *Hook) Config() Config {
	return *h.state.Load().config
}

// SetConfig validates cfg and makes a copy of it the configuration used by
// subsequent calls.  Calls already in progress finish with the previous
// configuration.  If cfg is invalid the current configuration is kept.
func (h *Hook) SetConfig(cfg *Config) error {
	c := *cfg
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = &c

	old := h.state.Load()
	if old != nil && (h.transport != nil || old.config.InsecureSkipVerify == cfg.InsecureSkipVerify) {
		h.state.Store(&hookState{config: cfg, client: old.client})
		return nil
	}

	transport := h.transport
	if transport == nil {
		var err error
		if transport, err = newTransport(cfg.InsecureSkipVerify); err != nil {
			return fmt.Errorf("building authcheck transport: %w", err)
		}
	}
	h.state.Store(&hookState{config: cfg, client: newClient(transport)})
	return nil
}

// newClient returns a client that does not follow redirects, so that the
// authentication service's status code can be inspected.
func newClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newTransport(insecure bool) (http.RoundTripper, error) {
	if insecure {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // configured explicitly
		return t, nil
	}

	// fetch missing intermediate certificates, as browsers do
	t, err := aia.NewTransport()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Authorize decides whether the request described by rc may be served.  It
// makes at most one call to the authentication service.  Any failure denies
// the request.
func (h *Hook) Authorize(ctx context.Context, rc RequestContext) Verdict {
	return h.decide(ctx, h.state.Load(), rc)
}

func (h *Hook) decide(ctx context.Context, s *hookState, rc RequestContext) Verdict {
	v, reason := h.authorize(ctx, s, rc)
	verdictCount.WithLabelValues(v.Decision.String(), reason).Inc()
	h.Logger.Debug("authorized request",
		zap.String("client_ip", rc.ClientIP),
		zap.String("request_uri", rc.RequestURI),
		zap.Stringer("verdict", v.Decision),
		zap.String("reason", reason))
	return v
}

func (h *Hook) authorize(ctx context.Context, s *hookState, rc RequestContext) (Verdict, string) {
	cfg := s.config
	if cfg.whitelisted(rc.ClientIP) {
		return allowVerdict, reasonWhitelist
	}

	path, err := rc.resourcePath()
	if err != nil {
		h.Logger.Warn("denying malformed request", zap.Error(err))
		return denyVerdict, reasonMalformedURI
	}
	if !containsKeyword(path, cfg.PrivateKeyword) {
		return allowVerdict, reasonPublic
	}

	status, err := h.checkSession(ctx, s, rc.CookieHeader())
	if err != nil {
		h.Logger.Warn("authentication check failed",
			zap.String("authcheck_url", cfg.AuthcheckURL),
			zap.Error(err))
		return denyVerdict, reasonAuthcheckError
	}

	switch status {
	case http.StatusFound:
		return redirectTo(cfg.AuthenticatorURL, rc.RequestURI), reasonUnauthenticated
	case http.StatusOK:
		return allowVerdict, reasonAuthenticated
	default:
		h.Logger.Warn("unexpected authentication check status",
			zap.String("authcheck_url", cfg.AuthcheckURL),
			zap.Int("status", status))
		return denyVerdict, reasonAuthcheckStatus
	}
}

// checkSession asks the authentication service whether the session carried
// by cookies is authenticated, and returns the status code of its response.
func (h *Hook) checkSession(ctx context.Context, s *hookState, cookies string) (int, error) {
	cfg := s.config

	var key string
	if cfg.SessionCacheTTL > 0 && cookies != "" {
		key = sessionKey(cfg.AuthcheckURL, cookies)
		if status, ok := cachedSession(h.Cache, key, h.now()); ok {
			sessionCacheHits.Inc()
			return status, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.AuthcheckURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	authcheckSummary.Observe(time.Since(start).Seconds())
	if err != nil {
		authcheckErrors.Inc()
		return 0, err
	}
	defer resp.Body.Close()
	// drain a little so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if key != "" {
		storeSession(h.Cache, key, resp, time.Duration(cfg.SessionCacheTTL), h.now())
	}
	return resp.StatusCode, nil
}
