// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

package imageauthz

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// maxDelegateBody limits the size of delegate request bodies.
const maxDelegateBody = 1 << 20

// NewRequestContext returns the context of r as received by the server, with
// clientIP as the client address.
func NewRequestContext(r *http.Request, clientIP string) RequestContext {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	var cookies map[string]string
	if cs := r.Cookies(); len(cs) > 0 {
		cookies = make(map[string]string, len(cs))
		for _, c := range cs {
			cookies[c.Name] = c.Value
		}
	}

	return RequestContext{
		ClientIP:   clientIP,
		RequestURI: scheme + "://" + r.Host + r.URL.RequestURI(),
		Cookies:    cookies,
	}
}

// remoteIP returns the IP address of the peer that sent r.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedRequestContext returns the context of the request that a reverse
// proxy is asking about.  X-Forwarded-* and X-Original-* headers are only
// honoured when the peer is a trusted proxy.
func forwardedRequestContext(cfg *Config, r *http.Request) RequestContext {
	rc := NewRequestContext(r, clientIP(cfg, r))
	if !cfg.trustedProxy(remoteIP(r)) {
		return rc
	}
	if u := forwardedURI(r); u != "" {
		rc.RequestURI = u
	}
	return rc
}

// clientIP returns the address of the client on whose behalf r was sent.
// For a trusted proxy that is the rightmost X-Forwarded-For hop that is not
// itself a trusted proxy.  If there is no such hop the client is unknown and
// the empty string is returned, so that a proxy's own address never counts
// for the whitelist.
func clientIP(cfg *Config, r *http.Request) string {
	peer := remoteIP(r)
	if !cfg.trustedProxy(peer) {
		return peer
	}
	return forwardedFor(cfg, r.Header.Values("X-Forwarded-For"))
}

// forwardedFor returns the rightmost hop in X-Forwarded-For values that is
// not a trusted proxy, or "" if there is none.
func forwardedFor(cfg *Config, values []string) string {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}

	for i := len(hops) - 1; i >= 0; i-- {
		if !cfg.trustedProxy(hops[i]) {
			return hops[i]
		}
	}
	return ""
}

// forwardedURI returns the absolute URI of the original request, or an empty
// string if r carries no forwarding headers.
//
// X-Original-URL is expected to hold an absolute URL (nginx auth_request).
// Otherwise the URI is assembled from X-Forwarded-Proto, X-Forwarded-Host and
// X-Forwarded-Uri (Traefik forwardAuth) or X-Original-URI.
func forwardedURI(r *http.Request) string {
	h := r.Header
	if v := h.Get("X-Original-URL"); v != "" {
		if u, err := url.Parse(v); err == nil && u.IsAbs() {
			return v
		}
	}

	uri := h.Get("X-Forwarded-Uri")
	if uri == "" {
		uri = h.Get("X-Original-URI")
	}
	host := h.Get("X-Forwarded-Host")
	if uri == "" && host == "" {
		return ""
	}

	if host == "" {
		host = r.Host
	}
	if uri == "" {
		uri = "/"
	}
	proto := h.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	return proto + "://" + host + uri
}

// ServeHTTP answers forward-auth subrequests from a reverse proxy.  It
// responds 200 for allowed requests, 403 for denied requests, and 302 with
// a Location header when the client must authenticate.
func (h *Hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := h.state.Load()
	rc := forwardedRequestContext(s.config, r)
	v := h.decide(r.Context(), s, rc)
	if err := verdictError(v); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DelegateHandler returns a handler for hosts whose delegate scripts call out
// over HTTP.  It accepts a POSTed JSON RequestContext and responds with the
// JSON verdict: true, false, or {"status_code":302,"location":"..."}.
func DelegateHandler(h *Hook) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		var rc RequestContext
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDelegateBody))
		if err := dec.Decode(&rc); err != nil {
			msg := fmt.Sprintf("invalid request context: %v", err)
			h.Logger.Warn("invalid delegate request", zap.Error(err))
			http.Error(w, msg, http.StatusBadRequest)
			return
		}

		v := h.Authorize(r.Context(), rc)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			h.Logger.Warn("error writing delegate response", zap.Error(err))
		}
	})
}
