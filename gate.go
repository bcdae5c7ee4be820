// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

package imageauthz

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Request headers passed to the image server by default.
var defaultPassRequestHeaders = []string{
	"Accept",
	"If-Modified-Since",
	"If-None-Match",
	"If-Range",
	"Range",
}

// Response headers copied back from the image server.
var passResponseHeaders = []string{
	"Accept-Ranges",
	"Cache-Control",
	"Content-Disposition",
	"Content-Length",
	"Content-Range",
	"Content-Type",
	"Etag",
	"Expires",
	"Last-Modified",
	"Link",
	"Vary",
}

// Gate serves requests from an upstream image server, after authorizing
// them.
//
// Note that a Gate should not be run behind a http.ServeMux, since the
// ServeMux cleans URLs and decodes escaped slashes in image identifiers.
type Gate struct {
	Client     *http.Client // client used to fetch from Upstream
	Authorizer RequestAuthorizer

	// Upstream is the base URL of the image server.  The path and query of
	// each request are appended to it.
	Upstream *url.URL

	// PassRequestHeaders lists additional request headers to pass to the
	// image server.
	PassRequestHeaders []string

	Logger *zap.Logger
}

// NewGate constructs a new Gate.  The provided http RoundTripper will be used
// to fetch from upstream.  If nil is provided, http.DefaultTransport will be
// used.
func NewGate(authorizer RequestAuthorizer, upstream *url.URL, transport http.RoundTripper) *Gate {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Gate{
		Client:     newClient(transport),
		Authorizer: authorizer,
		Upstream:   upstream,
		Logger:     zap.NewNop(),
	}
}

// ServeHTTP handles image requests.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/favicon.ico" {
		return // ignore favicon requests
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// authorize exactly the path that is sent upstream
	r = canonicalRequest(r)
	if err := g.Authorizer.AuthorizeRequest(r); err != nil {
		g.Logger.Debug("request not authorized", zap.String("path", r.URL.Path), zap.Error(err))
		writeAuthError(w, err)
		return
	}

	u := g.upstreamURL(r)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, u, nil)
	if err != nil {
		msg := fmt.Sprintf("invalid upstream URL: %v", err)
		g.Logger.Error(msg)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	copyHeader(req.Header, r.Header, append(defaultPassRequestHeaders, g.PassRequestHeaders...)...)
	req.Header.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		g.Logger.Error("error fetching from image server", zap.String("url", u), zap.Error(err))
		http.Error(w, "error fetching image", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	g.Logger.Debug("served image", zap.String("url", u), zap.Int("status", resp.StatusCode))
	copyHeader(w.Header(), resp.Header, passResponseHeaders...)
	if loc := resp.Header.Get("Location"); loc != "" {
		w.Header().Set("Location", loc)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.Logger.Debug("error copying image", zap.String("url", u), zap.Error(err))
	}
}

// upstreamURL returns the image server URL for r.  The escaped form of the
// path is kept so that encoded slashes in identifiers survive.
func (g *Gate) upstreamURL(r *http.Request) string {
	u := strings.TrimSuffix(g.Upstream.String(), "/") + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// canonicalRequest returns a copy of r whose path has every escape decoded
// except %2F, which separates segments of an image identifier.  Encoded forms
// of a private path cannot then pass as public.
func canonicalRequest(r *http.Request) *http.Request {
	p := canonicalPath(r.URL.EscapedPath())
	if p == r.URL.EscapedPath() {
		return r
	}
	path, err := url.PathUnescape(p)
	if err != nil {
		return r
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = path
	r2.URL.RawPath = p
	return r2
}

func canonicalPath(escaped string) string {
	segs := strings.Split(strings.ReplaceAll(escaped, "%2f", "%2F"), "%2F")
	for i, seg := range segs {
		segs[i] = (&url.URL{Path: unescape(seg)}).EscapedPath()
	}
	return strings.Join(segs, "%2F")
}

// copyHeader copies header values from src to dst, adding to any existing
// values with the same header name.  If keys is not empty, only those header
// keys will be copied.
func copyHeader(dst, src http.Header, keys ...string) {
	if len(keys) == 0 {
		for k := range src {
			keys = append(keys, k)
		}
	}
	for _, key := range keys {
		k := http.CanonicalHeaderKey(key)
		for _, v := range src[k] {
			dst.Add(k, v)
		}
	}
}
