// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

package imageauthz

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestNewRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "http://images.example/iiif/2/private%2Fa.jpg/full/max/0/default.jpg?x=1", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "s"})
	req.AddCookie(&http.Cookie{Name: "lang", Value: "nl"})

	rc := NewRequestContext(req, "192.0.2.9")
	want := RequestContext{
		ClientIP:   "192.0.2.9",
		RequestURI: "http://images.example/iiif/2/private%2Fa.jpg/full/max/0/default.jpg?x=1",
		Cookies:    map[string]string{"session": "s", "lang": "nl"},
	}
	if !reflect.DeepEqual(rc, want) {
		t.Errorf("NewRequestContext returned %+v, want %+v", rc, want)
	}

	req = httptest.NewRequest("GET", "https://images.example/a.jpg", nil)
	req.TLS = &tls.ConnectionState{}
	if got, want := NewRequestContext(req, "").RequestURI, "https://images.example/a.jpg"; got != want {
		t.Errorf("NewRequestContext over TLS returned URI %q, want %q", got, want)
	}
	if got := NewRequestContext(req, "").Cookies; got != nil {
		t.Errorf("NewRequestContext without cookies returned %v, want nil", got)
	}
}

func TestForwardedRequestContext(t *testing.T) {
	cfg := testConfig("https://auth.example/check")
	cfg.TrustedProxies = []string{"127.0.0.1", "10.0.0.0/8"}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		remote  string
		headers map[string]string
		ip, uri string
	}{
		// untrusted peers: headers are ignored
		{"192.0.2.1:1234", nil, "192.0.2.1", "http://gate.example/auth"},
		{"192.0.2.1:1234", map[string]string{
			"X-Forwarded-For": "127.0.0.1",
			"X-Original-URL":  "https://example.org/public/a.jpg",
		}, "192.0.2.1", "http://gate.example/auth"},

		// trusted peers without an untrusted hop leave the client unknown
		{"127.0.0.1:1234", nil, "", "http://gate.example/auth"},
		{"10.1.2.3:1234", map[string]string{
			"X-Forwarded-For": "10.0.0.2, 127.0.0.1",
		}, "", "http://gate.example/auth"},

		// trusted peers
		{"127.0.0.1:1234", map[string]string{
			"X-Forwarded-For": "198.51.100.7",
			"X-Original-URL":  "https://example.org/private/a.jpg",
		}, "198.51.100.7", "https://example.org/private/a.jpg"},
		{"10.1.2.3:1234", map[string]string{
			"X-Forwarded-For":   "203.0.113.5, 198.51.100.7, 10.0.0.2",
			"X-Forwarded-Proto": "https",
			"X-Forwarded-Host":  "images.example",
			"X-Forwarded-Uri":   "/iiif/2/private%2Fa.jpg/info.json",
		}, "198.51.100.7", "https://images.example/iiif/2/private%2Fa.jpg/info.json"},
		{"127.0.0.1:1234", map[string]string{
			"X-Forwarded-For": "10.0.0.9, 127.0.0.1",
			"X-Original-URI":  "/private/a.jpg",
		}, "10.0.0.9", "http://gate.example/private/a.jpg"},
		{"127.0.0.1:1234", map[string]string{
			"X-Forwarded-For":  "198.51.100.7",
			"X-Original-URL":   "/relative/only",
			"X-Forwarded-Host": "images.example",
		}, "198.51.100.7", "http://images.example/"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "http://gate.example/auth", nil)
		req.RemoteAddr = tt.remote
		for k, v := range tt.headers {
			req.Header.Set(k, v)
		}

		rc := forwardedRequestContext(cfg, req)
		if rc.ClientIP != tt.ip || rc.RequestURI != tt.uri {
			t.Errorf("forwardedRequestContext(%s, %v) returned (%q, %q), want (%q, %q)",
				tt.remote, tt.headers, rc.ClientIP, rc.RequestURI, tt.ip, tt.uri)
		}
	}
}

func TestHook_ServeHTTP(t *testing.T) {
	tests := []struct {
		authcheck string
		remote    string
		headers   map[string]string
		code      int
		location  string
	}{
		{"/ok", "127.0.0.1:1", map[string]string{
			"X-Forwarded-For": "192.0.2.1",
			"X-Original-URL":  "https://example.org/private/a.jpg",
		}, http.StatusOK, ""},
		{"/forbidden", "127.0.0.1:1", map[string]string{
			"X-Forwarded-For": "192.0.2.1",
			"X-Original-URL":  "https://example.org/private/a.jpg",
		}, http.StatusForbidden, ""},
		{"/login", "127.0.0.1:1", map[string]string{
			"X-Forwarded-For": "192.0.2.1",
			"X-Original-URL":  "https://example.org/private/a.jpg",
		}, http.StatusFound, "https://auth.example/login?url=https%3A%2F%2Fexample.org%2Fprivate%2Fa.jpg"},

		// a proxy's own address is never whitelisted
		{"/forbidden", "127.0.0.1:1", map[string]string{
			"X-Original-URL": "https://example.org/private/a.jpg",
		}, http.StatusForbidden, ""},
		{"/forbidden", "127.0.0.1:1", map[string]string{
			"X-Forwarded-For": "127.0.0.1",
			"X-Original-URL":  "https://example.org/private/a.jpg",
		}, http.StatusForbidden, ""},
		{"/forbidden", "[::1]:1", map[string]string{
			"X-Forwarded-Uri":  "/private/a.jpg",
			"X-Forwarded-Host": "example.org",
		}, http.StatusForbidden, ""},

		// escaped keywords are still gated
		{"/forbidden", "127.0.0.1:1", map[string]string{
			"X-Forwarded-For": "192.0.2.1",
			"X-Original-URL":  "https://example.org/pri%76ate/a.jpg",
		}, http.StatusForbidden, ""},
		{"/forbidden", "127.0.0.1:1", map[string]string{
			"X-Forwarded-For": "192.0.2.1",
			"X-Original-URL":  "https://example.org/public/a.jpg",
		}, http.StatusOK, ""},
	}

	for _, tt := range tests {
		h, _ := newTestHook(t, tt.authcheck)
		req := httptest.NewRequest("GET", "http://authz.internal/auth", nil)
		req.RemoteAddr = tt.remote
		for k, v := range tt.headers {
			req.Header.Set(k, v)
		}
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)

		if got, want := resp.Code, tt.code; got != want {
			t.Errorf("ServeHTTP(%v) returned status %d, want %d", tt.headers, got, want)
		}
		if got, want := resp.Header().Get("Location"), tt.location; got != want {
			t.Errorf("ServeHTTP(%v) returned Location %q, want %q", tt.headers, got, want)
		}
	}
}

func TestDelegateHandler(t *testing.T) {
	tests := []struct {
		authcheck string
		method    string
		body      string
		code      int
		want      string // response body
	}{
		{"/ok", "POST", `{"client_ip":"192.0.2.1","request_uri":"https://example.org/private/a.jpg","cookies":{"s":"1"}}`,
			http.StatusOK, "true\n"},
		{"/forbidden", "POST", `{"client_ip":"192.0.2.1","request_uri":"https://example.org/private/a.jpg"}`,
			http.StatusOK, "false\n"},
		{"/forbidden", "POST", `{"client_ip":"127.0.0.1","request_uri":"https://example.org/private/a.jpg"}`,
			http.StatusOK, "true\n"},
		{"/login", "POST", `{"client_ip":"192.0.2.1","request_uri":"https://example.org/private/img1.jpg"}`,
			http.StatusOK, `{"status_code":302,"location":"https://auth.example/login?url=https%3A%2F%2Fexample.org%2Fprivate%2Fimg1.jpg"}` + "\n"},
		{"/ok", "POST", `{"client_ip":`, http.StatusBadRequest, ""},
		{"/ok", "GET", "", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		h, _ := newTestHook(t, tt.authcheck)
		req := httptest.NewRequest(tt.method, "http://authz.internal/delegate/authorize", strings.NewReader(tt.body))
		resp := httptest.NewRecorder()
		DelegateHandler(h).ServeHTTP(resp, req)

		if got, want := resp.Code, tt.code; got != want {
			t.Errorf("DelegateHandler(%s %s) returned status %d, want %d", tt.method, tt.body, got, want)
			continue
		}
		if tt.code != http.StatusOK {
			continue
		}
		if got := resp.Body.String(); got != tt.want {
			t.Errorf("DelegateHandler(%s) returned %q, want %q", tt.body, got, tt.want)
		}
		if got, want := resp.Header().Get("Content-Type"), "application/json"; got != want {
			t.Errorf("DelegateHandler returned Content-Type %q, want %q", got, want)
		}
	}
}
