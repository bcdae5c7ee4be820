// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

package imageauthz

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ErrNotAbsolute is returned when a request URI is not an absolute URL with
// a host.
var ErrNotAbsolute = errors.New("request URI must be an absolute URL")

// URLError reports a malformed request URI.
type URLError struct {
	Message string
	URI     string
}

func (e URLError) Error() string {
	return fmt.Sprintf("malformed request URI %q: %s", e.URI, e.Message)
}

// RequestContext describes the request being authorized, as supplied by the
// host image server.
type RequestContext struct {
	ClientIP   string            `json:"client_ip"`
	RequestURI string            `json:"request_uri"` // absolute URL of the requested resource
	Cookies    map[string]string `json:"cookies"`
}

// CookieHeader joins all cookies into a single Cookie header value.  Cookies
// are sorted by name so that identical contexts produce identical headers.
func (rc RequestContext) CookieHeader() string {
	if len(rc.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(rc.Cookies))
	for name := range rc.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = name + "=" + rc.Cookies[name]
	}
	return strings.Join(pairs, "; ")
}

// resourcePath returns everything in the request URI after the host name.
// The port, query string and fragment are part of the returned path.
func (rc RequestContext) resourcePath() (string, error) {
	u, err := url.Parse(rc.RequestURI)
	if err != nil {
		return "", URLError{err.Error(), rc.RequestURI}
	}
	host := u.Hostname()
	if !u.IsAbs() || host == "" {
		return "", URLError{ErrNotAbsolute.Error(), rc.RequestURI}
	}

	i := strings.Index(rc.RequestURI, host)
	if i < 0 {
		// percent-encoded hosts are decoded by url.Parse
		return "", URLError{"host not found in request URI", rc.RequestURI}
	}
	return rc.RequestURI[i+len(host):], nil
}

// containsKeyword reports whether path contains keyword, either as written or
// with percent-escapes decoded the way the image server will decode them.
func containsKeyword(path, keyword string) bool {
	if strings.Contains(path, keyword) {
		return true
	}
	return strings.Contains(unescape(path), keyword)
}

// unescape decodes every valid percent-escape in s.  Malformed escapes are
// left as they are rather than failing the whole string.
func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if c, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(c))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Decision is the outcome of an authorization check.
type Decision int

const (
	Deny Decision = iota
	Allow
	Redirect
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	default:
		return "deny"
	}
}

// Verdict is the result of authorizing a single request.  The zero value
// denies the request.
type Verdict struct {
	Decision Decision

	// StatusCode and Location are only set for Redirect verdicts.
	StatusCode int
	Location   string
}

var (
	allowVerdict = Verdict{Decision: Allow}
	denyVerdict  = Verdict{Decision: Deny}
)

// redirectTo returns a verdict redirecting the client to the authenticator,
// with the original request URI appended in percent-encoded form.
func redirectTo(authenticatorURL, requestURI string) Verdict {
	return Verdict{
		Decision:   Redirect,
		StatusCode: http.StatusFound,
		Location:   authenticatorURL + percentEncode(requestURI),
	}
}

// percentEncode escapes s for use in a query value, encoding spaces as %20
// rather than "+".
func percentEncode(s string) string {
	// QueryEscape encodes a literal "+" as %2B, so any "+" left is a space
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Allowed reports whether the request may be served.
func (v Verdict) Allowed() bool { return v.Decision == Allow }

func (v Verdict) String() string {
	if v.Decision == Redirect {
		return fmt.Sprintf("redirect %d %s", v.StatusCode, v.Location)
	}
	return v.Decision.String()
}

type redirectJSON struct {
	StatusCode int    `json:"status_code"`
	Location   string `json:"location"`
}

// MarshalJSON encodes v the way delegate hosts expect it: true, false, or an
// object carrying status_code and location.
func (v Verdict) MarshalJSON() ([]byte, error) {
	switch v.Decision {
	case Allow:
		return []byte("true"), nil
	case Redirect:
		return json.Marshal(redirectJSON{v.StatusCode, v.Location})
	default:
		return []byte("false"), nil
	}
}

// UnmarshalJSON decodes the representation produced by MarshalJSON.
func (v *Verdict) UnmarshalJSON(b []byte) error {
	var allowed bool
	if err := json.Unmarshal(b, &allowed); err == nil {
		*v = denyVerdict
		if allowed {
			*v = allowVerdict
		}
		return nil
	}

	var r redirectJSON
	if err := json.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("decoding verdict: %w", err)
	}
	*v = Verdict{Decision: Redirect, StatusCode: r.StatusCode, Location: r.Location}
	return nil
}
