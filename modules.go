// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

package imageauthz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrDenied is returned by AuthorizeRequest when a request must not be
// served.
var ErrDenied = errors.New("request denied")

// RedirectError is returned by AuthorizeRequest when the client must
// authenticate before the request can be served.
type RedirectError struct {
	StatusCode int
	Location   string
}

func (e RedirectError) Error() string {
	return fmt.Sprintf("authentication required, redirecting to %s", e.Location)
}

// A RequestAuthorizer determines if a request is authorized to be processed.
// Requests are authorized before the image is retrieved from the image
// server.
type RequestAuthorizer interface {
	// AuthorizeRequest returns an error if the request should not be
	// processed further: ErrDenied, a RedirectError, or an error wrapping
	// one of them.
	AuthorizeRequest(req *http.Request) error
}

// interface guard
var _ RequestAuthorizer = (*Hook)(nil)

// AuthorizeRequest authorizes req for the resource it names.  If the peer is
// a trusted proxy the client IP is taken from X-Forwarded-For; the request
// URI is always that of req itself.
func (h *Hook) AuthorizeRequest(req *http.Request) error {
	s := h.state.Load()
	rc := NewRequestContext(req, clientIP(s.config, req))
	return verdictError(h.decide(req.Context(), s, rc))
}

// verdictError converts v to the error convention of RequestAuthorizer.
func verdictError(v Verdict) error {
	switch v.Decision {
	case Allow:
		return nil
	case Redirect:
		return RedirectError{v.StatusCode, v.Location}
	default:
		return ErrDenied
	}
}

// writeAuthError writes the response for a request rejected with err.
func writeAuthError(w http.ResponseWriter, err error) {
	var redirect RedirectError
	if errors.As(err, &redirect) {
		w.Header().Set("Location", redirect.Location)
		w.WriteHeader(redirect.StatusCode)
		return
	}
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}

// AuthorizerFunc adapts a function to the RequestAuthorizer interface.
type AuthorizerFunc func(ctx context.Context, rc RequestContext) Verdict

// AuthorizeRequest calls f with the context of req.
func (f AuthorizerFunc) AuthorizeRequest(req *http.Request) error {
	return verdictError(f(req.Context(), NewRequestContext(req, remoteIP(req))))
}
