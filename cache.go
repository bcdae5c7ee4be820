// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

package imageauthz

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/imagehub/imageauthz/third_party/httpcache"
)

// The Cache interface defines a cache for storing the outcome of
// authentication checks.  Any httpcache.Cache implementation satisfies it.
type Cache interface {
	// Get returns the []byte representation of a cached session check,
	// and a bool set to true if the key was found.
	Get(key string) ([]byte, bool)

	// Set stores the []byte representation of a session check against a
	// key.
	Set(key string, value []byte)

	// Delete removes the value associated with the key.
	Delete(key string)
}

// NopCache provides a no-op cache implementation that doesn't actually cache
// anything.
var NopCache = new(nopCache)

type nopCache struct{}

func (c nopCache) Get(string) ([]byte, bool) { return nil, false }
func (c nopCache) Set(string, []byte)        {}
func (c nopCache) Delete(string)             {}

// sessionEntry is a cached authentication check.
type sessionEntry struct {
	Status  int       `json:"status"`
	Expires time.Time `json:"expires"`
}

// sessionKey identifies the session presented by cookieHeader to
// authcheckURL.  The cookies themselves are never stored.
func sessionKey(authcheckURL, cookieHeader string) string {
	h := sha256.New()
	_, _ = io.WriteString(h, authcheckURL)
	_, _ = io.WriteString(h, "\n")
	_, _ = io.WriteString(h, cookieHeader)
	return hex.EncodeToString(h.Sum(nil))
}

// cachedSession returns the cached status for key, if present and not
// expired.  Expired or unreadable entries are removed.
func cachedSession(c Cache, key string, now time.Time) (int, bool) {
	b, ok := c.Get(key)
	if !ok {
		return 0, false
	}

	var entry sessionEntry
	if err := json.Unmarshal(b, &entry); err != nil || !now.Before(entry.Expires) {
		c.Delete(key)
		return 0, false
	}
	return entry.Status, true
}

// storeSession caches a successful authentication check for at most ttl,
// further limited by the Cache-Control header of the authcheck response.
func storeSession(c Cache, key string, resp *http.Response, ttl time.Duration, now time.Time) {
	if ttl <= 0 || resp.StatusCode != http.StatusOK {
		return
	}
	ttl = cacheLifetime(resp.Header, ttl)
	if ttl <= 0 {
		return
	}

	b, err := json.Marshal(sessionEntry{Status: resp.StatusCode, Expires: now.Add(ttl)})
	if err != nil {
		return
	}
	c.Set(key, b)
}

// cacheLifetime returns how long a response with the given headers may be
// cached, capped at limit.
func cacheLifetime(h http.Header, limit time.Duration) time.Duration {
	cc := httpcache.ParseCacheControl(h)
	if cc.NoStore() {
		return 0
	}
	if age, ok := cc.MaxAge(); ok && age < limit {
		return age
	}
	return limit
}
