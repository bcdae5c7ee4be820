// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

// Package ttldiskcache provides a disk cache whose entries are discarded once
// they are older than a fixed age.
//
// Session entries carry their own expiry, but an entry that is never read
// again would otherwise stay on disk forever.  Sweep removes such entries.
package ttldiskcache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/diskv"
	"go.uber.org/zap"
)

// TTLDiskCache stores entries on disk for at most a fixed age.
type TTLDiskCache struct {
	d   *diskv.Diskv
	ttl time.Duration

	now func() time.Time
}

// New creates a new TTLDiskCache with the specified base path and TTL.  Keys
// must be at least four characters long and safe to use as file names, such
// as hex digests.
func New(basePath string, ttl time.Duration) *TTLDiskCache {
	d := diskv.New(diskv.Options{
		BasePath: basePath,
		// For key "c0ffee", store file as "c0/ff/c0ffee"
		Transform: shard,
		// no in-memory copy, so entry age is always read from disk
		CacheSizeMax: 0,
	})
	return &TTLDiskCache{d: d, ttl: ttl, now: time.Now}
}

func shard(key string) []string {
	if len(key) < 4 {
		return nil
	}
	return []string{key[0:2], key[2:4]}
}

// Get retrieves data from the cache if it exists and hasn't expired.
func (c *TTLDiskCache) Get(key string) ([]byte, bool) {
	if c.expired(key) {
		return nil, false
	}
	data, err := c.d.Read(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores data in the cache.  The entry's age is counted from now.
func (c *TTLDiskCache) Set(key string, data []byte) {
	if err := c.d.Write(key, data); err != nil {
		zap.L().Warn("error writing session to disk", zap.String("path", c.d.BasePath), zap.Error(err))
	}
}

// Delete removes the entry for key, if any.
func (c *TTLDiskCache) Delete(key string) {
	if err := c.d.Erase(key); err != nil && !os.IsNotExist(err) {
		zap.L().Warn("error deleting session from disk", zap.String("path", c.d.BasePath), zap.Error(err))
	}
}

// expired reports whether the entry for key is older than the TTL.  Expired
// entries are removed.
func (c *TTLDiskCache) expired(key string) bool {
	fi, err := os.Stat(c.path(key))
	if err != nil {
		return true
	}
	if c.now().Sub(fi.ModTime()) <= c.ttl {
		return false
	}
	c.Delete(key)
	return true
}

func (c *TTLDiskCache) path(key string) string {
	return filepath.Join(append(append([]string{c.d.BasePath}, shard(key)...), key)...)
}

// Sweep removes all expired entries from the cache and returns how many were
// removed.
func (c *TTLDiskCache) Sweep() int {
	done := make(chan struct{})
	defer close(done)

	var n int
	for key := range c.d.Keys(done) {
		if c.expired(key) {
			n++
		}
	}
	return n
}

// SweepEvery calls Sweep every interval until stop is closed.
func (c *TTLDiskCache) SweepEvery(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				zap.L().Debug("swept expired sessions", zap.String("path", c.d.BasePath), zap.Int("count", n))
			}
		case <-stop:
			return
		}
	}
}
