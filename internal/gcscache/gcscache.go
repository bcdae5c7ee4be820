// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

// Package gcscache provides a session cache that stores entries on Google
// Cloud Storage.
package gcscache

import (
	"context"
	"errors"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// timeout bounds each call to GCS.
const timeout = 2 * time.Second

// maxEntrySize bounds how much of a stored object is read.
const maxEntrySize = 64 << 10

// objectHandle is the subset of *storage.ObjectHandle used by the cache.
type objectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
	Delete(ctx context.Context) error
}

// bucketHandle is the subset of *storage.BucketHandle used by the cache.
type bucketHandle interface {
	Object(name string) objectHandle
}

type gcsBucket struct{ *storage.BucketHandle }

func (b gcsBucket) Object(name string) objectHandle {
	return gcsObject{b.BucketHandle.Object(name)}
}

type gcsObject struct{ *storage.ObjectHandle }

func (o gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.ObjectHandle.NewReader(ctx)
}

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	w := o.ObjectHandle.NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}

type cache struct {
	bucket bucketHandle
	prefix string
}

func (c *cache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r, err := c.object(key).NewReader(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			zap.L().Warn("error reading session from gcs", zap.Error(err))
		}
		return nil, false
	}
	defer r.Close()

	value, err := io.ReadAll(io.LimitReader(r, maxEntrySize))
	if err != nil {
		zap.L().Warn("error reading session from gcs", zap.Error(err))
		return nil, false
	}
	// an empty object is what's left of an interrupted write
	if len(value) == 0 {
		return nil, false
	}
	return value, true
}

func (c *cache) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	w := c.object(key).NewWriter(ctx)
	if _, err := w.Write(value); err != nil {
		zap.L().Warn("error writing session to gcs", zap.Error(err))
	}
	if err := w.Close(); err != nil {
		zap.L().Warn("error closing gcs object writer", zap.Error(err))
	}
}

func (c *cache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		zap.L().Warn("error deleting session from gcs", zap.Error(err))
	}
}

// object returns the handle for key.  Keys are already hex digests, so they
// are used as object names directly.
func (c *cache) object(key string) objectHandle {
	return c.bucket.Object(path.Join(c.prefix, key))
}

// New constructs a Cache storing entries in the specified GCS bucket.  If
// prefix is not empty, objects will be prefixed with that path. Credentials
// should be specified using one of the mechanisms supported for Application
// Default Credentials (see https://cloud.google.com/docs/authentication/production)
func New(ctx context.Context, bucket, prefix string) (*cache, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return NewWithBucket(gcsBucket{client.Bucket(bucket)}, prefix), nil
}

// NewWithBucket constructs a Cache using bucket.
func NewWithBucket(bucket bucketHandle, prefix string) *cache {
	return &cache{bucket: bucket, prefix: prefix}
}
