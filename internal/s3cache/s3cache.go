// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

// Package s3cache provides a session cache that stores entries on Amazon S3
// or an S3-compatible service.
package s3cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"
)

// defaultTimeout bounds each call to S3, so that a slow bucket delays an
// authorization by at most this long.
const defaultTimeout = 2 * time.Second

// maxEntrySize bounds how much of a stored object is read.
const maxEntrySize = 64 << 10

type cache struct {
	s3iface.S3API
	bucket, prefix string
	timeout        time.Duration
}

func (c *cache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if !errors.As(err, &aerr) || aerr.Code() != s3.ErrCodeNoSuchKey {
			zap.L().Warn("error fetching session from s3", zap.String("bucket", c.bucket), zap.Error(err))
		}
		return nil, false
	}
	defer resp.Body.Close()

	value, err := io.ReadAll(io.LimitReader(resp.Body, maxEntrySize))
	if err != nil {
		zap.L().Warn("error reading session from s3", zap.String("bucket", c.bucket), zap.Error(err))
		return nil, false
	}
	return value, true
}

func (c *cache) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	_, err := c.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Body:        aws.ReadSeekCloser(bytes.NewReader(value)),
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.objectKey(key)),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		zap.L().Warn("error writing session to s3", zap.String("bucket", c.bucket), zap.Error(err))
	}
}

func (c *cache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	_, err := c.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		zap.L().Warn("error deleting session from s3", zap.String("bucket", c.bucket), zap.Error(err))
	}
}

// objectKey returns the object name for key.  Keys are already hex digests,
// so they are used as is.
func (c *cache) objectKey(key string) string {
	return path.Join(c.prefix, key)
}

// New constructs a cache configured using the provided URL string.
// URL should be of the form: "s3://region/bucket/optional-path-prefix".
//
// The query parameters endpoint, disableSSL=1 and s3ForcePathStyle=1 are
// useful with S3-compatible services.  timeout sets the limit for each call,
// and defaults to 2s.
func New(s string) (*cache, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	region := u.Host
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	bucket := parts[0]
	if bucket == "" {
		return nil, errors.New("s3cache: missing bucket name")
	}
	var prefix string
	if len(parts) > 1 {
		prefix = parts[1]
	}

	q := u.Query()
	timeout := defaultTimeout
	if v := q.Get("timeout"); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil {
			return nil, err
		}
	}

	config := aws.NewConfig().WithRegion(region)
	if v := q.Get("endpoint"); v != "" {
		config = config.WithEndpoint(v)
	}
	if v := q.Get("disableSSL"); v == "1" {
		config = config.WithDisableSSL(true)
	}
	if v := q.Get("s3ForcePathStyle"); v == "1" {
		config = config.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, err
	}

	return &cache{
		S3API:   s3.New(sess),
		bucket:  bucket,
		prefix:  prefix,
		timeout: timeout,
	}, nil
}
