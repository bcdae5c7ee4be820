// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

package s3cache

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// mockS3Client is a mock implementation of the S3 client interface
type mockS3Client struct {
	s3iface.S3API
	storage map[string][]byte
	err     error // returned by every call, if set
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		storage: make(map[string][]byte),
	}
}

func (m *mockS3Client) GetObjectWithContext(_ aws.Context, input *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	if data, ok := m.storage[*input.Key]; ok {
		return &s3.GetObjectOutput{
			Body: io.NopCloser(bytes.NewReader(data)),
		}, nil
	}
	return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
}

func (m *mockS3Client) PutObjectWithContext(_ aws.Context, input *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.storage[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObjectWithContext(_ aws.Context, input *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	delete(m.storage, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Cache(t *testing.T) {
	mock := newMockS3Client()
	c := &cache{
		S3API:   mock,
		bucket:  "test-bucket",
		prefix:  "sessions",
		timeout: time.Second,
	}

	key := "6b86b273ff34fce19d6b804eff5a3f57"
	entry := []byte(`{"status":200,"expires":"2024-05-01T12:00:00Z"}`)

	if _, ok := c.Get(key); ok {
		t.Error("Get of missing key returned ok")
	}

	c.Set(key, entry)
	if _, ok := mock.storage["sessions/"+key]; !ok {
		t.Errorf("Set did not store object under prefix, have %v", mock.storage)
	}
	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected entry to exist in cache")
	}
	if !bytes.Equal(got, entry) {
		t.Errorf("Get returned %q, want %q", got, entry)
	}

	c.Delete(key)
	if _, ok := c.Get(key); ok {
		t.Error("expected entry to be deleted")
	}
}

func TestS3Cache_Errors(t *testing.T) {
	mock := newMockS3Client()
	mock.err = errors.New("connection reset")
	c := &cache{S3API: mock, bucket: "test-bucket", timeout: time.Second}

	// errors are logged and treated as misses
	c.Set("k", []byte("v"))
	if _, ok := c.Get("k"); ok {
		t.Error("Get returned ok on error")
	}
	c.Delete("k")
}

func TestNew(t *testing.T) {
	tests := []struct {
		url            string
		bucket, prefix string
		timeout        time.Duration
		wantErr        bool
	}{
		{"s3://us-west-2/test-bucket/test-prefix", "test-bucket", "test-prefix", defaultTimeout, false},
		{"s3://us-west-2/test-bucket", "test-bucket", "", defaultTimeout, false},
		{"s3://us-west-2/test-bucket/a/b?timeout=500ms", "test-bucket", "a/b", 500 * time.Millisecond, false},
		{"s3://minio/b?endpoint=localhost:9000&disableSSL=1&s3ForcePathStyle=1", "b", "", defaultTimeout, false},
		{"s3://us-west-2/", "", "", 0, true},
		{"s3://us-west-2/b?timeout=soon", "", "", 0, true},
	}

	for _, tt := range tests {
		c, err := New(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q) did not return expected error", tt.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q) returned error: %v", tt.url, err)
			continue
		}
		if c.bucket != tt.bucket || c.prefix != tt.prefix || c.timeout != tt.timeout {
			t.Errorf("New(%q) returned bucket %q, prefix %q, timeout %v; want %q, %q, %v",
				tt.url, c.bucket, c.prefix, c.timeout, tt.bucket, tt.prefix, tt.timeout)
		}
	}
}
