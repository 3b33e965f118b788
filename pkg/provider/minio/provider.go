// Package minio implements provider.Uploader for MinIO and other
// S3-compatible stores through minio-go.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/3leaps/vidgen/pkg/provider"
)

// Config configures a MinIO provider.
type Config struct {
	// Endpoint is host[:port] without scheme (e.g. "localhost:9000").
	Endpoint string

	AccessKey string
	SecretKey string

	// Bucket is the destination bucket (required).
	Bucket string

	// Secure selects HTTPS.
	Secure bool

	// Region is passed to the client; most MinIO deployments ignore it.
	Region string

	// PublicBaseURL, when set, is used to build returned URLs. Otherwise
	// URLs are path style against Endpoint.
	PublicBaseURL string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return fmt.Errorf("minio config: Endpoint: endpoint is required")
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("minio config: Endpoint: must be host[:port] without scheme")
	case strings.TrimSpace(c.Bucket) == "":
		return fmt.Errorf("minio config: Bucket: bucket name is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return fmt.Errorf("minio config: AccessKey/SecretKey: both must be provided")
	}
	return nil
}

// Provider stores uploads in a MinIO bucket.
type Provider struct {
	client  *minio.Client
	cfg     Config
	baseURL string
}

var (
	_ provider.Uploader      = (*Provider)(nil)
	_ provider.Pinger        = (*Provider)(nil)
	_ provider.ObjectDeleter = (*Provider)(nil)
)

// New creates a MinIO provider. No network call is made.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderMinio, Bucket: cfg.Bucket, Err: err}
	}

	baseURL := strings.TrimSpace(cfg.PublicBaseURL)
	if baseURL == "" {
		scheme := "http"
		if cfg.Secure {
			scheme = "https"
		}
		baseURL = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}

	return &Provider{client: client, cfg: cfg, baseURL: baseURL}, nil
}

// Upload stores data under a unique key in the bucket.
func (p *Provider) Upload(ctx context.Context, data []byte, filename, folder string) (*provider.UploadResult, error) {
	if len(data) == 0 || strings.TrimSpace(filename) == "" {
		return nil, &provider.ProviderError{Op: "Upload", Provider: provider.ProviderMinio, Bucket: p.cfg.Bucket, Key: filename, Err: provider.ErrInvalidInput}
	}

	key := provider.UniqueKey(folder, filename)
	_, err := p.client.PutObject(ctx, p.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: provider.ContentType(filename),
	})
	if err != nil {
		return nil, p.wrapError("Upload", key, err)
	}
	return &provider.UploadResult{URL: provider.JoinURL(p.baseURL, key), Key: key}, nil
}

// DeleteObject removes an object.
func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	if err := p.client.RemoveObject(ctx, p.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// Ping verifies the bucket exists.
func (p *Provider) Ping(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.cfg.Bucket)
	if err != nil {
		return p.wrapError("Ping", "", err)
	}
	if !exists {
		return &provider.ProviderError{Op: "Ping", Provider: provider.ProviderMinio, Bucket: p.cfg.Bucket, Err: provider.ErrBucketNotFound}
	}
	return nil
}

// Close releases any resources held by the provider.
func (p *Provider) Close() error { return nil }

// wrapError maps minio error responses to provider sentinels.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderMinio,
		Bucket:   p.cfg.Bucket,
		Key:      key,
		Err:      err,
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case "NoSuchBucket":
		wrapped.Err = provider.ErrBucketNotFound
		return wrapped
	case "AccessDenied":
		wrapped.Err = provider.ErrAccessDenied
		return wrapped
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		wrapped.Err = provider.ErrInvalidCredentials
		return wrapped
	case "SlowDown", "SlowDownWrite", "SlowDownRead":
		wrapped.Err = provider.ErrThrottled
		return wrapped
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		wrapped.Err = provider.ErrNotFound
	case http.StatusForbidden:
		wrapped.Err = provider.ErrAccessDenied
	case http.StatusTooManyRequests:
		wrapped.Err = provider.ErrThrottled
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusInternalServerError:
		wrapped.Err = provider.ErrProviderUnavailable
	}
	return wrapped
}
