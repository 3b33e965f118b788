// Package file implements provider.Uploader for a local directory, for
// single-host deployments where a static file server publishes BaseDir.
package file

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/vidgen/pkg/provider"
)

// Provider stores uploads as files under BaseDir.
//
// Keys are treated as relative paths under BaseDir.
type Provider struct {
	baseDir string
	baseURL string
}

// Ensure Provider implements provider capability interfaces.
var (
	_ provider.Uploader      = (*Provider)(nil)
	_ provider.Pinger        = (*Provider)(nil)
	_ provider.ObjectDeleter = (*Provider)(nil)
)

type Config struct {
	BaseDir string
	// BaseURL prefixes keys in returned URLs. Empty yields file:// URLs.
	BaseURL string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := filepath.Clean(cfg.BaseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderFile, Bucket: base, Err: err}
	}
	return &Provider{baseDir: base, baseURL: strings.TrimSpace(cfg.BaseURL)}, nil
}

func (p *Provider) Close() error { return nil }

// Upload writes data atomically (temp file + rename) under a unique key.
func (p *Provider) Upload(ctx context.Context, data []byte, filename, folder string) (*provider.UploadResult, error) {
	if len(data) == 0 || strings.TrimSpace(filename) == "" {
		return nil, &provider.ProviderError{Op: "Upload", Provider: provider.ProviderFile, Bucket: p.baseDir, Key: filename, Err: provider.ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return nil, p.wrapError("Upload", filename, err)
	}

	key := provider.UniqueKey(folder, filename)
	if err := p.putObject(key, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &provider.UploadResult{URL: p.urlFor(key), Key: key}, nil
}

func (p *Provider) putObject(key string, body io.Reader) error {
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("Upload", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("Upload", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "vidgen-put-*")
	if err != nil {
		return p.wrapError("Upload", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("Upload", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("Upload", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("Upload", key, err)
	}
	return nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// Ping checks that BaseDir exists and is writable.
func (p *Provider) Ping(ctx context.Context) error {
	_ = ctx
	f, err := os.CreateTemp(p.baseDir, ".vidgen-ping-*")
	if err != nil {
		return p.wrapError("Ping", "", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

func (p *Provider) urlFor(key string) string {
	if p.baseURL != "" {
		return provider.JoinURL(p.baseURL, key)
	}
	full, _ := p.fullPath(key)
	return "file://" + filepath.ToSlash(full)
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Bucket: p.baseDir, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to provider sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
