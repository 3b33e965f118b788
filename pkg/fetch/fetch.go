// Package fetch resolves the input artifact reference of a generation request
// to a local file the worker can read.
//
// Remote references (http/https) are downloaded to a temp file the caller
// must remove after a successful job. Local references are validated to exist
// under the uploads directory and are never removed.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Stable messages surfaced as the job error. API pollers show them verbatim.
const (
	MsgNoInput       = "No avatar image provided."
	MsgInputNotFound = "Avatar image file not found on server."
)

var (
	// ErrNoInput indicates the request carried no input reference.
	ErrNoInput = errors.New(MsgNoInput)

	// ErrNotFound indicates a local reference points to no existing file.
	ErrNotFound = errors.New(MsgInputNotFound)

	// ErrTooLarge indicates a remote input exceeded MaxBytes.
	ErrTooLarge = errors.New("input exceeds size limit")
)

// DefaultTimeout bounds a remote download when Client is nil.
const DefaultTimeout = 30 * time.Second

// TempPrefix names staged downloads.
const TempPrefix = "tmp-avatar-"

// Input is a resolved input artifact.
type Input struct {
	// Path is the local file the worker reads.
	Path string

	// Temp reports whether Path was staged by Resolve and should be removed
	// by the caller once the job succeeds.
	Temp bool
}

// Resolver turns input references into local files.
type Resolver struct {
	// Client performs remote downloads. Nil uses a client with DefaultTimeout.
	Client *http.Client

	// UploadsDir is the base for local references.
	UploadsDir string

	// TempDir receives staged downloads. Empty uses os.TempDir().
	TempDir string

	// MaxBytes caps a remote download. Zero means unlimited.
	MaxBytes int64
}

// Resolve maps ref to a local file.
//
//   - "" (after trimming): ErrNoInput
//   - http:// or https://: downloaded to TempDir/tmp-avatar-*<ext>
//   - anything else: a path under UploadsDir (a leading "/" is relative to
//     UploadsDir, not the filesystem root); must exist or ErrNotFound
func (r *Resolver) Resolve(ctx context.Context, ref string) (Input, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Input{}, ErrNoInput
	}

	if isRemote(ref) {
		p, err := r.download(ctx, ref)
		if err != nil {
			return Input{}, err
		}
		return Input{Path: p, Temp: true}, nil
	}

	p, err := r.local(ref)
	if err != nil {
		return Input{}, err
	}
	return Input{Path: p}, nil
}

func isRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (r *Resolver) local(ref string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(strings.TrimPrefix(ref, "/")))
	full := filepath.Join(r.UploadsDir, clean)

	st, err := os.Stat(full)
	if err != nil || st.IsDir() {
		return "", ErrNotFound
	}
	return full, nil
}

func (r *Resolver) download(ctx context.Context, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse input url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create input request: %w", err)
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download input: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download input: unexpected status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if r.MaxBytes > 0 && resp.ContentLength > r.MaxBytes {
		return "", fmt.Errorf("download input: %w (%d > %d bytes)", ErrTooLarge, resp.ContentLength, r.MaxBytes)
	}

	dir := r.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, TempPrefix+"*"+extension(u))
	if err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}
	name := f.Name()

	var body io.Reader = resp.Body
	if r.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, r.MaxBytes+1)
	}
	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(name)
		return "", fmt.Errorf("download input: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(name)
		return "", fmt.Errorf("stage input: %w", closeErr)
	case r.MaxBytes > 0 && n > r.MaxBytes:
		_ = os.Remove(name)
		return "", fmt.Errorf("download input: %w (> %d bytes)", ErrTooLarge, r.MaxBytes)
	}
	return name, nil
}

// extension keeps the URL's file extension so the worker can sniff the
// image type; defaults to ".jpg".
func extension(u *url.URL) string {
	ext := path.Ext(u.Path)
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\`) {
		return ".jpg"
	}
	return strings.ToLower(ext)
}
