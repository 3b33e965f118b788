// Package provider defines the durable storage abstraction that receives
// finished video artifacts.
//
// Uploads are write-once: every call stores a new object under a unique key
// and returns a URL clients can fetch. Authentication uses each backend's
// default credential mechanism; providers should not implement custom auth.
package provider

import (
	"context"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Uploader stores artifacts durably.
//
// Implementations should:
//   - Never overwrite an existing object (use UniqueKey)
//   - Return a publicly resolvable URL for the stored object
//   - Be safe for concurrent use
type Uploader interface {
	// Upload stores data as filename under folder.
	Upload(ctx context.Context, data []byte, filename, folder string) (*UploadResult, error)

	// Close releases any resources held by the provider.
	Close() error
}

// UploadResult describes a stored object.
type UploadResult struct {
	// URL is the durable reference returned to API callers.
	URL string

	// Key is the backend object key (folder/unique-filename).
	Key string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage via the AWS SDK.
	ProviderS3 ProviderType = "s3"

	// ProviderMinio represents MinIO via minio-go.
	ProviderMinio ProviderType = "minio"

	// ProviderFile represents a local directory served by a static file server.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// UniqueKey builds "<folder>/<8 hex>-<filename>". Leading and trailing
// slashes on folder are ignored; an empty folder yields just the file part.
func UniqueKey(folder, filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "." || name == "/" || name == "" {
		name = "artifact"
	}
	unique := strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "-" + name

	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		return unique
	}
	return path.Join(folder, unique)
}

// ContentType guesses the MIME type from the file extension.
func ContentType(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	if strings.EqualFold(filepath.Ext(filename), ".mp4") {
		return "video/mp4"
	}
	return "application/octet-stream"
}

// JoinURL appends key to base with exactly one slash between them.
func JoinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
