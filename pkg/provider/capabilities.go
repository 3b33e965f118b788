package provider

import "context"

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions). The core
// Uploader interface remains intentionally small.

// Pinger can verify that the backend is reachable and the destination exists.
//
// Used by the readiness health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectDeleter can delete stored objects.
//
// Used to drop an upload whose URL could not be recorded on its job.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}
