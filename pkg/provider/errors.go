package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidInput indicates the upload request itself is unusable
	// (empty payload, missing filename).
	ErrInvalidInput = errors.New("invalid upload input")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable indicates the provider service is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited by the provider.
	ErrThrottled = errors.New("request throttled")
)

// Failure classes returned by Classify.
const (
	ClassNotFound           = "not_found"
	ClassInvalidInput       = "invalid_input"
	ClassAccessDenied       = "access_denied"
	ClassBucketNotFound     = "bucket_not_found"
	ClassInvalidCredentials = "invalid_credentials"
	ClassThrottled          = "throttled"
	ClassUnavailable        = "unavailable"
	ClassUnknown            = "unknown"
)

// ProviderError wraps provider-specific errors with context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "Upload", "Ping").
	Op string

	// Provider is the provider type (e.g., "s3", "minio").
	Provider ProviderType

	// Bucket is the bucket name or base directory, if applicable.
	Bucket string

	// Key is the object key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput returns true if the upload request was rejected before
// reaching the backend.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsRetryable reports whether the failure is likely transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsBucketNotFound returns true if the error indicates the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsProviderUnavailable returns true if the error indicates the provider service is unavailable.
func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// Classify names the failure class of err for logs and metric labels.
// It returns "" for a nil error.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case IsInvalidInput(err):
		return ClassInvalidInput
	case IsBucketNotFound(err):
		return ClassBucketNotFound
	case IsNotFound(err):
		return ClassNotFound
	case IsInvalidCredentials(err):
		return ClassInvalidCredentials
	case IsAccessDenied(err):
		return ClassAccessDenied
	case IsThrottled(err):
		return ClassThrottled
	case IsProviderUnavailable(err):
		return ClassUnavailable
	default:
		return ClassUnknown
	}
}

// ReadinessError rewrites a Ping failure into an operator-facing message.
// Misconfiguration (missing bucket, rejected credentials, denied access) is
// reported distinctly from an unreachable backend.
func ReadinessError(err error) error {
	switch {
	case err == nil:
		return nil
	case IsBucketNotFound(err):
		return fmt.Errorf("storage bucket does not exist: %w", err)
	case IsInvalidCredentials(err):
		return fmt.Errorf("storage credentials rejected: %w", err)
	case IsAccessDenied(err):
		return fmt.Errorf("storage access denied: %w", err)
	case IsRetryable(err):
		return fmt.Errorf("storage temporarily unavailable: %w", err)
	default:
		return err
	}
}
