// Package errors adapts gofulmen error envelopes to the service's HTTP
// error responses.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/vidgen/pkg/jobregistry"
)

// Error codes carried in the HTTP envelope.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPError is the wire form of an envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON envelope written for every API error.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// AppError is an error that knows its envelope code.
type AppError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// NewHTTPError builds an AppError with the given code.
func NewHTTPError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	out := *e
	out.Details = details
	return &out
}

// NewInvalidArgumentError reports a bad request.
func NewInvalidArgumentError(message string) *AppError {
	return NewHTTPError(CodeInvalidArgument, message)
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string) *AppError {
	return NewHTTPError(CodeNotFound, message)
}

// NewExternalServiceError reports an unavailable dependency.
func NewExternalServiceError(message string) *AppError {
	return NewHTTPError(CodeServiceUnavailable, message)
}

// WrapInternal wraps err as an internal error.
func WrapInternal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// StatusForCode maps an envelope code to an HTTP status.
func StatusForCode(code string) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Envelope returns the gofulmen envelope for err. Unknown errors become
// INTERNAL_ERROR; job lookups that miss become NOT_FOUND.
func Envelope(err error) *gferrors.ErrorEnvelope {
	var appErr *AppError
	switch {
	case errors.As(err, &appErr):
		msg := appErr.Message
		if appErr.Code != CodeInternal && appErr.Err != nil {
			msg = appErr.Error()
		}
		env := gferrors.NewErrorEnvelope(appErr.Code, msg)
		if len(appErr.Details) > 0 {
			if withCtx, cerr := env.WithContext(appErr.Details); cerr == nil {
				env = withCtx
			}
		}
		return env
	case errors.Is(err, jobregistry.ErrNotFound):
		return gferrors.NewErrorEnvelope(CodeNotFound, err.Error())
	default:
		return gferrors.NewErrorEnvelope(CodeInternal, "internal server error")
	}
}

// Classify returns the wire body for err.
func Classify(err error) HTTPError {
	return FromEnvelope(Envelope(err))
}

// FromEnvelope converts env to its wire form. The correlation id is the
// request id.
func FromEnvelope(env *gferrors.ErrorEnvelope) HTTPError {
	if env == nil {
		return HTTPError{Code: CodeInternal, Message: "internal server error"}
	}
	return HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Details:   env.Context,
	}
}

// WriteEnvelope writes env with status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	WriteJSON(w, status, HTTPErrorResponse{Error: FromEnvelope(env)})
}

// RespondWithError writes the envelope for err. The request id is taken
// from the X-Request-ID response or request header.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	env := Envelope(err)
	if id := requestID(w, r); id != "" {
		env = env.WithCorrelationID(id)
	}
	WriteEnvelope(w, env, StatusForCode(env.Code))
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get("X-Request-ID"); id != "" {
		return id
	}
	if r != nil {
		return r.Header.Get("X-Request-ID")
	}
	return ""
}
