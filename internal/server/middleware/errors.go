package middleware

import (
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/vidgen/internal/errors"
	"github.com/3leaps/vidgen/internal/observability"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			reqID := RequestIDFromContext(r.Context())
			observability.ServerLogger.Error("Recovered from handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", reqID),
				zap.Any("panic", rec))

			env := requestEnvelope(r, apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
var ErrorHandler = Recovery

// requestEnvelope builds an envelope correlated with the request id.
func requestEnvelope(r *http.Request, code, msg string) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(code, msg)
	if id := RequestIDFromContext(r.Context()); id != "" {
		env = env.WithCorrelationID(id)
	}
	return env
}

func writeErrorResponse(w http.ResponseWriter, env *errors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, env, status)
}
