package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/vidgen/pkg/jobregistry"
)

func TestStatusForCode(t *testing.T) {
	tests := map[string]int{
		CodeNotFound:           http.StatusNotFound,
		CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
		CodeInvalidArgument:    http.StatusBadRequest,
		CodeTooManyRequests:    http.StatusTooManyRequests,
		CodeServiceUnavailable: http.StatusServiceUnavailable,
		CodeInternal:           http.StatusInternalServerError,
		"SOMETHING_ELSE":       http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusForCode(code), code)
	}
}

func TestClassify(t *testing.T) {
	t.Run("app error keeps code", func(t *testing.T) {
		got := Classify(NewInvalidArgumentError("bad body").WithDetails(map[string]any{"field": "text"}))
		assert.Equal(t, CodeInvalidArgument, got.Code)
		assert.Equal(t, "bad body", got.Message)
		assert.Equal(t, "text", got.Details["field"])
	})

	t.Run("wrapped job not found", func(t *testing.T) {
		got := Classify(fmt.Errorf("stop: %w", jobregistry.ErrNotFound))
		assert.Equal(t, CodeNotFound, got.Code)
	})

	t.Run("internal errors hide cause", func(t *testing.T) {
		got := Classify(WrapInternal("list jobs", assert.AnError))
		assert.Equal(t, CodeInternal, got.Code)
		assert.Equal(t, "list jobs", got.Message)

		got = Classify(assert.AnError)
		assert.Equal(t, CodeInternal, got.Code)
		assert.NotContains(t, got.Message, assert.AnError.Error())
	})
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, NewNotFoundError("Job not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "Job not found", body.Error.Message)
	assert.Equal(t, "req-1", body.Error.RequestID)
}

func TestEnvelope(t *testing.T) {
	env := Envelope(NewInvalidArgumentError("bad body").WithDetails(map[string]any{"field": "text"}))
	require.NotNil(t, env)
	assert.Equal(t, CodeInvalidArgument, env.Code)
	assert.Equal(t, "bad body", env.Message)
	assert.Equal(t, "text", env.Context["field"])

	wire := FromEnvelope(env.WithCorrelationID("req-9"))
	assert.Equal(t, "req-9", wire.RequestID)
	assert.Equal(t, CodeInternal, FromEnvelope(nil).Code)
}

func TestAppError_Unwrap(t *testing.T) {
	err := WrapInternal("upload", assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "upload")
}
