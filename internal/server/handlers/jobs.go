package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/vidgen/internal/errors"
	"github.com/3leaps/vidgen/pkg/jobregistry"
	"github.com/3leaps/vidgen/pkg/videogen"
)

// Messages returned to API clients.
const (
	MsgJobStopped    = "Job stopped"
	MsgJobNotFound   = "Job not found"
	MsgNothingToStop = "Job or process not found"
	MsgShuttingDown  = "Service is shutting down"
)

// HeaderUserID identifies the caller when the body has no userId.
const HeaderUserID = "X-User-ID"

const maxSubmitBodyBytes = 1 << 20

// JobService is the job control surface the handlers need.
type JobService interface {
	Submit(ctx context.Context, req videogen.Request) (string, error)
	Status(ctx context.Context, jobID string) (*jobregistry.Job, error)
	Cancel(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]jobregistry.Job, error)
}

var _ JobService = (*videogen.Orchestrator)(nil)

// SubmitRequest is the generation request body. Both the current field names
// and the ones used by the original web client are accepted.
type SubmitRequest struct {
	InputRef    string `json:"inputRef"`
	AvatarURL   string `json:"avatarUrl"`
	Text        string `json:"text"`
	Pitch       string `json:"pitch"`
	Gender      string `json:"gender"`
	Nationality string `json:"nationality"`
	UserID      string `json:"userId"`
}

func (s SubmitRequest) toRequest(headerUser string) videogen.Request {
	return videogen.Request{
		InputRef:    firstNonEmpty(s.InputRef, s.AvatarURL),
		Text:        firstNonEmpty(s.Text, s.Pitch),
		Gender:      s.Gender,
		Nationality: s.Nationality,
		UserID:      firstNonEmpty(s.UserID, headerUser),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// SubmitResponse carries the new job id.
type SubmitResponse struct {
	JobID string `json:"jobId"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// JobView is the polled job representation. VideoURL mirrors ResultURL for
// clients of the original API.
type JobView struct {
	JobID     string     `json:"jobId"`
	Status    string     `json:"status"`
	Progress  string     `json:"progress,omitempty"`
	ResultURL string     `json:"resultUrl,omitempty"`
	VideoURL  string     `json:"videoUrl,omitempty"`
	Error     string     `json:"error,omitempty"`
	UserID    string     `json:"userId,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// NewJobView renders a record.
func NewJobView(j *jobregistry.Job) JobView {
	return JobView{
		JobID:     j.JobID,
		Status:    string(j.State),
		Progress:  j.Progress,
		ResultURL: j.ResultURL,
		VideoURL:  j.ResultURL,
		Error:     j.Error,
		UserID:    j.UserID,
		ExitCode:  j.ExitCode,
		CreatedAt: j.CreatedAt,
		StartedAt: j.StartedAt,
		EndedAt:   j.EndedAt,
	}
}

// JobsHandler serves the job control API.
type JobsHandler struct {
	svc    JobService
	logger *zap.Logger
}

// NewJobsHandler creates a handler. A nil logger disables logging.
func NewJobsHandler(svc JobService, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{svc: svc, logger: logger}
}

// Routes mounts the canonical routes on r. submitMW wraps only the submit
// endpoint (rate limiting).
func (h *JobsHandler) Routes(r chi.Router, submitMW ...func(http.Handler) http.Handler) {
	r.With(submitMW...).Post("/jobs", h.Submit)
	r.Get("/jobs", h.List)
	r.Get("/jobs/{jobId}", h.Status)
	r.Post("/jobs/{jobId}/stop", h.Stop)
}

// LegacyRoutes mounts the paths used by the original web client.
func (h *JobsHandler) LegacyRoutes(r chi.Router, submitMW ...func(http.Handler) http.Handler) {
	r.Route("/api/users/avatar/generate-video", func(r chi.Router) {
		r.With(submitMW...).Post("/", h.Submit)
		r.Get("/status/{jobId}", h.Status)
		r.Post("/stop/{jobId}", h.Stop)
	})
}

// Submit handles POST /jobs.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, r, apperrors.NewInvalidArgumentError("request body must be a JSON object"))
		return
	}

	req := body.toRequest(r.Header.Get(HeaderUserID))
	id, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, videogen.ErrShuttingDown) {
			respondWithError(w, r, apperrors.NewExternalServiceError(MsgShuttingDown))
			return
		}
		h.logger.Error("Failed to submit job", zap.Error(err))
		respondWithError(w, r, apperrors.WrapInternal("failed to create job", err))
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, SubmitResponse{JobID: id})
}

// Status handles GET /jobs/{jobId}.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	job, err := h.svc.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobregistry.ErrNotFound) {
			respondWithError(w, r, apperrors.NewNotFoundError(MsgJobNotFound))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal("failed to read job", err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, NewJobView(job))
}

// Stop handles POST /jobs/{jobId}/stop.
func (h *JobsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, jobregistry.ErrNotFound) {
			respondWithError(w, r, apperrors.NewNotFoundError(MsgNothingToStop))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal("failed to stop job", err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, MessageResponse{Message: MsgJobStopped})
}

// List handles GET /jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.List(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal("failed to list jobs", err))
		return
	}
	views := make([]JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, NewJobView(&jobs[i]))
	}
	apperrors.WriteJSON(w, http.StatusOK, views)
}
