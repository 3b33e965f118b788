// Package videogen runs avatar video generation jobs: it resolves the input
// image, launches the worker process, tracks its progress, and hands the
// finished video to durable storage and the user's profile.
//
// Submit returns as soon as the job record exists. Everything else happens in
// a goroutine owned by the job; callers observe it only through Status.
package videogen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/vidgen/pkg/events"
	"github.com/3leaps/vidgen/pkg/fetch"
	"github.com/3leaps/vidgen/pkg/jobregistry"
	"github.com/3leaps/vidgen/pkg/profile"
	"github.com/3leaps/vidgen/pkg/provider"
	"github.com/3leaps/vidgen/pkg/worker"
)

// Fixed user-visible messages.
const (
	MsgStoppedByUser = "Stopped by user"
	MsgUploadFailed  = "Failed to upload video to storage"
	MsgShutdown      = "Job interrupted by service shutdown"
)

// Defaults applied by New when the corresponding Config field is empty.
const (
	DefaultPython         = "python"
	DefaultScript         = "generate_video.py"
	DefaultOutputDir      = "uploads/videos"
	DefaultArtifactSuffix = ".mp4"
	DefaultFolder         = "user-videos"
)

var (
	// ErrNotFound is returned by Status for unknown ids and by Cancel when
	// the job has no live worker process.
	ErrNotFound = jobregistry.ErrNotFound

	// ErrShuttingDown is returned by Submit after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Config holds the worker contract and job policy.
type Config struct {
	// Python is the interpreter or worker executable.
	Python string
	// Script is the first argument passed to Python.
	Script string
	// Dir is the worker's working directory.
	Dir string
	// Env is appended to the service environment for the worker.
	Env []string

	// OutputDir receives worker artifacts.
	OutputDir string
	// ArtifactSuffix is the artifact file extension (".mp4").
	ArtifactSuffix string
	// ArtifactGlob optionally restricts recovered artifact paths
	// (doublestar syntax, slash separated).
	ArtifactGlob string

	// Folder is the storage destination folder.
	Folder string

	// Timeout kills a worker that runs longer. Zero disables it.
	Timeout time.Duration
	// MaxConcurrent caps running workers. Zero means unlimited.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Python) == "" {
		c.Python = DefaultPython
	}
	if strings.TrimSpace(c.Script) == "" {
		c.Script = DefaultScript
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = DefaultOutputDir
	}
	if strings.TrimSpace(c.ArtifactSuffix) == "" {
		c.ArtifactSuffix = DefaultArtifactSuffix
	}
	if !strings.HasPrefix(c.ArtifactSuffix, ".") {
		c.ArtifactSuffix = "." + c.ArtifactSuffix
	}
	if c.Folder == "" {
		c.Folder = DefaultFolder
	}
	return c
}

// Request is one generation request.
type Request struct {
	// InputRef is the avatar image: an http(s) URL or a path under the
	// uploads directory.
	InputRef    string
	Text        string
	Gender      string
	Nationality string
	// UserID owns the job; its profile receives the video URL. May be empty.
	UserID string
}

// InputResolver stages the input artifact locally.
type InputResolver interface {
	Resolve(ctx context.Context, ref string) (fetch.Input, error)
}

// Metrics receives job lifecycle counts. Implementations must be safe for
// concurrent use.
type Metrics interface {
	JobSubmitted()
	JobFinished(status string)
	UploadFailed(class string)
}

type nopMetrics struct{}

func (nopMetrics) JobSubmitted()       {}
func (nopMetrics) JobFinished(string)  {}
func (nopMetrics) UploadFailed(string) {}

// Deps are the collaborators of an Orchestrator. Store, Runner, Resolver and
// Uploader are required.
type Deps struct {
	Store    jobregistry.Store
	Runner   worker.Runner
	Resolver InputResolver
	Uploader provider.Uploader

	// Profile defaults to profile.Nop.
	Profile profile.Updater
	// Events defaults to events.Nop.
	Events events.Publisher
	// Metrics defaults to a no-op.
	Metrics Metrics
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger

	// Now and NewID override the clock and id source (tests).
	Now   func() time.Time
	NewID func() string
}

type phase int

const (
	phaseResolving phase = iota
	phaseQueued
	phaseStarting
	phaseRunning
	phaseFinishing
)

// run is the orchestrator-side state of one in-flight job. The worker handle
// lives here, never in the record store.
type run struct {
	jobID  string
	userID string

	phase     phase
	handle    worker.Handle
	cancelled bool
	timedOut  bool
	dequeue   chan struct{}
}

// Orchestrator owns job lifecycles.
type Orchestrator struct {
	cfg      Config
	store    jobregistry.Store
	runner   worker.Runner
	resolver InputResolver
	uploader provider.Uploader
	profile  profile.Updater
	events   events.Publisher
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	// slots is nil when MaxConcurrent is zero.
	slots chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	live    map[string]*run
	closing bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("videogen: store is required")
	case deps.Runner == nil:
		return nil, errors.New("videogen: runner is required")
	case deps.Resolver == nil:
		return nil, errors.New("videogen: input resolver is required")
	case deps.Uploader == nil:
		return nil, errors.New("videogen: uploader is required")
	}
	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("videogen: max concurrent must be >= 0, got %d", cfg.MaxConcurrent)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("videogen: timeout must be >= 0, got %s", cfg.Timeout)
	}
	cfg = cfg.withDefaults()
	if err := validateGlob(cfg.ArtifactGlob); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		runner:   deps.Runner,
		resolver: deps.Resolver,
		uploader: deps.Uploader,
		profile:  deps.Profile,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
		newID:    deps.NewID,
		live:     map[string]*run{},
	}
	if o.profile == nil {
		o.profile = profile.Nop{Logger: deps.Logger}
	}
	if o.events == nil {
		o.events = events.Nop{}
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if cfg.MaxConcurrent > 0 {
		o.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	o.baseCtx, o.cancelBase = context.WithCancel(context.Background())
	return o, nil
}

// Submit creates a pending job and starts its lifecycle in the background.
// It returns once the record exists and never waits on the worker.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		return "", ErrShuttingDown
	}

	jobID := o.newID()
	job := &jobregistry.Job{
		JobID:     jobID,
		State:     jobregistry.JobStatePending,
		UserID:    strings.TrimSpace(req.UserID),
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	o.metrics.JobSubmitted()

	r := &run{jobID: jobID, userID: job.UserID, phase: phaseResolving, dequeue: make(chan struct{})}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		o.finish(r, o.logger, func(j *jobregistry.Job) {
			j.State = jobregistry.JobStateError
			j.Error = MsgShutdown
		})
		return jobID, nil
	}
	o.live[jobID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("Job submitted", zap.String("job_id", jobID), zap.String("user_id", job.UserID))

	go func() {
		defer o.wg.Done()
		defer o.forget(jobID)
		o.execute(r, req)
	}()
	return jobID, nil
}

// Status returns a snapshot of the job record.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*jobregistry.Job, error) {
	return o.store.Get(ctx, jobID)
}

// List returns all job records, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]jobregistry.Job, error) {
	return o.store.List(ctx)
}

// Cancel stops a job that owns a live worker process (or is waiting for a
// worker slot). The job becomes stopped and later worker events are ignored.
// Returns ErrNotFound when there is nothing to stop; terminal records are
// never touched.
func (o *Orchestrator) Cancel(_ context.Context, jobID string) error {
	o.mu.Lock()
	r, ok := o.live[jobID]
	if !ok || r.cancelled || r.phase == phaseResolving || r.phase == phaseFinishing {
		o.mu.Unlock()
		return fmt.Errorf("%w: no live process for job %s", ErrNotFound, jobID)
	}
	r.cancelled = true
	h := r.handle
	p := r.phase
	o.mu.Unlock()

	logger := o.logger.With(zap.String("job_id", jobID), zap.String("user_id", r.userID))

	switch {
	case h != nil:
		if err := h.Kill(); err != nil {
			logger.Warn("Failed to signal worker", zap.Int("pid", h.Pid()), zap.Error(err))
		}
	case p == phaseQueued:
		close(r.dequeue)
	}

	o.finish(r, logger, func(j *jobregistry.Job) {
		j.State = jobregistry.JobStateStopped
		j.Progress = MsgStoppedByUser
	})
	logger.Info("Job stopped by user")
	return nil
}

// InFlight returns the number of jobs whose lifecycle has not finished.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

// Shutdown refuses new submissions, terminates every live worker and waits
// for job goroutines to finish or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	handles := make([]worker.Handle, 0, len(o.live))
	for _, r := range o.live {
		if r.handle != nil {
			handles = append(handles, r.handle)
		}
	}
	o.mu.Unlock()

	o.cancelBase()
	for _, h := range handles {
		_ = h.Kill()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %d job(s) still running: %w", o.InFlight(), ctx.Err())
	}
}

func (o *Orchestrator) forget(jobID string) {
	o.mu.Lock()
	delete(o.live, jobID)
	o.mu.Unlock()
}

// storeCtx is used for record writes; they must land even while shutting down.
func (o *Orchestrator) storeCtx() context.Context {
	return context.WithoutCancel(o.baseCtx)
}

// finish applies a terminal transition unless the record is already terminal,
// then publishes the event. Returns false when the record was already terminal.
func (o *Orchestrator) finish(r *run, logger *zap.Logger, apply func(*jobregistry.Job)) bool {
	errTerminal := errors.New("already terminal")
	job, err := o.store.Update(o.storeCtx(), r.jobID, func(j *jobregistry.Job) error {
		if j.State.Terminal() {
			return errTerminal
		}
		apply(j)
		ended := o.now().UTC()
		j.EndedAt = &ended
		return nil
	})
	if errors.Is(err, errTerminal) {
		return false
	}
	if err != nil {
		logger.Error("Failed to record terminal job state", zap.Error(err))
		return false
	}
	o.metrics.JobFinished(string(job.State))

	ev := events.JobEvent{
		JobID:     job.JobID,
		UserID:    job.UserID,
		Status:    string(job.State),
		ResultURL: job.ResultURL,
		Error:     job.Error,
		At:        *job.EndedAt,
	}
	pubCtx, cancel := context.WithTimeout(o.storeCtx(), 5*time.Second)
	defer cancel()
	if err := o.events.Publish(pubCtx, ev); err != nil {
		logger.Warn("Failed to publish job event", zap.String("status", ev.Status), zap.Error(err))
	}
	return true
}

// fail records an error state with detail.
func (o *Orchestrator) fail(r *run, logger *zap.Logger, detail string) {
	if o.finish(r, logger, func(j *jobregistry.Job) {
		j.State = jobregistry.JobStateError
		j.Error = detail
	}) {
		logger.Warn("Job failed", zap.String("error", detail))
	}
}
