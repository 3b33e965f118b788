package jobregistry

import (
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a video generation job.
//
// NOTE: These values are returned to API pollers and stored by the Redis
// backend; they are part of the wire contract.
type JobState string

const (
	JobStatePending JobState = "pending"
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateError   JobState = "error"
	JobStateStopped JobState = "stopped"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSuccess, JobStateError, JobStateStopped:
		return true
	}
	return false
}

// InFlight reports whether the job may still own a worker process.
func (s JobState) InFlight() bool {
	return s == JobStatePending || s == JobStateRunning
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	return s.InFlight() || s.Terminal()
}

var (
	// ErrNotFound indicates no record exists for the job id.
	ErrNotFound = errors.New("job not found")

	// ErrExists indicates a record with the job id already exists.
	ErrExists = errors.New("job already exists")

	// ErrInvalidRecord indicates a write would break a record invariant.
	ErrInvalidRecord = errors.New("invalid job record")
)

// Job is the record polled by API callers.
//
// The worker process handle is never part of the record; it is owned by the
// orchestrator that spawned it.
type Job struct {
	JobID     string   `json:"jobId"`
	State     JobState `json:"status"`
	Progress  string   `json:"progress,omitempty"`
	ResultURL string   `json:"resultUrl,omitempty"`
	Error     string   `json:"error,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	ExitCode  *int     `json:"exitCode,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Validate checks the record invariants: resultUrl is set iff the job
// succeeded and error is set iff the job failed.
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}
	if j.JobID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidRecord)
	}
	if !j.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRecord, j.State)
	}
	if (j.ResultURL != "") != (j.State == JobStateSuccess) {
		return fmt.Errorf("%w: resultUrl must be set only on success (state=%s)", ErrInvalidRecord, j.State)
	}
	if (j.Error != "") != (j.State == JobStateError) {
		return fmt.Errorf("%w: error must be set only on error (state=%s)", ErrInvalidRecord, j.State)
	}
	return nil
}
