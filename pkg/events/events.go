// Package events broadcasts terminal job transitions to interested consumers
// (notification services). Publishing is best-effort: job state never depends
// on it.
package events

import (
	"context"
	"time"
)

// JobEvent describes a job reaching a terminal state.
type JobEvent struct {
	JobID     string    `json:"jobId"`
	UserID    string    `json:"userId,omitempty"`
	Status    string    `json:"status"`
	ResultURL string    `json:"resultUrl,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers job events.
type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close() error
}

// Nop discards events.
type Nop struct{}

var _ Publisher = Nop{}

func (Nop) Publish(context.Context, JobEvent) error { return nil }
func (Nop) Close() error                            { return nil }

// Recorder keeps published events in memory. Useful in tests and for a
// debug backend.
type Recorder struct {
	ch chan JobEvent
}

// NewRecorder buffers up to size events; further publishes block until read.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan JobEvent, size)}
}

func (r *Recorder) Publish(ctx context.Context, ev JobEvent) error {
	select {
	case r.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) Close() error { return nil }

// Events returns the channel of published events.
func (r *Recorder) Events() <-chan JobEvent { return r.ch }
