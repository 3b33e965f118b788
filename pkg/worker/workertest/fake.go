// Package workertest provides a scripted worker.Runner for tests.
package workertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/3leaps/vidgen/pkg/worker"
)

// Line is one scripted output line.
type Line struct {
	Stderr bool
	Text   string
}

// Stdout builds a stdout line.
func Stdout(text string) Line { return Line{Text: text} }

// Stderr builds a stderr line.
func Stderr(text string) Line { return Line{Stderr: true, Text: text} }

// Script is the behavior of one fake process.
type Script struct {
	// Lines are emitted in order once the process starts.
	Lines []Line
	// ExitCode is reported after all lines.
	ExitCode int
	// SpawnErr, when set, makes Start fail through OnError.
	SpawnErr error
	// Before runs just before the exit event, e.g. to create the artifact.
	Before func(cmd worker.Command)
	// Hold blocks the process after emitting Lines until Release or Kill.
	Hold bool
}

// Runner runs scripts in call order. The last script is reused once the list
// is exhausted.
type Runner struct {
	mu       sync.Mutex
	scripts  []Script
	calls    []worker.Command
	handles  []*Handle
	inflight sync.WaitGroup
}

// NewRunner creates a runner that plays scripts in order.
func NewRunner(scripts ...Script) *Runner {
	return &Runner{scripts: scripts}
}

var _ worker.Runner = (*Runner)(nil)

// Handle is the fake process handle.
type Handle struct {
	pid     int
	killed  atomic.Bool
	exited  atomic.Bool
	release chan struct{}
	once    sync.Once
}

// Kill marks the process killed and unblocks a held script.
func (h *Handle) Kill() error {
	if h.exited.Load() {
		return nil
	}
	h.killed.Store(true)
	h.Release()
	return nil
}

// Pid returns a fake pid.
func (h *Handle) Pid() int { return h.pid }

// Killed reports whether Kill was called before exit.
func (h *Handle) Killed() bool { return h.killed.Load() }

// Release unblocks a held script so it runs to exit.
func (h *Handle) Release() {
	h.once.Do(func() { close(h.release) })
}

// Start plays the next script asynchronously.
func (r *Runner) Start(ctx context.Context, cmd worker.Command, events worker.Events) worker.Handle {
	r.mu.Lock()
	idx := len(r.calls)
	r.calls = append(r.calls, cmd)
	var s Script
	switch {
	case len(r.scripts) == 0:
		s = Script{}
	case idx < len(r.scripts):
		s = r.scripts[idx]
	default:
		s = r.scripts[len(r.scripts)-1]
	}
	r.mu.Unlock()

	if s.SpawnErr != nil {
		events.OnError(s.SpawnErr)
		return nil
	}

	h := &Handle{pid: 1000 + idx, release: make(chan struct{})}
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		for _, l := range s.Lines {
			if l.Stderr {
				events.OnStderr(l.Text)
			} else {
				events.OnStdout(l.Text)
			}
		}
		code := s.ExitCode
		if s.Hold {
			select {
			case <-h.release:
			case <-ctx.Done():
				h.killed.Store(true)
			}
		}
		if h.killed.Load() {
			code = -1
		} else if s.Before != nil {
			s.Before(cmd)
		}
		h.exited.Store(true)
		events.OnExit(code)
	}()
	return h
}

// Calls returns the commands started so far.
func (r *Runner) Calls() []worker.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]worker.Command(nil), r.calls...)
}

// Handles returns the handles created so far.
func (r *Runner) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

// Wait blocks until every started fake process has exited.
func (r *Runner) Wait() {
	r.inflight.Wait()
}

// ErrSpawn is a convenience spawn error.
var ErrSpawn = errors.New("exec: \"python\": executable file not found in $PATH")
