// Package worker launches external worker processes and streams their output
// back to the caller as line events.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxLineBytes bounds a single output line. Longer lines are dropped and the
// rest of the stream is discarded so the child never blocks on a full pipe.
const maxLineBytes = 1 << 20

// Command describes one worker invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// String renders the command line for logs.
func (c Command) String() string {
	s := c.Path
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Events receives the lifecycle of one process.
//
// Callbacks for a single process are never invoked concurrently. Lines from
// each stream arrive in emission order; there is no ordering between the two
// streams. OnExit fires exactly once, after both streams are drained, when the
// process terminates. OnError replaces OnExit when the process could not be
// spawned or waited on.
type Events interface {
	OnStdout(line string)
	OnStderr(line string)
	OnExit(code int)
	OnError(err error)
}

// Handle controls a spawned process.
type Handle interface {
	// Kill sends SIGTERM. It is a no-op once the process has exited.
	Kill() error
	// Pid returns the OS process id.
	Pid() int
}

// Runner starts worker processes.
//
// Start never returns an error: spawn failures are delivered through
// Events.OnError and Start returns a nil Handle.
type Runner interface {
	Start(ctx context.Context, cmd Command, events Events) Handle
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *zap.Logger
}

// NewExecRunner creates a runner. A nil logger disables logging.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{logger: logger}
}

var _ Runner = (*ExecRunner)(nil)

type process struct {
	cmd    *exec.Cmd
	exited atomic.Bool
}

func (p *process) Kill() error {
	if p.exited.Load() {
		return nil
	}
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

// serialEvents funnels callbacks from both stream readers through one lock.
type serialEvents struct {
	mu     sync.Mutex
	events Events
}

func (s *serialEvents) stdout(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.OnStdout(line)
}

func (s *serialEvents) stderr(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.OnStderr(line)
}

func (s *serialEvents) exit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.OnExit(code)
}

func (s *serialEvents) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.OnError(err)
}

// Start spawns cmd and returns immediately. Cancelling ctx sends SIGTERM to
// the process.
func (r *ExecRunner) Start(ctx context.Context, cmd Command, events Events) Handle {
	sink := &serialEvents{events: events}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		sink.fail(fmt.Errorf("stdout pipe: %w", err))
		return nil
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		sink.fail(fmt.Errorf("stderr pipe: %w", err))
		return nil
	}

	started := time.Now()
	if err := c.Start(); err != nil {
		sink.fail(err)
		return nil
	}

	p := &process{cmd: c}
	logger := r.logger.With(zap.Int("pid", c.Process.Pid), zap.String("path", cmd.Path))
	logger.Debug("Worker started")

	go func() {
		var g errgroup.Group
		g.Go(func() error { return r.scan(logger, "stdout", stdout, sink.stdout) })
		g.Go(func() error { return r.scan(logger, "stderr", stderr, sink.stderr) })
		_ = g.Wait()

		waitErr := c.Wait()
		p.exited.Store(true)

		if c.ProcessState == nil {
			sink.fail(fmt.Errorf("wait worker: %w", waitErr))
			return
		}
		code := c.ProcessState.ExitCode()
		logger.Debug("Worker exited",
			zap.Int("exit_code", code),
			zap.Duration("elapsed", time.Since(started)))
		sink.exit(code)
	}()

	return p
}

func (r *ExecRunner) scan(logger *zap.Logger, stream string, rd io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("Worker output scan failed; discarding rest of stream",
			zap.String("stream", stream), zap.Error(err))
		_, _ = io.Copy(io.Discard, rd)
	}
	return nil
}

// scanLinesOrCR is bufio.ScanLines that also ends a line at a bare '\r', so
// progress bars redrawn in place arrive as separate lines. "\r\n" is one
// break.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if !atEOF {
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
