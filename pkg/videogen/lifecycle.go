package videogen

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/vidgen/pkg/fetch"
	"github.com/3leaps/vidgen/pkg/jobregistry"
	"github.com/3leaps/vidgen/pkg/profile"
	"github.com/3leaps/vidgen/pkg/progress"
	"github.com/3leaps/vidgen/pkg/provider"
	"github.com/3leaps/vidgen/pkg/worker"
)

// maxCapturedBytes bounds the stdout and stderr kept per job for artifact
// recovery and error detail. Oldest lines are dropped first.
const maxCapturedBytes = 256 << 10

type eventKind int

const (
	evStdout eventKind = iota
	evStderr
	evExit
	evError
)

type workerEvent struct {
	kind eventKind
	line string
	code int
	err  error
}

// eventSink adapts worker.Events to the per-job event channel. The job
// goroutine is the only consumer.
type eventSink chan workerEvent

func (s eventSink) OnStdout(line string) { s <- workerEvent{kind: evStdout, line: line} }
func (s eventSink) OnStderr(line string) { s <- workerEvent{kind: evStderr, line: line} }
func (s eventSink) OnExit(code int)      { s <- workerEvent{kind: evExit, code: code} }
func (s eventSink) OnError(err error)    { s <- workerEvent{kind: evError, err: err} }

var _ worker.Events = eventSink(nil)

// execute drives one job from pending to a terminal state.
func (o *Orchestrator) execute(r *run, req Request) {
	logger := o.logger.With(zap.String("job_id", r.jobID), zap.String("user_id", r.userID))
	ctx := o.baseCtx

	input, err := o.resolver.Resolve(ctx, req.InputRef)
	if err != nil {
		if ctx.Err() != nil {
			o.fail(r, logger, MsgShutdown)
			return
		}
		o.fail(r, logger, inputErrorDetail(err))
		return
	}

	outDir, err := filepath.Abs(o.cfg.OutputDir)
	if err == nil {
		err = os.MkdirAll(outDir, 0o755)
	}
	if err != nil {
		o.fail(r, logger, fmt.Sprintf("create output directory: %v", err))
		return
	}
	outputPath := filepath.Join(outDir, o.outputName(r.jobID))

	if !o.acquireSlot(r, logger) {
		return
	}
	defer o.releaseSlot()

	cmd := worker.Command{
		Path: o.cfg.Python,
		Args: []string{
			o.cfg.Script,
			"--image", input.Path,
			"--text", req.Text,
			"--gender", req.Gender,
			"--nationality", req.Nationality,
			"--output", outputPath,
		},
		Dir: o.cfg.Dir,
		Env: append(os.Environ(), o.cfg.Env...),
	}

	sink := make(eventSink, 256)
	h := o.runner.Start(ctx, cmd, sink)

	o.mu.Lock()
	r.handle = h
	cancelled := r.cancelled
	if h != nil && !cancelled {
		r.phase = phaseRunning
	}
	o.mu.Unlock()

	if h != nil {
		logger.Info("Worker started", zap.Int("pid", h.Pid()), zap.String("output", outputPath))
		if cancelled {
			// Cancelled between dequeue and spawn; the record is already stopped.
			_ = h.Kill()
		} else {
			o.markRunning(r, logger)
		}
	}

	var timeout <-chan time.Time
	if o.cfg.Timeout > 0 && h != nil {
		t := time.NewTimer(o.cfg.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	stdout := newLineBuffer(maxCapturedBytes)
	stderr := newLineBuffer(maxCapturedBytes)

	for {
		select {
		case <-timeout:
			timeout = nil
			o.mu.Lock()
			expire := !r.cancelled && r.phase == phaseRunning
			if expire {
				r.timedOut = true
			}
			o.mu.Unlock()
			if expire {
				logger.Warn("Worker timed out; terminating", zap.Duration("timeout", o.cfg.Timeout))
				_ = h.Kill()
			}

		case ev := <-sink:
			switch ev.kind {
			case evStdout:
				stdout.add(ev.line)
				o.observeLine(r, logger, ev.line)
			case evStderr:
				stderr.add(ev.line)
				o.observeLine(r, logger, ev.line)
			case evError:
				if !o.settle(r) {
					return
				}
				if ctx.Err() != nil {
					o.fail(r, logger, MsgShutdown)
					return
				}
				logger.Error("Worker failed to start", zap.String("command", cmd.String()), zap.Error(ev.err))
				o.fail(r, logger, ev.err.Error())
				return
			case evExit:
				o.handleExit(r, logger, ev.code, outputPath, input, stdout, stderr)
				return
			}
		}
	}
}

// inputErrorDetail keeps the fixed user-facing messages for missing inputs
// and names the cause otherwise.
func inputErrorDetail(err error) string {
	switch {
	case errors.Is(err, fetch.ErrNoInput):
		return fetch.MsgNoInput
	case errors.Is(err, fetch.ErrNotFound):
		return fetch.MsgInputNotFound
	}
	return fmt.Sprintf("resolve avatar image: %v", err)
}

func (o *Orchestrator) outputName(jobID string) string {
	short := strings.ReplaceAll(jobID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("video-%d-%s%s", o.now().UnixMilli(), short, o.cfg.ArtifactSuffix)
}

// acquireSlot waits for a worker slot. It returns false when the job was
// cancelled while waiting or the orchestrator is shutting down.
func (o *Orchestrator) acquireSlot(r *run, logger *zap.Logger) bool {
	o.mu.Lock()
	if r.cancelled {
		o.mu.Unlock()
		return false
	}
	r.phase = phaseQueued
	o.mu.Unlock()

	if o.slots != nil {
		select {
		case o.slots <- struct{}{}:
		default:
			logger.Info("Waiting for a worker slot", zap.Int("max_concurrent", o.cfg.MaxConcurrent))
			select {
			case o.slots <- struct{}{}:
			case <-r.dequeue:
				return false
			case <-o.baseCtx.Done():
				o.fail(r, logger, MsgShutdown)
				return false
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if r.cancelled {
		o.releaseSlot()
		return false
	}
	r.phase = phaseStarting
	return true
}

// releaseSlot never blocks; the caller holds a slot.
func (o *Orchestrator) releaseSlot() {
	if o.slots != nil {
		<-o.slots
	}
}

func (o *Orchestrator) markRunning(r *run, logger *zap.Logger) {
	_, err := o.store.Update(o.storeCtx(), r.jobID, func(j *jobregistry.Job) error {
		if j.State != jobregistry.JobStatePending {
			return errSkip
		}
		started := o.now().UTC()
		j.State = jobregistry.JobStateRunning
		j.StartedAt = &started
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		logger.Warn("Failed to mark job running", zap.Error(err))
	}
}

func (o *Orchestrator) observeLine(r *run, logger *zap.Logger, line string) {
	p, ok := progress.Extract(line)
	if !ok {
		return
	}
	o.mu.Lock()
	skip := r.cancelled
	o.mu.Unlock()
	if skip {
		return
	}
	_, err := o.store.Update(o.storeCtx(), r.jobID, func(j *jobregistry.Job) error {
		if j.State.Terminal() {
			return errSkip
		}
		j.Progress = p
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		logger.Debug("Failed to record progress", zap.Error(err))
	}
}

// settle moves the run out of the cancellable phases. It returns false when a
// cancel already claimed the job.
func (o *Orchestrator) settle(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r.handle = nil
	if r.cancelled {
		return false
	}
	r.phase = phaseFinishing
	return true
}

func (o *Orchestrator) handleExit(r *run, logger *zap.Logger, code int, outputPath string, input fetch.Input, stdout, stderr *lineBuffer) {
	if !o.settle(r) {
		logger.Debug("Worker exited after cancel", zap.Int("exit_code", code))
		return
	}

	o.recordExitCode(r, code)

	o.mu.Lock()
	timedOut := r.timedOut
	o.mu.Unlock()
	if timedOut {
		o.fail(r, logger, fmt.Sprintf("worker timed out after %s", o.cfg.Timeout))
		return
	}
	if o.baseCtx.Err() != nil {
		o.fail(r, logger, MsgShutdown)
		return
	}

	artifact := ""
	if isFile(outputPath) {
		artifact = outputPath
	} else if recovered, ok := o.recoverArtifact(stdout.lines()); ok {
		logger.Info("Using artifact path reported by worker", zap.String("artifact", recovered))
		artifact = recovered
	}

	if artifact == "" {
		detail := stderr.text()
		if strings.TrimSpace(detail) == "" {
			detail = fmt.Sprintf("worker exited with code %d and produced no video", code)
		}
		o.fail(r, logger, detail)
		return
	}

	if code != 0 {
		logger.Warn("Worker exited non-zero but produced a video", zap.Int("exit_code", code))
	}

	data, err := os.ReadFile(artifact)
	if err != nil {
		o.fail(r, logger, fmt.Sprintf("read video: %v", err))
		return
	}

	res, err := o.uploader.Upload(o.storeCtx(), data, filepath.Base(artifact), o.cfg.Folder)
	if err != nil {
		class := provider.Classify(err)
		o.metrics.UploadFailed(class)
		logger.Error("Upload failed; leaving local files in place",
			zap.String("artifact", artifact),
			zap.String("class", class),
			zap.Bool("retryable", provider.IsRetryable(err)),
			zap.Error(err))
		o.fail(r, logger, MsgUploadFailed)
		return
	}

	if !o.finish(r, logger, func(j *jobregistry.Job) {
		j.State = jobregistry.JobStateSuccess
		j.ResultURL = res.URL
	}) {
		o.discardUpload(logger, res)
		return
	}
	logger.Info("Job succeeded", zap.String("url", res.URL), zap.String("key", res.Key))

	if r.userID != "" {
		if err := o.profile.UpdateUserField(o.storeCtx(), r.userID, profile.FieldVideoURL, res.URL); err != nil {
			logger.Warn("Failed to record video on user profile", zap.Error(err))
		}
	}

	if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to remove local video", zap.String("path", artifact), zap.Error(err))
	}
	if input.Temp {
		if err := os.Remove(input.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove staged avatar", zap.String("path", input.Path), zap.Error(err))
		}
	}
}

// discardUpload removes an object whose URL never reached the job record.
func (o *Orchestrator) discardUpload(logger *zap.Logger, res *provider.UploadResult) {
	d, ok := o.uploader.(provider.ObjectDeleter)
	if !ok || res.Key == "" {
		return
	}
	if err := d.DeleteObject(o.storeCtx(), res.Key); err != nil {
		logger.Warn("Failed to remove unrecorded upload", zap.String("key", res.Key), zap.Error(err))
	}
}

func (o *Orchestrator) recordExitCode(r *run, code int) {
	_, _ = o.store.Update(o.storeCtx(), r.jobID, func(j *jobregistry.Job) error {
		if j.State.Terminal() {
			return errSkip
		}
		c := code
		j.ExitCode = &c
		return nil
	})
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// errSkip aborts a store update without it being a failure.
var errSkip = errors.New("skip update")
