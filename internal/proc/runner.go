package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"proofpipe/internal/logging"
	"proofpipe/internal/sanitize"
)

// DefaultDrainGrace bounds how long output is drained after the child exits.
// Descendants that escaped the process group may keep the pipe open.
const DefaultDrainGrace = 2 * time.Second

// Runner spawns commands one at a time per call. A Runner holds no
// per-invocation state, so one value can serve a whole pipeline.
type Runner struct {
	mu         sync.RWMutex
	drainGrace time.Duration

	// auditCallback is called for lifecycle events
	auditCallback func(AuditEvent)
}

// Option configures a Runner.
type Option func(*Runner)

// WithDrainGrace overrides DefaultDrainGrace.
func WithDrainGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.drainGrace = d
		}
	}
}

// NewRunner creates a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{drainGrace: DefaultDrainGrace}
	for _, opt := range opts {
		opt(r)
	}
	logging.RunnerDebug("Creating Runner: drainGrace=%s", r.drainGrace)
	return r
}

// SetAuditCallback sets the callback for audit events.
func (r *Runner) SetAuditCallback(callback func(AuditEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditCallback = callback
}

// AuditCallback returns the callback currently installed, or nil.
func (r *Runner) AuditCallback() func(AuditEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.auditCallback
}

func (r *Runner) emitAudit(event AuditEvent) {
	r.mu.RLock()
	callback := r.auditCallback
	r.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// Validate checks if a command can be spawned at all.
func (r *Runner) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", cmd.Timeout)
	}
	return nil
}

// sinkError marks a failure to forward output.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "forward output: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// Run spawns cmd, forwards its sanitized merged output to sink line by line,
// and blocks until the child has been reaped. It never returns nil.
func (r *Runner) Run(ctx context.Context, cmd Command, sink Sink) *Result {
	timer := logging.StartTimer(logging.CategoryRunner, "run "+cmd.Label)
	defer timer.Stop()

	result := &Result{Command: cmd, ExitCode: -1}
	if sink == nil {
		sink = Discard
	}

	if err := r.Validate(cmd); err != nil {
		logging.RunnerWarn("Command validation failed: %s - %v", cmd, err)
		return r.spawnFailed(result, err)
	}

	if err := ctx.Err(); err != nil {
		result.Status = StatusCanceled
		result.Err = err
		r.emitAudit(AuditEvent{Type: AuditEventKilled, Timestamp: time.Now(), Command: cmd, Result: result})
		return result
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	pr, pw, err := os.Pipe()
	if err != nil {
		return r.spawnFailed(result, fmt.Errorf("create output pipe: %w", err))
	}

	g, gctx := errgroup.WithContext(runCtx)

	c := exec.CommandContext(gctx, cmd.Binary, cmd.Args...)
	c.Dir = cmd.Dir
	if cmd.Env != nil {
		c.Env = cmd.Env
	}
	c.Stdout = pw
	c.Stderr = pw
	setupProcessGroup(c)
	c.Cancel = func() error { return killProcessGroup(c) }

	r.emitAudit(AuditEvent{Type: AuditEventStart, Timestamp: time.Now(), Command: cmd})
	logging.Runner("Executing [%s]: %s (dir=%s, timeout=%s)", cmd.Label, cmd, cmd.Dir, cmd.Timeout)

	result.StartedAt = time.Now()
	if err := c.Start(); err != nil {
		pw.Close()
		pr.Close()
		return r.spawnFailed(result, fmt.Errorf("spawn %s: %w", cmd.Binary, err))
	}
	// The child owns the write end now; EOF arrives once it and its
	// descendants are gone.
	pw.Close()

	pumpDone := make(chan struct{})
	var lines, sanitized int
	g.Go(func() error {
		defer close(pumpDone)
		n, stripped, err := pump(pr, sink)
		lines, sanitized = n, stripped
		if err != nil {
			return &sinkError{err: err}
		}
		return nil
	})

	var waitErr error
	g.Go(func() error {
		// Where supported the child is left unreaped here, so its pid and
		// group id cannot be reused while leftovers are killed.
		reaped, err := awaitExit(c)
		if reaped {
			waitErr = err
		}
		grace := time.NewTimer(r.drainGrace)
		defer grace.Stop()
		select {
		case <-pumpDone:
		case <-grace.C:
			logging.RunnerWarn("Output still open %s after [%s] exited; closing pipe", r.drainGrace, cmd.Label)
			if !reaped {
				killGroup(c.Process.Pid)
			}
			pr.Close()
			<-pumpDone
		}
		if !reaped {
			waitErr = c.Wait()
		}
		return nil
	})

	groupErr := g.Wait()
	pr.Close()

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Lines = lines
	result.Sanitized = sanitized

	r.classify(result, groupErr, waitErr, ctx, runCtx)

	switch result.Status {
	case StatusSuccess, StatusFailed:
		r.emitAudit(AuditEvent{Type: AuditEventComplete, Timestamp: time.Now(), Command: cmd, Result: result})
	case StatusTimedOut, StatusCanceled, StatusSignaled:
		r.emitAudit(AuditEvent{Type: AuditEventKilled, Timestamp: time.Now(), Command: cmd, Result: result})
	default:
		r.emitAudit(AuditEvent{Type: AuditEventError, Timestamp: time.Now(), Command: cmd, Result: result})
	}

	logging.Runner("Command finished [%s]: %s, lines=%d, sanitized=%d", cmd.Label, result, result.Lines, result.Sanitized)
	return result
}

func (r *Runner) classify(result *Result, groupErr, waitErr error, parent, runCtx context.Context) {
	var se *sinkError
	switch {
	case errors.As(groupErr, &se):
		result.Status = StatusSinkError
		result.Err = se
		logging.RunnerError("Sink failed for [%s]; child killed: %v", result.Command.Label, se.err)
	case waitErr == nil:
		result.Status = StatusSuccess
		result.ExitCode = 0
	case parent.Err() != nil:
		result.Status = StatusCanceled
		result.Err = parent.Err()
		logging.RunnerWarn("Command canceled: %s", result.Command.Label)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = StatusTimedOut
		result.Err = fmt.Errorf("timeout after %s", result.Command.Timeout)
		logging.RunnerWarn("Command killed (timeout): %s after %s", result.Command.Label, result.Command.Timeout)
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			result.Status = StatusFailed
			result.Err = waitErr
			return
		}
		if sig := exitSignal(exitErr); sig > 0 {
			result.Status = StatusSignaled
			result.Signal = sig
			return
		}
		result.Status = StatusFailed
		result.ExitCode = exitErr.ExitCode()
	}
}

func (r *Runner) spawnFailed(result *Result, err error) *Result {
	result.Status = StatusSpawnError
	result.Err = err
	result.FinishedAt = time.Now()
	if !result.StartedAt.IsZero() {
		result.Duration = result.FinishedAt.Sub(result.StartedAt)
	}
	logging.RunnerError("Spawn failed [%s]: %v", result.Command.Label, err)
	r.emitAudit(AuditEvent{Type: AuditEventError, Timestamp: time.Now(), Command: result.Command, Result: result})
	return result
}

// pump forwards sanitized lines from r to sink until the read side ends
// (EOF, or the pipe closed after the drain grace). It stops at the first
// sink error. It returns the lines forwarded and how many of them had
// control sequences removed.
func pump(r io.Reader, sink Sink) (int, int, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	n, stripped := 0, 0
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if sanitize.Contains(line) {
				line = sanitize.Strip(line)
				stripped++
			}
			if werr := sink.WriteLine(line); werr != nil {
				return n, stripped, werr
			}
			n++
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logging.RunnerDebug("Output read ended: %v", err)
			}
			return n, stripped, nil
		}
	}
}
