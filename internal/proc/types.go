// Package proc runs one external tool at a time and streams its output.
//
// A Command is an immutable argument-array description of one invocation;
// nothing here ever goes through a shell. The Runner spawns the command in
// its own process group with stdout and stderr merged onto a single pipe,
// sanitizes each line as it arrives and hands it to a Sink, and classifies
// the way the child ended. Every exit path reaps the child.
package proc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved process exit codes for outcomes that have no child exit code.
const (
	ExitSinkFailure = 1
	ExitTimeout     = 124
	ExitSpawnError  = 127
	ExitSignalBase  = 128
	ExitCanceled    = 130
)

// Command describes one invocation. Treat it as a value: the Runner never
// modifies it and callers should not share its slices after handing it over.
type Command struct {
	// Label names the invocation in logs and reports (e.g. "compile").
	Label string `json:"label,omitempty"`

	// Binary is the executable to run.
	Binary string `json:"binary"`

	// Args are passed verbatim, one argv entry each.
	Args []string `json:"args,omitempty"`

	// Dir is the working directory. Empty means the current directory.
	Dir string `json:"dir,omitempty"`

	// Env is the complete child environment (KEY=VALUE). Nil inherits
	// proofpipe's environment.
	Env []string `json:"env,omitempty"`

	// Timeout bounds wall-clock time. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// String renders the command for display. It is never executed.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, displayArg(c.Binary))
	for _, a := range c.Args {
		parts = append(parts, displayArg(a))
	}
	return strings.Join(parts, " ")
}

func displayArg(a string) string {
	if a == "" || strings.ContainsAny(a, " \t\n\"'\\$`") {
		return strconv.Quote(a)
	}
	return a
}

// Status classifies how an invocation ended.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusSignaled
	StatusTimedOut
	StatusCanceled
	StatusSpawnError
	StatusSinkError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusSignaled:
		return "signaled"
	case StatusTimedOut:
		return "timed-out"
	case StatusCanceled:
		return "canceled"
	case StatusSpawnError:
		return "spawn-error"
	case StatusSinkError:
		return "sink-error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the terminal status of one invocation.
type Result struct {
	Command Command `json:"command"`
	Status  Status  `json:"status"`

	// ExitCode is the child's exit code, or -1 when it has none.
	ExitCode int `json:"exit_code"`

	// Signal is the terminating signal number for StatusSignaled.
	Signal int `json:"signal,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	// Lines counts lines forwarded to the sink.
	Lines int `json:"lines"`

	// Sanitized counts forwarded lines that had control sequences removed.
	Sanitized int `json:"sanitized"`

	// Err carries the spawn, sink or wait error, if any.
	Err error `json:"-"`
}

// OK reports a zero exit with no timeout, signal or infrastructure error.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Code maps the result to a process exit code.
func (r *Result) Code() int {
	if r == nil {
		return ExitSpawnError
	}
	switch r.Status {
	case StatusSuccess:
		return 0
	case StatusFailed:
		if r.ExitCode > 0 {
			return r.ExitCode
		}
		return 1
	case StatusSignaled:
		return ExitSignalBase + r.Signal
	case StatusTimedOut:
		return ExitTimeout
	case StatusCanceled:
		return ExitCanceled
	case StatusSpawnError:
		return ExitSpawnError
	default:
		return ExitSinkFailure
	}
}

// String summarizes the result for reports.
func (r *Result) String() string {
	switch r.Status {
	case StatusSuccess:
		return fmt.Sprintf("exit 0 in %s", r.Duration.Round(time.Millisecond))
	case StatusFailed:
		return fmt.Sprintf("exit %d in %s", r.ExitCode, r.Duration.Round(time.Millisecond))
	case StatusSignaled:
		return fmt.Sprintf("terminated by signal %d", r.Signal)
	case StatusTimedOut:
		return fmt.Sprintf("timed out after %s", r.Command.Timeout)
	case StatusCanceled:
		return "canceled"
	default:
		if r.Err != nil {
			return fmt.Sprintf("%s: %v", r.Status, r.Err)
		}
		return r.Status.String()
	}
}

// AuditEventType identifies a runner lifecycle event.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent is delivered to the runner's audit callback.
type AuditEvent struct {
	Type      AuditEventType
	Timestamp time.Time
	Command   Command
	Result    *Result // nil for start events
}
