package pipeline

import (
	"time"

	"proofpipe/internal/proc"
)

// State is a stage's terminal state within one run.
type State string

const (
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateTimedOut    State = "timed-out"
	StateSignaled    State = "signaled"
	StateCanceled    State = "canceled"
	StateSpawnFailed State = "spawn-failed"
	StateRejected    State = "rejected"
	StateSkipped     State = "skipped"
)

// Ran reports whether the stage spawned at least one process.
func (s State) Ran() bool {
	switch s {
	case StateSkipped, StateRejected:
		return false
	default:
		return true
	}
}

// StageReport is the aggregated record of one stage.
type StageReport struct {
	Name  string `json:"name"`
	State State  `json:"state"`

	// ExitCode is what this stage contributes to the outcome. Skipped
	// stages carry the code of the stage that caused the skip.
	ExitCode int `json:"exit_code"`

	// Reason explains non-success states.
	Reason string `json:"reason,omitempty"`

	// Summary holds recognized verifier diagnostics, if any.
	Summary string `json:"summary,omitempty"`

	// Results holds one entry per spawned command.
	Results []*proc.Result `json:"results,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Outcome is the final result of one pipeline run.
type Outcome struct {
	RunID  string        `json:"run_id"`
	Stages []StageReport `json:"stages"`

	// ExitCode is the first non-success stage's code, or 0.
	ExitCode int `json:"exit_code"`

	// FailedStage names the stage that set ExitCode.
	FailedStage string `json:"failed_stage,omitempty"`

	// Err is set when the selection itself was rejected.
	Err error `json:"-"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// OK reports a zero exit.
func (o *Outcome) OK() bool {
	return o != nil && o.ExitCode == 0
}

// Report returns the named stage's report.
func (o *Outcome) Report(name string) (StageReport, bool) {
	for _, r := range o.Stages {
		if r.Name == name {
			return r, true
		}
	}
	return StageReport{}, false
}

func (o *Outcome) record(r StageReport) {
	o.Stages = append(o.Stages, r)
	if r.State != StateSucceeded && o.ExitCode == 0 {
		o.ExitCode = r.ExitCode
		o.FailedStage = r.Name
	}
}

func stateOf(r *proc.Result) State {
	switch r.Status {
	case proc.StatusSuccess:
		return StateSucceeded
	case proc.StatusTimedOut:
		return StateTimedOut
	case proc.StatusSignaled:
		return StateSignaled
	case proc.StatusCanceled:
		return StateCanceled
	case proc.StatusSpawnError:
		return StateSpawnFailed
	default:
		return StateFailed
	}
}
