package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"proofpipe/internal/logging"
	"proofpipe/internal/proc"
	"proofpipe/internal/verusout"
)

// Executor runs resolved stages through one Runner, strictly sequentially.
type Executor struct {
	graph  *Graph
	runner *proc.Runner
	sink   proc.Sink

	// onStage is called before each stage starts.
	onStage func(s *Stage)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStageHook registers a callback invoked as each stage starts.
func WithStageHook(fn func(s *Stage)) ExecutorOption {
	return func(e *Executor) { e.onStage = fn }
}

// NewExecutor creates an executor that forwards all child output to sink.
func NewExecutor(g *Graph, runner *proc.Runner, sink proc.Sink, opts ...ExecutorOption) *Executor {
	if sink == nil {
		sink = proc.Discard
	}
	e := &Executor{graph: g, runner: runner, sink: sink}
	for _, opt := range opts {
		opt(e)
	}
	logging.Pipeline("Executor ready: %d stages declared", len(g.stages))
	return e
}

// Run resolves targets and executes them. It never returns nil.
//
// A stage whose prerequisite did not succeed is skipped without running.
// Independent stages still run after a tool failure. A spawn failure, sink
// failure or cancellation aborts the rest of the run.
func (e *Executor) Run(ctx context.Context, targets []string) *Outcome {
	out := &Outcome{RunID: uuid.NewString(), StartedAt: time.Now()}
	log := logging.WithRun(logging.CategoryPipeline, out.RunID)
	defer func() {
		out.Duration = time.Since(out.StartedAt)
		log.WithField("exit_code", out.ExitCode).Info("Run finished in %s, failed stage=%q", out.Duration, out.FailedStage)
	}()

	audit := logging.WithRun(logging.CategoryRunner, out.RunID)
	prev := e.runner.AuditCallback()
	e.runner.SetAuditCallback(func(ev proc.AuditEvent) {
		logAudit(audit, ev)
		if prev != nil {
			prev(ev)
		}
	})
	defer e.runner.SetAuditCallback(prev)

	order, err := e.graph.Resolve(targets)
	if err != nil {
		log.Error("Selection rejected: %v", err)
		out.Err = err
		out.ExitCode = ExitRejected
		return out
	}
	log.Info("Run %v resolved to %s", targets, stageNames(order))

	states := make(map[string]StageReport, len(order))
	abort := ""
	for _, s := range order {
		var r StageReport
		switch {
		case abort != "":
			r = StageReport{Name: s.Name, State: StateSkipped, ExitCode: out.ExitCode, Reason: abort}
		default:
			if up, ok := blockedBy(s, states); ok {
				r = StageReport{
					Name:     s.Name,
					State:    StateSkipped,
					ExitCode: up.ExitCode,
					Reason:   fmt.Sprintf("upstream %s %s", up.Name, up.State),
				}
			} else {
				r = e.runStage(ctx, s, log)
			}
		}

		if r.State == StateSkipped {
			log.Warn("Stage %s skipped: %s", s.Name, r.Reason)
		}
		states[s.Name] = r
		out.record(r)

		if abort == "" {
			switch r.State {
			case StateSpawnFailed:
				abort = fmt.Sprintf("aborted: %s could not be spawned", s.Name)
			case StateCanceled:
				abort = "aborted: canceled"
			case StateFailed:
				if len(r.Results) > 0 && r.Results[len(r.Results)-1].Status == proc.StatusSinkError {
					abort = fmt.Sprintf("aborted: output of %s could not be forwarded", s.Name)
				}
			}
		}
	}
	return out
}

// blockedBy returns the first prerequisite that did not succeed.
func blockedBy(s *Stage, states map[string]StageReport) (StageReport, bool) {
	for _, need := range s.Needs {
		if r, ok := states[need]; ok && r.State != StateSucceeded {
			return r, true
		}
	}
	return StageReport{}, false
}

func (e *Executor) runStage(ctx context.Context, s *Stage, log *logging.RunLogger) (r StageReport) {
	start := time.Now()
	r = StageReport{Name: s.Name}
	defer func() { r.Duration = time.Since(start) }()

	if e.onStage != nil {
		e.onStage(s)
	}
	log = log.WithField("stage", s.Name)

	plan, err := s.Plan(ctx)
	if err == nil && (plan == nil || len(plan.Commands) == 0) {
		err = fmt.Errorf("stage %s planned no commands", s.Name)
	}
	if err != nil {
		log.Error("Stage rejected before spawn: %v", err)
		r.State = StateRejected
		r.ExitCode = rejectCode(err)
		r.Reason = err.Error()
		return r
	}

	sink := e.sink
	var scan *verusout.Scanner
	if s.Diagnostics {
		scan = verusout.NewScanner()
		sink = proc.MultiSink{e.sink, scan}
	}

	ok := true
	for _, cmd := range plan.Commands {
		log.Info("Running %s", cmd)
		res := e.runner.Run(ctx, cmd, sink)
		r.Results = append(r.Results, res)
		if !res.OK() {
			ok = false
			r.State = stateOf(res)
			r.ExitCode = res.Code()
			r.Reason = res.String()
			break
		}
	}
	if ok {
		r.State = StateSucceeded
	}

	if plan.Finish != nil {
		if ferr := plan.Finish(ok); ferr != nil {
			if ok {
				log.Error("Stage output rejected: %v", ferr)
				r.State = StateFailed
				r.ExitCode = rejectCode(ferr)
				r.Reason = ferr.Error()
			} else {
				log.Warn("Cleanup after failure: %v", ferr)
			}
		}
	}

	if scan != nil {
		r.Summary = scan.Summary()
	}
	log.Info("Stage %s: %s (exit %d)", s.Name, r.State, r.ExitCode)
	return r
}

func stageNames(stages []*Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}

func logAudit(log *logging.RunLogger, ev proc.AuditEvent) {
	log = log.WithField("event", string(ev.Type)).WithField("label", ev.Command.Label)
	if ev.Result == nil {
		log.Debug("%s", ev.Command)
		return
	}
	log = log.WithField("status", ev.Result.Status.String()).WithField("exit_code", ev.Result.Code())
	switch ev.Type {
	case proc.AuditEventError, proc.AuditEventKilled:
		log.Warn("%s: %s", ev.Command.Label, ev.Result)
	default:
		log.Debug("%s: %s", ev.Command.Label, ev.Result)
	}
}
