package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"proofpipe/internal/artifact"
)

// Exit codes for outcomes decided before or after a tool ran.
const (
	ExitRejected         = 2
	ExitArtifactContract = 3
)

var (
	ErrInvalidGraph = errors.New("invalid stage graph")
	ErrCycleFound   = errors.New("cycle detected")
	ErrUnknownStage = errors.New("unknown stage")
	ErrConflict     = errors.New("conflicting stages")
)

// GraphError wraps graph validation and selection failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func graphErrorf(kind error, format string, args ...any) error {
	return &GraphError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycleFound, Msg: msg}
}

// rejectCode maps a planning or finishing error to an exit code.
func rejectCode(err error) int {
	switch {
	case errors.Is(err, artifact.ErrMissingDestination),
		errors.Is(err, artifact.ErrIncompletePair),
		errors.Is(err, artifact.ErrStale):
		return ExitArtifactContract
	default:
		return ExitRejected
	}
}
