package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// ReportOptions controls Report rendering.
type ReportOptions struct {
	// Color enables ANSI styling. Callers decide from the terminal.
	Color bool
}

type reportStyles struct {
	header lipgloss.Style
	name   lipgloss.Style
	dim    lipgloss.Style
	states map[State]lipgloss.Style
}

func newReportStyles(w io.Writer, color bool) reportStyles {
	r := lipgloss.NewRenderer(w)
	if color {
		r.SetColorProfile(termenv.ANSI256)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	ok := r.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	bad := r.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	warn := r.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)
	dim := r.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	return reportStyles{
		header: r.NewStyle().Bold(true),
		name:   r.NewStyle().Width(20),
		dim:    dim,
		states: map[State]lipgloss.Style{
			StateSucceeded:   ok,
			StateFailed:      bad,
			StateTimedOut:    bad,
			StateSignaled:    bad,
			StateSpawnFailed: bad,
			StateRejected:    bad,
			StateCanceled:    warn,
			StateSkipped:     warn,
		},
	}
}

// Report writes a human summary of an outcome.
func Report(w io.Writer, o *Outcome, opts ReportOptions) error {
	st := newReportStyles(w, opts.Color)
	var b strings.Builder

	b.WriteString(st.header.Render("proofpipe summary"))
	b.WriteString(st.dim.Render(fmt.Sprintf("  run %s", shortID(o.RunID))))
	b.WriteString("\n")

	if o.Err != nil {
		b.WriteString(st.states[StateRejected].Render("rejected"))
		fmt.Fprintf(&b, "  %v\n", o.Err)
	}

	for _, r := range o.Stages {
		b.WriteString("  ")
		b.WriteString(st.name.Render(r.Name))
		b.WriteString(st.states[r.State].Width(14).Render(string(r.State)))
		switch {
		case r.State == StateSucceeded:
			b.WriteString(st.dim.Render(r.Duration.Round(time.Millisecond).String()))
		case r.Reason != "":
			b.WriteString(r.Reason)
		}
		if r.Summary != "" {
			b.WriteString(st.dim.Render("  [" + r.Summary + "]"))
		}
		b.WriteString("\n")
	}

	if o.OK() {
		fmt.Fprintf(&b, "%s in %s\n", st.states[StateSucceeded].Render("ok"), o.Duration.Round(time.Millisecond))
	} else {
		label := "failed"
		if o.FailedStage != "" {
			label = "failed at " + o.FailedStage
		}
		fmt.Fprintf(&b, "%s (exit %d)\n", st.states[StateFailed].Render(label), o.ExitCode)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
