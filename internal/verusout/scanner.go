// Package verusout recognizes the diagnostics the verifier prints so a stage
// report can say more than an exit code. It only observes; lines are never
// altered or dropped.
package verusout

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	// error[E0308]: ..., warning: ..., note: ..., failure-note: ...
	levelRegex = regexp.MustCompile(`^(error|warning|note|failure-note)(\[[A-Z0-9]+\])?: `)

	resultsRegex = regexp.MustCompile(`^verification results:: (\d+) verified, (\d+) errors?`)
	abortRegex   = regexp.MustCompile(`aborting due to (\d+) previous errors?`)
)

// Counts holds what a Scanner has seen.
type Counts struct {
	Errors   int
	Warnings int
	Notes    int

	// Verified and Failed come from the verifier's results line. HasResults
	// is false when no such line was printed (e.g. compile errors).
	Verified   int
	Failed     int
	HasResults bool

	// Aborted is the count from an "aborting due to N previous errors" line.
	Aborted int
}

// Scanner counts diagnostics line by line. It satisfies proc.Sink and is
// meant to sit next to the console sink in a proc.MultiSink.
type Scanner struct {
	mu     sync.Mutex
	counts Counts
}

// NewScanner returns an empty Scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// WriteLine inspects one sanitized line. It never fails.
func (s *Scanner) WriteLine(line string) error {
	line = strings.TrimRight(line, "\r\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	if m := abortRegex.FindStringSubmatch(line); m != nil {
		s.counts.Aborted, _ = strconv.Atoi(m[1])
		return nil
	}
	if m := resultsRegex.FindStringSubmatch(line); m != nil {
		s.counts.Verified, _ = strconv.Atoi(m[1])
		s.counts.Failed, _ = strconv.Atoi(m[2])
		s.counts.HasResults = true
		return nil
	}
	if m := levelRegex.FindStringSubmatch(line); m != nil {
		switch m[1] {
		case "error":
			s.counts.Errors++
		case "warning":
			s.counts.Warnings++
		default:
			s.counts.Notes++
		}
	}
	return nil
}

// Counts returns a copy of the current counts.
func (s *Scanner) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// Summary renders the counts for a report, or "" when nothing was seen.
func (s *Scanner) Summary() string {
	c := s.Counts()
	var parts []string
	if c.HasResults {
		parts = append(parts, fmt.Sprintf("%d verified, %d failed", c.Verified, c.Failed))
	}
	if c.Errors > 0 {
		parts = append(parts, plural(c.Errors, "error"))
	}
	if c.Warnings > 0 {
		parts = append(parts, plural(c.Warnings, "warning"))
	}
	if c.Aborted > 0 && c.Aborted != c.Errors {
		parts = append(parts, fmt.Sprintf("aborted after %s", plural(c.Aborted, "error")))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
