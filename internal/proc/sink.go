package proc

import (
	"errors"
	"io"
	"strings"
	"sync"
)

// Sink receives sanitized output lines in emission order. A line keeps its
// trailing newline; the last line of a stream may lack one.
type Sink interface {
	WriteLine(line string) error
}

// FuncSink adapts a function to Sink.
type FuncSink func(line string) error

func (f FuncSink) WriteLine(line string) error { return f(line) }

// Discard drops every line.
var Discard Sink = FuncSink(func(string) error { return nil })

// WriterSink writes each line verbatim to W.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) WriteLine(line string) error {
	_, err := io.WriteString(s.W, line)
	return err
}

// MultiSink forwards each line to every sink, in order. All sinks see the
// line; the errors are joined.
type MultiSink []Sink

func (m MultiSink) WriteLine(line string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.WriteLine(line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps every line. Safe for concurrent readers.
type MemorySink struct {
	mu    sync.RWMutex
	lines []string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{lines: make([]string, 0)}
}

func (s *MemorySink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

// Lines returns a copy of the collected lines.
func (s *MemorySink) Lines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]string, len(s.lines))
	copy(copied, s.lines)
	return copied
}

// String returns the collected output as one string.
func (s *MemorySink) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.Join(s.lines, "")
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = s.lines[:0]
}
