package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"proofpipe/internal/proc"
)

// outputSink forwards child output to stdout and, with --log-file, appends
// it to that file as well.
func (a *app) outputSink(cmd *cobra.Command) (proc.Sink, func(), error) {
	console := proc.WriterSink{W: cmd.OutOrStdout()}
	if a.logFile == "" {
		return console, func() {}, nil
	}

	f, err := os.OpenFile(a.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	closeFn := func() {
		if err := f.Close(); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "proofpipe: close log file:", err)
		}
	}
	return proc.MultiSink{console, proc.WriterSink{W: f}}, closeFn, nil
}

// useColor reports whether w is a terminal that should get styled output.
func (a *app) useColor(w io.Writer) bool {
	if a.noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
