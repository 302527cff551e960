// Command proofpipe sequences the Verus verifier and the cargo-nextest test
// runner for a verified crate: verification in one of three modes, the
// compile that produces the library/export pair, and proof-time and
// runtime tests.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"proofpipe/internal/pipeline"
)

// app holds global flags and per-invocation state.
type app struct {
	configPath  string
	projectRoot string
	verbose     bool
	noColor     bool
	logFile     string

	stdout io.Writer
	stderr io.Writer

	logger *zap.Logger
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// errReported marks a failure already shown in the run summary.
var errReported = errors.New("pipeline failed")

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "proofpipe",
		Short: "Verify, compile and test a Verus crate",
		Long: `proofpipe drives the verifier and the test runner for a formally verified
crate. Each command selects one or more stages; prerequisites are added and
ordered automatically, so "proofpipe ptt" always recompiles the artifact pair
before running proof-time tests.

Child output is forwarded live with terminal control sequences removed. The
exit code is that of the first stage that did not succeed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config := zap.NewProductionConfig()
			config.OutputPaths = []string{"stderr"}
			config.Encoding = "console"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			if a.verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			} else {
				config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
			}
			var err error
			a.logger, err = config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default <project-root>/proofpipe.yaml)")
	pf.StringVarP(&a.projectRoot, "project-root", "C", "", "project root (default: current directory)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose diagnostics")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored summary")
	pf.StringVar(&a.logFile, "log-file", "", "also write sanitized tool output to this file")

	root.AddCommand(
		newVerifyCmd(a),
		newStageCmd(a, "compile", "Compile the library and export verifier metadata", "compile"),
		newStageCmd(a, "ptt", "Recompile, then run proof-time tests", "ptt"),
		newStageCmd(a, "ptt-prebuilt", "Run proof-time tests against the existing artifact pair", "ptt-prebuilt"),
		newStageCmd(a, "rtt", "Run runtime tests under the configured timeout", "rtt"),
		newRunCmd(a),
		newAllCmd(a),
		newStagesCmd(a),
		newConfigCmd(a),
	)
	return root
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(stderr, "proofpipe:", err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "proofpipe:", err)
	return pipeline.ExitRejected
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
