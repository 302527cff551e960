//go:build !windows

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofpipe/internal/config"
	"proofpipe/internal/pipeline"
)

const fakeVerus = `#!/bin/sh
echo "$@" >> "$VERUS_LOG"
case " $* " in
  *" --compile "*) echo "error: cannot compile"; exit 1 ;;
esac
printf '\033[32mverification results:: 3 verified, 0 errors\033[0m\n'
`

const fakeCargo = `#!/bin/sh
echo "$@" >> "$CARGO_LOG"
echo "PASS all"
`

type project struct {
	root     string
	verusLog string
	cargoLog string
}

func newProject(t *testing.T) *project {
	t.Helper()
	root := t.TempDir()
	bin := t.TempDir()
	p := &project{
		root:     root,
		verusLog: filepath.Join(bin, "verus.log"),
		cargoLog: filepath.Join(bin, "cargo.log"),
	}

	verus := filepath.Join(bin, "verus")
	cargo := filepath.Join(bin, "cargo")
	require.NoError(t, os.WriteFile(verus, []byte(fakeVerus), 0755))
	require.NoError(t, os.WriteFile(cargo, []byte(fakeCargo), 0755))

	cfg := config.DefaultConfig()
	cfg.VerifierPath = verus
	cfg.TestRunnerPath = cargo
	cfg.PTT.Dir = "."
	cfg.Execution.Env = map[string]string{"VERUS_LOG": p.verusLog, "CARGO_LOG": p.cargoLog}
	require.NoError(t, cfg.Save(filepath.Join(root, config.FileName)))
	return p
}

func (p *project) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("VERUS_EXTRA_ARGS", "")
	t.Setenv("VERUS_TARGET_PATH", "")
	t.Setenv("PROOFPIPE_VERIFIER", "")
	t.Setenv("PROOFPIPE_TEST_RUNNER", "")
	t.Setenv("PROOFPIPE_PROJECT_ROOT", "")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"--project-root", p.root}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestVerifyDevMode(t *testing.T) {
	p := newProject(t)

	code, stdout, stderr := p.run(t, "verify", "--mode", "dev")

	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "verification results:: 3 verified, 0 errors\n", stdout)
	assert.Equal(t,
		[]string{`--crate-type=lib src/lib.rs --multiple-errors 20 --expand-errors --cfg feature="dev_only"`},
		readLines(t, p.verusLog))
	assert.Contains(t, stderr, "verify-dev")
	assert.NotContains(t, stderr, "\x1b[", "summary to a buffer must be plain")
}

func TestVerifyUnknownMode(t *testing.T) {
	p := newProject(t)

	code, _, stderr := p.run(t, "verify", "--mode", "fast")
	assert.Equal(t, pipeline.ExitRejected, code)
	assert.Contains(t, stderr, "unknown verification mode")
	assert.Nil(t, readLines(t, p.verusLog))
}

func TestPTTSkippedWhenCompileFails(t *testing.T) {
	p := newProject(t)

	code, stdout, stderr := p.run(t, "ptt")

	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "error: cannot compile")
	assert.Contains(t, stderr, "upstream compile failed")
	assert.Contains(t, stderr, "failed at compile (exit 1)")
	assert.Nil(t, readLines(t, p.cargoLog), "test runner must not run")
}

func TestRunConflictingModes(t *testing.T) {
	p := newProject(t)

	code, _, stderr := p.run(t, "run", "verify", "verify-experiments")
	assert.Equal(t, pipeline.ExitRejected, code)
	assert.Contains(t, stderr, "conflicting stages")
	assert.Nil(t, readLines(t, p.verusLog))
}

func TestRTTWithLogFile(t *testing.T) {
	p := newProject(t)
	logFile := filepath.Join(t.TempDir(), "out.log")

	code, stdout, _ := p.run(t, "--log-file", logFile, "rtt")

	require.Equal(t, 0, code)
	assert.Equal(t, "PASS all\n", stdout)
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "PASS all\n", string(data))
	assert.Equal(t, []string{"nextest run --no-fail-fast"}, readLines(t, p.cargoLog))
}

func TestDebugModeWritesCategoryLogs(t *testing.T) {
	p := newProject(t)
	path := filepath.Join(p.root, config.FileName)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Logging.DebugMode = true
	require.NoError(t, cfg.Save(path))

	code, _, _ := p.run(t, "rtt")
	require.Equal(t, 0, code)

	logs := filepath.Join(p.root, ".proofpipe", "logs")
	date := time.Now().Format("2006-01-02")
	cfgLog, err := os.ReadFile(filepath.Join(logs, date+"_config.log"))
	require.NoError(t, err)
	assert.Contains(t, string(cfgLog), "Loaded "+path)
	assert.Contains(t, string(cfgLog), "Validated: root="+p.root)

	pipeLog, err := os.ReadFile(filepath.Join(logs, date+"_pipeline.log"))
	require.NoError(t, err)
	assert.Contains(t, string(pipeLog), "Executor ready")
}

func TestInvalidConfigRejected(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "gone")

	code := run(context.Background(), []string{"--project-root", missing, "rtt"}, &stdout, &stderr)
	assert.Equal(t, pipeline.ExitRejected, code)
	assert.Contains(t, stderr.String(), "invalid config")
}

func TestStagesList(t *testing.T) {
	p := newProject(t)

	code, stdout, _ := p.run(t, "stages")
	require.Equal(t, 0, code)
	for _, name := range []string{"verify", "verify-dev", "verify-experiments", "compile", "ptt", "ptt-prebuilt", "rtt"} {
		assert.Contains(t, stdout, name)
	}
	assert.Contains(t, stdout, "(needs compile)")
	assert.Contains(t, stdout, "[verify-mode]")
}

func TestConfigInitAndShow(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-C", root, "config", "init"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.FileExists(t, filepath.Join(root, config.FileName))

	code = run(context.Background(), []string{"-C", root, "config", "init"}, &stdout, &stderr)
	assert.Equal(t, pipeline.ExitRejected, code, "init must not overwrite")

	stdout.Reset()
	code = run(context.Background(), []string{"-C", root, "config", "show"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "verifier_path: verus")
	assert.Contains(t, stdout.String(), "project_root: "+root)
}
