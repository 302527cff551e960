package config

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_Tools(t *testing.T) {
	t.Run("VERUS_TARGET_PATH points at a verus build", func(t *testing.T) {
		clearToolEnv(t)
		t.Setenv("VERUS_TARGET_PATH", "/opt/verus/target-verus/release")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		want := filepath.Join("/opt/verus/target-verus/release", "verus")
		if runtime.GOOS == "windows" {
			want += ".exe"
		}
		assert.Equal(t, want, cfg.VerifierPath)
	})

	t.Run("PROOFPIPE_VERIFIER beats VERUS_TARGET_PATH", func(t *testing.T) {
		clearToolEnv(t)
		t.Setenv("VERUS_TARGET_PATH", "/opt/verus")
		t.Setenv("PROOFPIPE_VERIFIER", "/usr/bin/verus-nightly")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/usr/bin/verus-nightly", cfg.VerifierPath)
		assert.Equal(t, []string{"VERUS_TARGET_PATH", "PROOFPIPE_VERIFIER"}, cfg.Overrides())
	})

	t.Run("test runner and project root", func(t *testing.T) {
		clearToolEnv(t)
		t.Setenv("PROOFPIPE_TEST_RUNNER", "/home/dev/.cargo/bin/cargo")
		t.Setenv("PROOFPIPE_PROJECT_ROOT", "/src/apas")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/home/dev/.cargo/bin/cargo", cfg.TestRunnerPath)
		assert.Equal(t, "/src/apas", cfg.ProjectRoot)
	})

	t.Run("VERUS_EXTRA_ARGS splits on whitespace", func(t *testing.T) {
		clearToolEnv(t)
		t.Setenv("VERUS_EXTRA_ARGS", "  --no-lifetime   -V no-bv-simplify ")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, []string{"--no-lifetime", "-V", "no-bv-simplify"}, cfg.Verify.ExtraArgs)
	})

	t.Run("empty values leave config alone", func(t *testing.T) {
		clearToolEnv(t)

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, DefaultConfig().VerifierPath, cfg.VerifierPath)
		assert.Empty(t, cfg.Verify.ExtraArgs)
		assert.Empty(t, cfg.Overrides())
	})
}
