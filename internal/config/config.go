// Package config loads proofpipe.yaml: tool paths, project layout, stage
// tuning and logging. Values come from defaults, then the YAML file, then
// environment overrides; the CLI applies flag overrides last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the project root.
const FileName = "proofpipe.yaml"

// Config holds all proofpipe configuration.
type Config struct {
	// ProjectRoot is the verified crate's root. Relative paths elsewhere in
	// the config resolve against it. Empty means the config file's directory.
	ProjectRoot string `yaml:"project_root"`

	// OutputDir holds the artifact pair (library + verifier export).
	OutputDir string `yaml:"output_dir"`

	// VerifierPath is the verus executable.
	VerifierPath string `yaml:"verifier_path"`

	// TestRunnerPath is the test runner executable (cargo).
	TestRunnerPath string `yaml:"test_runner_path"`

	// TestRunnerArgs precede every test invocation (e.g. nextest run).
	TestRunnerArgs []string `yaml:"test_runner_args"`

	Verify VerifyConfig `yaml:"verify"`
	PTT    PTTConfig    `yaml:"ptt"`
	RTT    RTTConfig    `yaml:"rtt"`

	Execution ExecutionConfig `yaml:"execution"`
	Logging   LoggingConfig   `yaml:"logging"`

	source    string   // file the values came from; empty for defaults
	overrides []string // environment variables that changed a value
}

// VerifyConfig configures verification and compilation invocations.
type VerifyConfig struct {
	Entry     string   `yaml:"entry"`
	CrateName string   `yaml:"crate_name"`
	MaxErrors int      `yaml:"max_errors"`
	ExtraArgs []string `yaml:"extra_args"`
}

// PTTConfig configures proof-time tests.
type PTTConfig struct {
	Dir  string `yaml:"dir"`
	Jobs int    `yaml:"jobs"`

	// PrebuiltFeature is passed to the test runner by the ptt-prebuilt stage.
	PrebuiltFeature string `yaml:"prebuilt_feature"`
}

// RTTConfig configures runtime tests.
type RTTConfig struct {
	Dir     string `yaml:"dir"`
	Timeout string `yaml:"timeout"`
}

// ExecutionConfig configures child processes.
type ExecutionConfig struct {
	// AllowedEnvVars are copied from proofpipe's own environment.
	AllowedEnvVars []string `yaml:"allowed_env_vars"`

	// Env is set verbatim on every child, after everything else.
	Env map[string]string `yaml:"env"`

	// DrainGrace bounds how long output is drained after the child exits.
	DrainGrace string `yaml:"drain_grace"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:      "target/verus",
		VerifierPath:   "verus",
		TestRunnerPath: "cargo",
		TestRunnerArgs: []string{"nextest", "run"},
		Verify: VerifyConfig{
			Entry:     "src/lib.rs",
			CrateName: "apas_verus",
			MaxErrors: 20,
		},
		PTT: PTTConfig{
			Dir:             "rust_verify_test",
			Jobs:            10,
			PrebuiltFeature: "full_verify",
		},
		RTT: RTTConfig{
			Dir:     ".",
			Timeout: "120s",
		},
		Execution: ExecutionConfig{
			AllowedEnvVars: []string{"RUST_LOG", "RUST_BACKTRACE", "RUSTFLAGS", "CARGO_TARGET_DIR"},
			Env:            map[string]string{},
			DrainGrace:     "2s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    ".proofpipe/logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults with ProjectRoot set to the file's directory.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.source = path
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if cfg.ProjectRoot == "" {
		abs, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project root: %w", err)
		}
		cfg.ProjectRoot = abs
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// VERUS_TARGET_PATH names the directory holding a verus build.
	if dir := os.Getenv("VERUS_TARGET_PATH"); dir != "" {
		exe := "verus"
		if runtime.GOOS == "windows" {
			exe += ".exe"
		}
		c.VerifierPath = filepath.Join(dir, exe)
		c.overrides = append(c.overrides, "VERUS_TARGET_PATH")
	}
	if path := os.Getenv("PROOFPIPE_VERIFIER"); path != "" {
		c.VerifierPath = path
		c.overrides = append(c.overrides, "PROOFPIPE_VERIFIER")
	}
	if path := os.Getenv("PROOFPIPE_TEST_RUNNER"); path != "" {
		c.TestRunnerPath = path
		c.overrides = append(c.overrides, "PROOFPIPE_TEST_RUNNER")
	}
	if root := os.Getenv("PROOFPIPE_PROJECT_ROOT"); root != "" {
		c.ProjectRoot = root
		c.overrides = append(c.overrides, "PROOFPIPE_PROJECT_ROOT")
	}
	if extra := os.Getenv("VERUS_EXTRA_ARGS"); extra != "" {
		c.Verify.ExtraArgs = strings.Fields(extra)
		c.overrides = append(c.overrides, "VERUS_EXTRA_ARGS")
	}
}

// Source returns the file the config was read from, or "" when Load fell
// back to defaults.
func (c *Config) Source() string { return c.source }

// Overrides lists the environment variables that changed a value, in the
// order they were applied.
func (c *Config) Overrides() []string {
	out := make([]string, len(c.overrides))
	copy(out, c.overrides)
	return out
}

// Validate checks the configuration before anything is spawned.
func (c *Config) Validate() error {
	required := []struct {
		name, value string
	}{
		{"project_root", c.ProjectRoot},
		{"output_dir", c.OutputDir},
		{"verifier_path", c.VerifierPath},
		{"test_runner_path", c.TestRunnerPath},
		{"verify.entry", c.Verify.Entry},
		{"verify.crate_name", c.Verify.CrateName},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s must be set", r.name)
		}
	}

	info, err := os.Stat(c.ProjectRoot)
	if err != nil {
		return fmt.Errorf("project_root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project_root %s is not a directory", c.ProjectRoot)
	}

	if filepath.Clean(c.Resolve(c.OutputDir)) == filepath.Clean(c.ProjectRoot) {
		return fmt.Errorf("output_dir must not be the project root")
	}
	if c.Verify.MaxErrors <= 0 {
		return fmt.Errorf("verify.max_errors must be positive, got %d", c.Verify.MaxErrors)
	}
	if c.PTT.Jobs <= 0 {
		return fmt.Errorf("ptt.jobs must be positive, got %d", c.PTT.Jobs)
	}
	d, err := time.ParseDuration(c.RTT.Timeout)
	if err != nil {
		return fmt.Errorf("rtt.timeout: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("rtt.timeout must be positive, got %s", c.RTT.Timeout)
	}
	if _, err := time.ParseDuration(c.Execution.DrainGrace); c.Execution.DrainGrace != "" && err != nil {
		return fmt.Errorf("execution.drain_grace: %w", err)
	}
	return nil
}

// Resolve returns p made absolute against ProjectRoot.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

// ArtifactPaths returns the library and export destinations.
func (c *Config) ArtifactPaths() (library, metadata string) {
	dir := c.Resolve(c.OutputDir)
	return filepath.Join(dir, "lib"+c.Verify.CrateName+".rlib"),
		filepath.Join(dir, c.Verify.CrateName+".vir")
}

// GetRTTTimeout returns the runtime-test wall-clock budget.
func (c *Config) GetRTTTimeout() time.Duration {
	d, err := time.ParseDuration(c.RTT.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// GetDrainGrace returns the post-exit output drain bound.
func (c *Config) GetDrainGrace() time.Duration {
	d, err := time.ParseDuration(c.Execution.DrainGrace)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
