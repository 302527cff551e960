// Package build constructs the environment handed to the verifier and the
// test runner. Children never inherit proofpipe's full environment: they get
// the essentials a Rust toolchain needs, the whitelisted variables from
// execution.allowed_env_vars, any VERUS_* variable, and finally the explicit
// execution.env overrides from proofpipe.yaml.
//
// Feature flags are not environment; they travel as verbatim arguments.
package build

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"proofpipe/internal/config"
	"proofpipe/internal/logging"
)

// essentialVars are copied from the parent when present.
var essentialVars = []string{
	"PATH",
	"HOME",        // Required on Unix
	"USER",
	"USERPROFILE", // Required on Windows
	"LOCALAPPDATA",
	"CARGO_HOME",
	"RUSTUP_HOME",
	"RUSTUP_TOOLCHAIN",
	"LANG",
	"TERM",
	"TEMP",
	"TMP",
	"TMPDIR",
}

// ToolEnv returns the environment for verifier and test runner children.
// Later sources override earlier ones.
func ToolEnv(cfg *config.Config) []string {
	env := baseEnv()

	if cfg != nil {
		for _, key := range cfg.Execution.AllowedEnvVars {
			if val := os.Getenv(key); val != "" {
				env = setEnvKey(env, key, val)
				logging.BuildDebug("Added whitelisted env: %s", key)
			}
		}
	}

	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "VERUS_") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env = setEnvKey(env, k, v)
			}
		}
	}

	if cfg != nil {
		keys := make([]string, 0, len(cfg.Execution.Env))
		for k := range cfg.Execution.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = setEnvKey(env, k, cfg.Execution.Env[k])
			logging.BuildDebug("Added config env: %s", k)
		}
	}

	logging.Build("Tool environment: %d vars", len(env))
	return env
}

func baseEnv() []string {
	env := []string{}
	for _, key := range essentialVars {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}

	// cargo finds its registry and installed subcommands (nextest) under
	// CARGO_HOME; spell out the default when the parent relies on it.
	if !hasEnvKey(env, "CARGO_HOME") {
		if home := deriveCargoHome(); home != "" {
			env = append(env, "CARGO_HOME="+home)
			logging.BuildDebug("Derived CARGO_HOME: %s", home)
		}
	}
	return env
}

// deriveCargoHome mirrors cargo's default location.
func deriveCargoHome() string {
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".cargo")
	}
	if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
		return filepath.Join(userProfile, ".cargo")
	}
	return ""
}

// hasEnvKey checks if an environment key is already set.
func hasEnvKey(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

// setEnvKey sets or updates an environment variable.
func setEnvKey(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = key + "=" + value
			return env
		}
	}
	return append(env, key+"="+value)
}
