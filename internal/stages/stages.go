// Package stages declares proofpipe's stage graph: the three verification
// modes, the compile that produces the artifact pair, and the two test
// classes. Every invocation is an argument array built from config.
package stages

import (
	"context"
	"fmt"
	"strconv"

	"proofpipe/internal/artifact"
	"proofpipe/internal/build"
	"proofpipe/internal/config"
	"proofpipe/internal/logging"
	"proofpipe/internal/pipeline"
	"proofpipe/internal/proc"
)

// Stage names.
const (
	Verify            = "verify"
	VerifyDev         = "verify-dev"
	VerifyExperiments = "verify-experiments"
	Compile           = "compile"
	PTT               = "ptt"
	PTTPrebuilt       = "ptt-prebuilt"
	RTT               = "rtt"
)

// VerifyModeGroup is the exclusive group of the verification modes.
const VerifyModeGroup = "verify-mode"

// Mode is a verification scope.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeDev         Mode = "dev"
	ModeExperiments Mode = "experiments"
)

// feature returns the cfg feature the mode selects, or "" for full.
func (m Mode) feature() string {
	switch m {
	case ModeDev:
		return "dev_only"
	case ModeExperiments:
		return "experiments_only"
	default:
		return ""
	}
}

// StageName maps a mode to its stage.
func (m Mode) StageName() (string, error) {
	switch m {
	case ModeFull, "":
		return Verify, nil
	case ModeDev:
		return VerifyDev, nil
	case ModeExperiments:
		return VerifyExperiments, nil
	default:
		return "", fmt.Errorf("unknown verification mode %q (want full, dev or experiments)", string(m))
	}
}

// All is the selection for the combined pipeline.
var All = []string{Verify, PTT, RTT}

// Registry builds the stage graph for cfg.
func Registry(cfg *config.Config) (*pipeline.Graph, error) {
	b := &builder{cfg: cfg}
	g := pipeline.NewGraph()

	stages := []*pipeline.Stage{
		b.verifyStage(Verify, ModeFull, "verify the whole crate"),
		b.verifyStage(VerifyDev, ModeDev, "verify foundation modules only (dev_only)"),
		b.verifyStage(VerifyExperiments, ModeExperiments, "verify experiments only (experiments_only)"),
		{
			Name:        Compile,
			Description: "compile the library and export verifier metadata",
			Diagnostics: true,
			Plan:        b.planCompile,
		},
		{
			Name:        PTT,
			Description: "proof-time tests against a freshly compiled pair",
			Needs:       []string{Compile},
			Plan:        b.planPTT,
		},
		{
			Name:        PTTPrebuilt,
			Description: "proof-time tests against the existing pair",
			Plan:        b.planPTTPrebuilt,
		},
		{
			Name:        RTT,
			Description: "runtime tests under a wall-clock budget",
			Plan:        b.planRTT,
		},
	}
	for _, s := range stages {
		if err := g.Add(s); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	logging.StagesDebug("Registered %d stages", len(stages))
	return g, nil
}

type builder struct {
	cfg *config.Config
}

// VerifyArgs returns the verifier arguments for mode.
func VerifyArgs(cfg *config.Config, mode Mode) []string {
	args := []string{
		"--crate-type=lib",
		cfg.Verify.Entry,
		"--multiple-errors", strconv.Itoa(cfg.Verify.MaxErrors),
		"--expand-errors",
	}
	if f := mode.feature(); f != "" {
		args = append(args, "--cfg", fmt.Sprintf("feature=%q", f))
	}
	return append(args, cfg.Verify.ExtraArgs...)
}

// CompileArgs returns the verifier arguments that write pair.
func CompileArgs(cfg *config.Config, pair artifact.Pair) []string {
	args := []string{
		"--compile",
		"--crate-type=lib",
		"--crate-name", cfg.Verify.CrateName,
		cfg.Verify.Entry,
		artifact.LibraryFlag, pair.Library,
		artifact.MetadataFlag, pair.Metadata,
	}
	return append(args, cfg.Verify.ExtraArgs...)
}

// Pair returns the configured artifact destinations.
func Pair(cfg *config.Config) artifact.Pair {
	lib, meta := cfg.ArtifactPaths()
	return artifact.Pair{Library: lib, Metadata: meta}
}

func (b *builder) verifyStage(name string, mode Mode, desc string) *pipeline.Stage {
	return &pipeline.Stage{
		Name:        name,
		Description: desc,
		Exclusive:   VerifyModeGroup,
		Diagnostics: true,
		Plan: func(ctx context.Context) (*pipeline.Plan, error) {
			cmd := b.verifier(name, VerifyArgs(b.cfg, mode))
			logging.Stages("Planned %s (%s mode)", name, mode)
			return &pipeline.Plan{Commands: []proc.Command{cmd}}, nil
		},
	}
}

func (b *builder) planCompile(ctx context.Context) (*pipeline.Plan, error) {
	staging, err := artifact.Stage(Pair(b.cfg))
	if err != nil {
		return nil, err
	}
	args := CompileArgs(b.cfg, staging.Staged)
	if err := artifact.RequireDestinations(args, staging.Staged); err != nil {
		staging.Discard()
		return nil, err
	}

	logging.Stages("Planned compile into %s", staging.Dir())
	return &pipeline.Plan{
		Commands: []proc.Command{b.verifier(Compile, args)},
		Finish: func(ok bool) error {
			if !ok {
				logging.Stages("Compile failed; keeping previous artifact pair")
				return staging.Discard()
			}
			return staging.Commit()
		},
	}, nil
}

func (b *builder) planPTT(ctx context.Context) (*pipeline.Plan, error) {
	args := b.testArgs("--no-fail-fast", "-j", strconv.Itoa(b.cfg.PTT.Jobs))
	cmd := b.testRunner(PTT, b.cfg.Resolve(b.cfg.PTT.Dir), args)
	return &pipeline.Plan{Commands: []proc.Command{cmd}}, nil
}

func (b *builder) planPTTPrebuilt(ctx context.Context) (*pipeline.Plan, error) {
	pair := Pair(b.cfg)
	if !pair.Exists() {
		return nil, fmt.Errorf("%w: %s needs %s and %s; run %s first",
			artifact.ErrIncompletePair, PTTPrebuilt, pair.Library, pair.Metadata, Compile)
	}
	args := b.testArgs("--no-fail-fast", "-j", strconv.Itoa(b.cfg.PTT.Jobs))
	if f := b.cfg.PTT.PrebuiltFeature; f != "" {
		args = append(args, "--features", f)
	}
	cmd := b.testRunner(PTTPrebuilt, b.cfg.Resolve(b.cfg.PTT.Dir), args)
	return &pipeline.Plan{Commands: []proc.Command{cmd}}, nil
}

func (b *builder) planRTT(ctx context.Context) (*pipeline.Plan, error) {
	cmd := b.testRunner(RTT, b.cfg.Resolve(b.cfg.RTT.Dir), b.testArgs("--no-fail-fast"))
	cmd.Timeout = b.cfg.GetRTTTimeout()
	return &pipeline.Plan{Commands: []proc.Command{cmd}}, nil
}

func (b *builder) testArgs(extra ...string) []string {
	args := make([]string, 0, len(b.cfg.TestRunnerArgs)+len(extra))
	args = append(args, b.cfg.TestRunnerArgs...)
	return append(args, extra...)
}

func (b *builder) verifier(label string, args []string) proc.Command {
	return proc.Command{
		Label:  label,
		Binary: b.cfg.VerifierPath,
		Args:   args,
		Dir:    b.cfg.ProjectRoot,
		Env:    build.ToolEnv(b.cfg),
	}
}

func (b *builder) testRunner(label, dir string, args []string) proc.Command {
	return proc.Command{
		Label:  label,
		Binary: b.cfg.TestRunnerPath,
		Args:   args,
		Dir:    dir,
		Env:    build.ToolEnv(b.cfg),
	}
}
