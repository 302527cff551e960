package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"proofpipe/internal/config"
	"proofpipe/internal/logging"
	"proofpipe/internal/pipeline"
	"proofpipe/internal/proc"
	"proofpipe/internal/stages"
)

func newVerifyCmd(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the crate in one mode",
		Long: `Runs the verifier over the crate entry point with bounded multi-error
reporting and error expansion.

Modes:
  full         everything (no feature flag)
  dev          foundation modules only (feature "dev_only")
  experiments  experiments only (feature "experiments_only")`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := stages.Mode(mode).StageName()
			if err != nil {
				return &exitError{code: pipeline.ExitRejected, err: err}
			}
			return a.runStages(cmd, []string{name})
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(stages.ModeFull), "verification mode: full, dev or experiments")
	return cmd
}

func newStageCmd(a *app, use, short, stage string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStages(cmd, []string{stage})
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <stage>...",
		Short: "Run the named stages and their prerequisites",
		Long: `Runs any combination of stages. Prerequisites are added automatically and
everything executes in dependency order. Verification modes cannot be combined.

Use "proofpipe stages" to list stage names.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStages(cmd, args)
		},
	}
}

func newAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Full verification, then proof-time and runtime tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStages(cmd, stages.All)
		},
	}
}

func newStagesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List stages in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(false)
			if err != nil {
				return err
			}
			g, err := stages.Registry(cfg)
			if err != nil {
				return &exitError{code: pipeline.ExitRejected, err: err}
			}
			order, err := g.Order()
			if err != nil {
				return &exitError{code: pipeline.ExitRejected, err: err}
			}
			out := cmd.OutOrStdout()
			for _, s := range order {
				fmt.Fprintf(out, "%-20s %s", s.Name, s.Description)
				if len(s.Needs) > 0 {
					fmt.Fprintf(out, " (needs %s)", strings.Join(s.Needs, ", "))
				}
				if s.Exclusive != "" {
					fmt.Fprintf(out, " [%s]", s.Exclusive)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

// runStages loads config, runs targets and reports. A non-zero outcome
// becomes an exitError carrying its code.
func (a *app) runStages(cmd *cobra.Command, targets []string) error {
	cfg, err := a.loadConfig(true)
	if err != nil {
		return err
	}

	if err := logging.Initialize(cfg.Resolve(cfg.Logging.Dir), logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSON(),
		Categories: cfg.Logging.Categories,
	}); err != nil {
		a.logger.Warn("File logging disabled", zap.Error(err))
	}
	defer logging.CloseAll()
	logging.Boot("proofpipe %s (root=%s)", strings.Join(targets, " "), cfg.ProjectRoot)
	if logging.IsDebugMode() {
		a.logger.Info("File logging enabled", zap.String("dir", cfg.Resolve(cfg.Logging.Dir)))
	}
	logConfig(cfg)

	g, err := stages.Registry(cfg)
	if err != nil {
		return &exitError{code: pipeline.ExitRejected, err: err}
	}

	sink, closeSink, err := a.outputSink(cmd)
	if err != nil {
		return &exitError{code: pipeline.ExitRejected, err: err}
	}
	defer closeSink()

	runner := proc.NewRunner(proc.WithDrainGrace(cfg.GetDrainGrace()))
	ex := pipeline.NewExecutor(g, runner, sink, pipeline.WithStageHook(func(s *pipeline.Stage) {
		a.logger.Info("Starting stage", zap.String("stage", s.Name))
	}))

	out := ex.Run(cmd.Context(), targets)
	a.logger.Debug("Run finished",
		zap.String("run_id", out.RunID),
		zap.Int("exit_code", out.ExitCode),
		zap.String("failed_stage", out.FailedStage),
		zap.Duration("duration", out.Duration))

	if err := pipeline.Report(cmd.ErrOrStderr(), out, pipeline.ReportOptions{Color: a.useColor(cmd.ErrOrStderr())}); err != nil {
		a.logger.Warn("Could not write summary", zap.Error(err))
	}
	if out.ExitCode != 0 {
		return &exitError{code: out.ExitCode, err: fmt.Errorf("%w: %w", errReported, firstError(out))}
	}
	return nil
}

// logConfig records where the effective configuration came from. It runs
// after validation, once file logging is up.
func logConfig(cfg *config.Config) {
	if src := cfg.Source(); src != "" {
		logging.Config("Loaded %s", src)
	} else {
		logging.ConfigWarn("No %s found; using defaults", config.FileName)
	}
	for _, name := range cfg.Overrides() {
		logging.ConfigDebug("Environment override: %s", name)
	}
	logging.Config("Validated: root=%s verifier=%s test_runner=%s output_dir=%s",
		cfg.ProjectRoot, cfg.VerifierPath, cfg.TestRunnerPath, cfg.Resolve(cfg.OutputDir))
	logging.BootDebug("Log level %s, categories %v", cfg.Logging.Level, cfg.Logging.Categories)
}

func firstError(out *pipeline.Outcome) error {
	if out.Err != nil {
		return out.Err
	}
	return fmt.Errorf("stage %s exited %d", out.FailedStage, out.ExitCode)
}

// loadConfig resolves the config file, applies flag overrides and, when
// strict, validates before anything is spawned.
func (a *app) loadConfig(strict bool) (*config.Config, error) {
	path := a.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: pipeline.ExitRejected, err: err}
	}
	if a.projectRoot != "" {
		root, err := filepath.Abs(a.projectRoot)
		if err != nil {
			return nil, &exitError{code: pipeline.ExitRejected, err: err}
		}
		cfg.ProjectRoot = root
	}
	if strict {
		if err := cfg.Validate(); err != nil {
			return nil, &exitError{code: pipeline.ExitRejected, err: fmt.Errorf("invalid config %s: %w", path, err)}
		}
	}
	a.logger.Debug("Loaded config",
		zap.String("path", path),
		zap.String("project_root", cfg.ProjectRoot),
		zap.String("verifier", cfg.VerifierPath),
		zap.String("test_runner", cfg.TestRunnerPath))
	return cfg, nil
}

func (a *app) resolveConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	root := a.projectRoot
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		}
	}
	return filepath.Join(root, config.FileName)
}
