package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"proofpipe/internal/config"
	"proofpipe/internal/pipeline"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create proofpipe.yaml",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default proofpipe.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.resolveConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return &exitError{code: pipeline.ExitRejected, err: fmt.Errorf("%s already exists (use --force to overwrite)", path)}
			}
			if err := config.DefaultConfig().Save(path); err != nil {
				return &exitError{code: pipeline.ExitRejected, err: err}
			}
			a.logger.Info("Wrote default config", zap.String("path", path))
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Prints the configuration after defaults, file, environment and flag overrides.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(false)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
