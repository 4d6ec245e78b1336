package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"matrixgo/runner"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config]",
	Short: "Check a pipeline file without running it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := runner.DefaultConfigName
		if len(args) > 0 {
			configPath = args[0]
		}

		cfg, err := runner.LoadConfig(configPath)
		if err != nil {
			return &exitError{code: runner.ExitConfigError, err: err}
		}

		out := cmd.OutOrStdout()
		units := 0
		for _, job := range cfg.Jobs {
			expanded, err := runner.Expand(job)
			if err != nil {
				return &exitError{code: runner.ExitConfigError, err: err}
			}
			units += len(expanded)
			fmt.Fprintf(out, "  %-16s %d step(s) on %d platform(s)\n", job.Name, len(job.Steps), len(expanded))
		}
		fmt.Fprintf(out, "%s is valid: %d job(s), %d unit(s)\n", cfg.Path, len(cfg.Jobs), units)
		return nil
	},
}
