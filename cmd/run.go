package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"matrixgo/runner"
)

var runFlags struct {
	event          string
	branch         string
	jobs           []string
	platforms      []string
	noStore        bool
	keepWorkspaces bool
}

var runCmd = &cobra.Command{
	Use:   "run [config]",
	Short: "Run a pipeline file under a trigger",
	Long: `Runs every job of the pipeline once per declared platform.

The trigger is checked against the pipeline's 'on' section first; a trigger
that matches nothing skips the run and exits 0. The exit code is 0 when every
unit passed, 1 when any unit failed and 2 on configuration errors.

Example:
  matrixgo run --event push --branch main
  matrixgo run ci/matrixgo.yml --event pull_request --platform linux`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPipeline,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.event, "event", string(runner.EventPush), "trigger event: pull_request or push")
	f.StringVar(&runFlags.branch, "branch", "main", "branch for push triggers")
	f.StringSliceVar(&runFlags.jobs, "job", nil, "only run these jobs (repeatable)")
	f.StringSliceVar(&runFlags.platforms, "platform", nil, "only run these platforms (repeatable)")
	f.BoolVar(&runFlags.noStore, "no-store", false, "do not record the run in the database")
	f.BoolVar(&runFlags.keepWorkspaces, "keep-workspaces", false, "keep unit workspaces after the run")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	configPath := runner.DefaultConfigName
	if len(args) > 0 {
		configPath = args[0]
	}

	trigger, err := runner.ParseTrigger(runFlags.event, runFlags.branch)
	if err != nil {
		return &exitError{code: runner.ExitConfigError, err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := runner.RunPipelineOptions{
		StreamToTerminal: true,
		Output:           cmd.OutOrStdout(),
		Jobs:             runFlags.jobs,
		KeepWorkspaces:   runFlags.keepWorkspaces,
		Logger:           logger,
	}
	for _, p := range runFlags.platforms {
		opts.Platforms = append(opts.Platforms, runner.Platform(p))
	}

	if !runFlags.noStore {
		store, dir, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Storage = store
		opts.CacheDir = filepath.Join(dir, "cache")
		opts.DataDir = dir
	}

	result, err := runner.RunPipelineWithOptions(ctx, configPath, trigger, opts)
	if err != nil {
		logger.Debug("Pipeline aborted", zap.Error(err))
		return &exitError{code: runner.ExitCode(nil, err), err: err}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	runner.WriteSummary(out, result)
	fmt.Fprintf(out, "Run ID: %s\n", result.RunID)

	if code := runner.ExitCode(result, nil); code != runner.ExitPass {
		return &exitError{code: code}
	}
	return nil
}
