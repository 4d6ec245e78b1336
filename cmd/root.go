package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"matrixgo/runner"
	"matrixgo/runner/storage"
)

var (
	// Global flags
	verbose bool
	dataDir string

	logger = zap.NewNop()
)

// exitError carries a process exit code out of a command
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

var rootCmd = &cobra.Command{
	Use:   "matrixgo",
	Short: "matrixgo - multi-platform build verification",
	Long: `matrixgo runs the jobs of a pipeline file once per declared platform,
isolates every (job, platform) unit, and reports one verdict for the run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if it exists (ignore errors if it doesn't)
		_ = godotenv.Load()

		config := zap.NewProductionConfig()
		switch {
		case verbose:
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		case cmd.Name() != serveCmd.Name():
			// keep the terminal readable; the summary reports the outcome
			config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for the run database (default $MATRIXGO_DATA_DIR or ./data)")

	rootCmd.AddCommand(runCmd, serveCmd, historyCmd, showCmd, validateCmd)
}

// Execute runs the CLI and returns the process exit code
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return runner.ExitPass
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exit.err)
		}
		return exit.code
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	if runner.IsConfigurationError(err) {
		return runner.ExitConfigError
	}
	return runner.ExitFail
}

// resolveDataDir picks the flag, then MATRIXGO_DATA_DIR, then ./data
func resolveDataDir() (string, error) {
	dir := dataDir
	if dir == "" {
		dir = getEnv("MATRIXGO_DATA_DIR", "")
	}
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = filepath.Join(cwd, "data")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

func openStore() (*storage.Storage, string, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return nil, "", err
	}
	store, err := storage.NewStorage(filepath.Join(dir, "matrixgo.db"))
	if err != nil {
		return nil, "", fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, dir, nil
}

// getEnv gets environment variable or returns default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
