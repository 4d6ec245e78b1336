package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"matrixgo/api"
	"matrixgo/events"
	"matrixgo/runner"
	"matrixgo/runner/storage"
)

var serveFlags struct {
	port     string
	projects string
	noPoll   bool
	origins  []string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, projects watcher and branch poller",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.port, "port", "", "port to listen on (default $PORT or 8080)")
	serveCmd.Flags().StringVar(&serveFlags.projects, "projects", "projects.yml", "projects registry file")
	serveCmd.Flags().BoolVar(&serveFlags.noPoll, "no-poll", false, "do not poll watched branches")
	serveCmd.Flags().StringSliceVar(&serveFlags.origins, "allowed-origin", nil, "browser origin allowed to call the API (default $MATRIXGO_ALLOWED_ORIGINS)")
}

// dispatcher starts pipeline runs in the background for the API and the poller
type dispatcher struct {
	ctx      context.Context
	store    *storage.Storage
	broker   *events.EventBroker
	dataDir  string
	cacheDir string
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// Launch validates the pipeline file and starts the run on its own goroutine
func (d *dispatcher) Launch(req api.LaunchRequest) (string, error) {
	if _, err := runner.LoadConfig(req.ConfigPath); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(d.ctx, runID, req)
	}()
	return runID, nil
}

func (d *dispatcher) run(ctx context.Context, runID string, req api.LaunchRequest) {
	_, err := runner.RunPipelineWithOptions(ctx, req.ConfigPath, req.Trigger, runner.RunPipelineOptions{
		Storage:   d.store,
		Project:   req.Project,
		Jobs:      req.Jobs,
		Platforms: req.Platforms,
		RunID:     runID,
		DataDir:   d.dataDir,
		CacheDir:  d.cacheDir,
		Observers: []runner.Observer{events.NewPublisher(d.broker, req.Project)},
		Logger:    d.logger,
	})
	if err != nil {
		d.logger.Error("Pipeline run aborted",
			zap.String("run_id", runID),
			zap.String("project", req.Project),
			zap.Error(err))
	}
}

// projectLauncher adapts the dispatcher for the branch poller
func (d *dispatcher) projectLauncher(baseDir string) runner.Launcher {
	return func(ctx context.Context, project runner.Project, trigger runner.Trigger) {
		d.run(ctx, uuid.NewString(), api.LaunchRequest{
			ConfigPath: project.ConfigPath(baseDir),
			Project:    project.Name,
			Trigger:    trigger,
		})
	}
}

func serve(cmd *cobra.Command, args []string) error {
	port := serveFlags.port
	if port == "" {
		port = getEnv("PORT", "8080")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, dir, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	projectsPath, err := filepath.Abs(serveFlags.projects)
	if err != nil {
		return fmt.Errorf("failed to resolve projects file: %w", err)
	}
	registry := runner.NewProjectRegistry(projectsPath, logger)
	go func() {
		if err := registry.Watch(ctx); err != nil {
			logger.Warn("Projects watcher stopped", zap.Error(err))
		}
	}()

	broker := events.GetBroker()
	broker.SetLogger(logger)

	d := &dispatcher{
		ctx:      ctx,
		store:    store,
		broker:   broker,
		dataDir:  dir,
		cacheDir: filepath.Join(dir, "cache"),
		logger:   logger,
	}

	var pollerDone chan struct{}
	if !serveFlags.noPoll {
		poller := runner.NewPoller(registry, runner.NewShellExecutor(), d.projectLauncher(registry.BaseDir()), logger)
		pollerDone = make(chan struct{})
		go func() {
			defer close(pollerDone)
			poller.Start(ctx)
		}()
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: api.NewRouter(&api.Server{
			Store:    store,
			Projects: registry,
			Broker:   broker,
			Launcher: d,
			Logger:   logger,

			AllowedOrigins: allowedOrigins(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		// event streams end when the server is told to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting matrixgo server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown failed", zap.Error(err))
	}

	// in-flight runs see the cancelled context and finish as cancelled
	d.wg.Wait()
	if pollerDone != nil {
		<-pollerDone
	}
	return nil
}

// allowedOrigins picks the flag, then the comma-separated
// MATRIXGO_ALLOWED_ORIGINS. Empty keeps the API same-origin.
func allowedOrigins() []string {
	if len(serveFlags.origins) > 0 {
		return serveFlags.origins
	}
	var origins []string
	for _, o := range strings.Split(getEnv("MATRIXGO_ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
