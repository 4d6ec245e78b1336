package runner

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Launcher starts a pipeline run for a project. It is called on its own
// goroutine and should block until the run is finished.
type Launcher func(ctx context.Context, project Project, trigger Trigger)

// Poller watches project branches and fires a push trigger when the head
// commit of a watched branch changes.
type Poller struct {
	registry *ProjectRegistry
	executor Executor
	launch   Launcher
	logger   *zap.Logger
	tick     time.Duration

	mu          sync.Mutex
	heads       map[string]string    // last seen head per project
	lastChecks  map[string]time.Time // last poll per project
	runningJobs map[string]bool      // projects with a run in flight
	wg          sync.WaitGroup
}

// NewPoller creates a poller over the registry's projects
func NewPoller(registry *ProjectRegistry, executor Executor, launch Launcher, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		registry:    registry,
		executor:    executor,
		launch:      launch,
		logger:      logger,
		tick:        10 * time.Second,
		heads:       make(map[string]string),
		lastChecks:  make(map[string]time.Time),
		runningJobs: make(map[string]bool),
	}
}

// SetTick changes how often due projects are looked for
func (p *Poller) SetTick(d time.Duration) {
	p.tick = d
}

// Start runs the poll loop until ctx is done, then waits for in-flight runs
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("Branch poller started")
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	// Run tick immediately on start
	p.Tick(ctx, time.Now())

	for {
		select {
		case <-ticker.C:
			p.Tick(ctx, time.Now())
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info("Branch poller stopped")
			return
		}
	}
}

// Tick polls every project whose interval has elapsed at now. The first
// observation of a branch only records its head.
func (p *Poller) Tick(ctx context.Context, now time.Time) {
	for _, project := range p.registry.Projects() {
		if project.Watch == nil {
			continue
		}
		interval, err := project.Watch.Interval()
		if err != nil {
			p.logger.Warn("Invalid watch interval", zap.String("project", project.Name), zap.Error(err))
			continue
		}

		p.mu.Lock()
		last := p.lastChecks[project.Name]
		running := p.runningJobs[project.Name]
		due := last.IsZero() || now.Sub(last) >= interval
		if due {
			p.lastChecks[project.Name] = now
		}
		p.mu.Unlock()

		// Skip if already running or not due
		if running || !due {
			continue
		}

		head, err := p.head(ctx, project)
		if err != nil {
			p.logger.Warn("Failed to read branch head",
				zap.String("project", project.Name),
				zap.String("branch", project.Watch.Branch),
				zap.Error(err))
			continue
		}

		p.mu.Lock()
		previous, seen := p.heads[project.Name]
		p.heads[project.Name] = head
		changed := seen && previous != head
		if changed {
			p.runningJobs[project.Name] = true
		}
		p.mu.Unlock()

		if !changed {
			continue
		}

		p.logger.Info("Branch moved, triggering pipeline",
			zap.String("project", project.Name),
			zap.String("branch", project.Watch.Branch),
			zap.String("from", shortSHA(previous)),
			zap.String("to", shortSHA(head)))

		p.wg.Add(1)
		go func(proj Project) {
			defer p.wg.Done()
			p.launch(ctx, proj, Push(proj.Watch.Branch))

			p.mu.Lock()
			delete(p.runningJobs, proj.Name)
			p.mu.Unlock()
		}(project)
	}
}

// Wait blocks until every launched run has returned
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) head(ctx context.Context, project Project) (string, error) {
	res, err := p.executor.Execute(ctx, Command{
		Argv: []string{"git", "rev-parse", "--verify", "refs/heads/" + project.Watch.Branch},
		Dir:  project.Dir(p.registry.BaseDir()),
		Env:  os.Environ(),
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &StepFailureError{Step: "git rev-parse", ExitCode: res.ExitCode}
	}
	return strings.TrimSpace(string(res.Output)), nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
