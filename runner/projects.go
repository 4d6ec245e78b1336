package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Project represents a project configuration
type Project struct {
	Name        string `yaml:"name" json:"name"`
	Path        string `yaml:"path" json:"path"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Config is the pipeline file inside Path, matrixgo.yml by default
	Config string `yaml:"config,omitempty" json:"config,omitempty"`
	Watch  *Watch `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// Watch asks the poller to run the pipeline when a branch moves
type Watch struct {
	Branch string `yaml:"branch" json:"branch"`
	Every  string `yaml:"every" json:"every"`
}

// Interval parses Every, defaulting to one minute
func (w *Watch) Interval() (time.Duration, error) {
	if w.Every == "" {
		return time.Minute, nil
	}
	d, err := time.ParseDuration(w.Every)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", w.Every, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", w.Every)
	}
	return d, nil
}

// ProjectsConfig holds the list of all projects
type ProjectsConfig struct {
	Projects []Project `yaml:"projects" json:"projects"`
}

// LoadProjects loads the projects configuration from a YAML file
func LoadProjects(configPath string) (*ProjectsConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects config: %w", err)
	}

	var config ProjectsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse projects config: %w", err)
	}

	seen := make(map[string]bool)
	for _, p := range config.Projects {
		if p.Name == "" {
			return nil, fmt.Errorf("project with path '%s' has no name", p.Path)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("project '%s' is declared twice", p.Name)
		}
		seen[p.Name] = true
		if p.Watch != nil {
			if p.Watch.Branch == "" {
				return nil, fmt.Errorf("project '%s' watches no branch", p.Name)
			}
			if _, err := p.Watch.Interval(); err != nil {
				return nil, fmt.Errorf("project '%s': %w", p.Name, err)
			}
		}
	}

	return &config, nil
}

// GetProject returns a project by name
func (pc *ProjectsConfig) GetProject(name string) (*Project, error) {
	for _, project := range pc.Projects {
		if project.Name == name {
			return &project, nil
		}
	}
	return nil, fmt.Errorf("project '%s' not found", name)
}

// Dir returns the absolute project directory
func (p *Project) Dir(baseDir string) string {
	projectPath := p.Path
	if !filepath.IsAbs(projectPath) {
		projectPath = filepath.Join(baseDir, projectPath)
	}
	return projectPath
}

// ConfigPath returns the absolute path to the project's pipeline file
func (p *Project) ConfigPath(baseDir string) string {
	name := p.Config
	if name == "" {
		name = DefaultConfigName
	}
	return filepath.Join(p.Dir(baseDir), name)
}

// Validate checks that the project's directory and pipeline file exist
func (p *Project) Validate(baseDir string) error {
	info, err := os.Stat(p.Dir(baseDir))
	if err != nil {
		return fmt.Errorf("project path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path is not a directory")
	}

	if _, err := os.Stat(p.ConfigPath(baseDir)); err != nil {
		return fmt.Errorf("%s not found in project directory", filepath.Base(p.ConfigPath(baseDir)))
	}

	return nil
}

// ProjectRegistry holds the current projects configuration and reloads it
// when projects.yml changes.
type ProjectRegistry struct {
	path    string
	baseDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	config *ProjectsConfig
}

// NewProjectRegistry loads path. A missing or invalid file yields an empty
// registry so the server can still start.
func NewProjectRegistry(path string, logger *zap.Logger) *ProjectRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ProjectRegistry{
		path:    path,
		baseDir: filepath.Dir(path),
		logger:  logger,
		config:  &ProjectsConfig{Projects: []Project{}},
	}
	if err := r.Reload(); err != nil {
		logger.Warn("Failed to load projects config", zap.String("path", path), zap.Error(err))
	}
	return r
}

// BaseDir is the directory relative project paths are resolved against
func (r *ProjectRegistry) BaseDir() string {
	return r.baseDir
}

// Reload reads the projects file again. On error the previous projects stay.
func (r *ProjectRegistry) Reload() error {
	cfg, err := LoadProjects(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	r.logger.Info("Loaded projects", zap.Int("count", len(cfg.Projects)))
	return nil
}

// Projects returns a snapshot of the registered projects
func (r *ProjectRegistry) Projects() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Project(nil), r.config.Projects...)
}

// Get returns a project by name
func (r *ProjectRegistry) Get(name string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.GetProject(name)
}

// Watch reloads the registry whenever the projects file is written, until
// ctx is done. The parent directory is watched so editors that replace the
// file are handled too.
func (r *ProjectRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.baseDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.baseDir, err)
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("Ignoring invalid projects config", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Projects watcher error", zap.Error(err))
		}
	}
}
