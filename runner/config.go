package runner

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultConfigName is the pipeline file looked up when no path is given
const DefaultConfigName = "matrixgo.yml"

// Step is one named action inside a job
type Step struct {
	Name  string            `yaml:"name" json:"name"`
	Run   string            `yaml:"run,omitempty" json:"run,omitempty"`
	Uses  string            `yaml:"uses,omitempty" json:"uses,omitempty"`
	With  map[string]string `yaml:"with,omitempty" json:"with,omitempty"`
	Env   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Shell []string          `yaml:"shell,omitempty" json:"shell,omitempty"`
}

// Strategy controls how a job's units are scheduled
type Strategy struct {
	// FailFast cancels sibling units once one unit fails. Off by default so
	// every platform reports.
	FailFast    bool `yaml:"fail_fast" json:"fail_fast"`
	MaxParallel int  `yaml:"max_parallel" json:"max_parallel"`
}

// Job is a named verification task with its own platform matrix
type Job struct {
	Name      string            `yaml:"name" json:"name"`
	Platforms []Platform        `yaml:"platforms" json:"platforms"`
	Strategy  Strategy          `yaml:"strategy,omitempty" json:"strategy"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Steps     []Step            `yaml:"steps" json:"steps"`
}

// PlatformEnv selects how commands run for one platform
type PlatformEnv struct {
	Shell []string          `yaml:"shell,omitempty" json:"shell,omitempty"`
	Env   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// PushFilter restricts push triggers to matching branches
type PushFilter struct {
	Branches []string `yaml:"branches" json:"branches"`
}

// Activation lists the trigger conditions a pipeline reacts to
type Activation struct {
	PullRequest bool        `json:"pull_request"`
	Push        *PushFilter `json:"push,omitempty"`
}

// UnmarshalYAML accepts `pull_request:` with no value, `true`, or a mapping,
// and `push:` with a branch list.
func (a *Activation) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: 'on' must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "pull_request":
			if value.Tag == "!!bool" {
				var enabled bool
				if err := value.Decode(&enabled); err != nil {
					return err
				}
				a.PullRequest = enabled
				continue
			}
			a.PullRequest = true
		case "push":
			filter := &PushFilter{}
			if value.Tag != "!!null" {
				if err := value.Decode(filter); err != nil {
					return errors.Wrap(err, "push")
				}
			}
			a.Push = filter
		default:
			return fmt.Errorf("line %d: unknown trigger %q", key.Line, key.Value)
		}
	}
	return nil
}

// Matches reports whether the trigger activates the pipeline
func (a Activation) Matches(t Trigger) bool {
	switch t.Event {
	case EventPullRequest:
		return a.PullRequest
	case EventPush:
		if a.Push == nil {
			return false
		}
		// A push block without branches accepts every branch
		if len(a.Push.Branches) == 0 {
			return true
		}
		for _, pattern := range a.Push.Branches {
			if ok, _ := path.Match(pattern, t.Branch); ok {
				return true
			}
		}
	}
	return false
}

// Config is a fully loaded pipeline declaration
type Config struct {
	Name      string                   `yaml:"name" json:"name"`
	On        Activation               `yaml:"on" json:"on"`
	Env       map[string]string        `yaml:"env,omitempty" json:"env,omitempty"`
	Platforms map[Platform]PlatformEnv `yaml:"platforms,omitempty" json:"platforms,omitempty"`
	Jobs      []*Job                   `yaml:"jobs" json:"jobs"`

	// Path and Dir locate the file the config was read from. Dir is the
	// source tree copied by the checkout action.
	Path string `yaml:"-" json:"-"`
	Dir  string `yaml:"-" json:"-"`
}

// LoadConfig reads and validates a pipeline file
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pipeline config")
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = configPath
		}
		return nil, err
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve config path")
	}
	cfg.Path = abs
	cfg.Dir = filepath.Dir(abs)
	return cfg, nil
}

// ParseConfig decodes YAML content and validates it. Unknown keys are
// rejected so a misspelled field does not silently drop a step.
func ParseConfig(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return nil, configErrorf("pipeline config is empty")
		}
		return nil, configErrorf("invalid YAML: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every declaration and reports all problems at once
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !c.On.PullRequest && c.On.Push == nil {
		add("no trigger declared under 'on'")
	}
	if len(c.Jobs) == 0 {
		add("no jobs declared")
	}

	jobNames := make(map[string]bool)
	for i, job := range c.Jobs {
		if job == nil {
			add("job #%d is empty", i+1)
			continue
		}
		label := job.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			add("job %s has no name", label)
		} else if jobNames[job.Name] {
			add("job '%s' is declared twice", job.Name)
		}
		jobNames[job.Name] = true

		if len(job.Platforms) == 0 {
			add("job '%s' declares no platforms", label)
		}
		seen := make(map[Platform]bool)
		for _, p := range job.Platforms {
			if p == "" {
				add("job '%s' has an empty platform", label)
			} else if seen[p] {
				add("job '%s' lists platform '%s' twice", label, p)
			}
			seen[p] = true
		}
		if job.Strategy.MaxParallel < 0 {
			add("job '%s' has negative max_parallel", label)
		}

		if len(job.Steps) == 0 {
			add("job '%s' declares no steps", label)
		}
		for j := range job.Steps {
			step := &job.Steps[j]
			if step.Name == "" {
				step.Name = defaultStepName(*step)
			}
			hasRun := strings.TrimSpace(step.Run) != ""
			hasUses := strings.TrimSpace(step.Uses) != ""
			switch {
			case hasRun && hasUses:
				add("step '%s' in job '%s' sets both run and uses", step.Name, label)
			case !hasRun && !hasUses:
				add("step #%d in job '%s' has neither run nor uses", j+1, label)
			}
		}
	}

	for name, env := range c.Platforms {
		if env.Shell != nil && len(env.Shell) == 0 {
			add("platform '%s' has an empty shell", name)
		}
	}

	if len(problems) > 0 {
		return &ConfigurationError{Path: c.Path, Problems: problems}
	}
	return nil
}

// Job returns a job by name
func (c *Config) Job(name string) (*Job, error) {
	for _, job := range c.Jobs {
		if job.Name == name {
			return job, nil
		}
	}
	return nil, configErrorf("job '%s' not found", name)
}

// PlatformEnv returns the environment declared for a platform
func (c *Config) PlatformEnv(p Platform) PlatformEnv {
	if c.Platforms == nil {
		return PlatformEnv{}
	}
	return c.Platforms[p]
}

func defaultStepName(step Step) string {
	if step.Uses != "" {
		return step.Uses
	}
	line := strings.TrimSpace(step.Run)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return line
}

// DefaultShell is the shell used when neither the step nor the platform sets one
func DefaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"bash", "-c"}
}
