package runner

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Environment is the private, transient state of one execution unit: a
// workspace directory plus the variables and PATH entries earlier steps
// exported. Nothing in it is visible to other units.
type Environment struct {
	Unit      ExecutionUnit
	Workspace string

	root     string
	base     map[string]string
	vars     map[string]string
	paths    []string
	envFile  string
	pathFile string

	onSuccess []func() error
}

// Arena hands out isolated environments indexed by unit and removes them
// when the unit finishes.
type Arena struct {
	root string
	keep bool

	mu     sync.Mutex
	active map[string]*Environment
}

// NewArena creates an arena rooted at dir. An empty dir uses the system
// temporary directory.
func NewArena(dir string) *Arena {
	return &Arena{root: dir, active: make(map[string]*Environment)}
}

// KeepWorkspaces leaves unit directories on disk after release, for debugging
func (a *Arena) KeepWorkspaces(keep bool) {
	a.keep = keep
}

// Acquire creates the environment for a unit. base holds the variables every
// step of the unit starts from.
func (a *Arena) Acquire(unit ExecutionUnit, base map[string]string) (*Environment, error) {
	if a.root != "" {
		if err := os.MkdirAll(a.root, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create workspace root")
		}
	}

	pattern := "matrixgo-" + sanitize(unit.Job.Name) + "-" + sanitize(string(unit.Platform)) + "-*"
	root, err := os.MkdirTemp(a.root, pattern)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create unit directory")
	}

	env := &Environment{
		Unit:      unit,
		Workspace: filepath.Join(root, "workspace"),
		root:      root,
		base:      base,
		vars:      make(map[string]string),
		envFile:   filepath.Join(root, "env"),
		pathFile:  filepath.Join(root, "path"),
	}
	if err := os.MkdirAll(env.Workspace, 0755); err != nil {
		_ = os.RemoveAll(root)
		return nil, errors.Wrap(err, "failed to create workspace")
	}
	if err := env.resetFiles(); err != nil {
		_ = os.RemoveAll(root)
		return nil, err
	}

	a.mu.Lock()
	a.active[root] = env
	a.mu.Unlock()
	return env, nil
}

// Release discards the environment and its workspace
func (a *Arena) Release(env *Environment) error {
	a.mu.Lock()
	delete(a.active, env.root)
	a.mu.Unlock()

	if a.keep {
		return nil
	}
	return os.RemoveAll(env.root)
}

// Active returns how many environments are currently acquired
func (a *Arena) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Setenv exports a variable to later steps of the unit
func (e *Environment) Setenv(key, value string) {
	e.vars[key] = value
}

// Getenv returns a variable as later steps would see it
func (e *Environment) Getenv(key string) string {
	if v, ok := e.vars[key]; ok {
		return v
	}
	if v, ok := e.base[key]; ok {
		return v
	}
	return os.Getenv(key)
}

// PrependPath puts dir in front of PATH for later steps of the unit
func (e *Environment) PrependPath(dir string) {
	e.paths = append([]string{dir}, e.paths...)
}

// Environ builds the process environment for a step. Later layers win:
// host, unit base, exported variables, step variables.
func (e *Environment) Environ(step map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range e.base {
		merged[k] = v
	}
	for k, v := range e.vars {
		merged[k] = v
	}
	for k, v := range step {
		merged[k] = v
	}
	merged["MATRIXGO_WORKSPACE"] = e.Workspace
	merged["MATRIXGO_ENV"] = e.envFile
	merged["MATRIXGO_PATH"] = e.pathFile

	if len(e.paths) > 0 {
		key := pathKey(merged)
		parts := append([]string{}, e.paths...)
		if current := merged[key]; current != "" {
			parts = append(parts, current)
		}
		merged[key] = strings.Join(parts, string(os.PathListSeparator))
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	environ := make([]string, 0, len(keys))
	for _, k := range keys {
		environ = append(environ, k+"="+merged[k])
	}
	return environ
}

// absorbFiles applies what the last step wrote to MATRIXGO_ENV and
// MATRIXGO_PATH, then empties both files for the next step.
func (e *Environment) absorbFiles() error {
	vars, err := godotenv.Read(e.envFile)
	if err != nil {
		return errors.Wrap(err, "invalid MATRIXGO_ENV file")
	}
	for k, v := range vars {
		e.Setenv(k, v)
	}

	f, err := os.Open(e.pathFile)
	if err != nil {
		return errors.Wrap(err, "failed to read MATRIXGO_PATH file")
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if dir := strings.TrimSpace(scanner.Text()); dir != "" {
			e.PrependPath(e.resolve(dir))
		}
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return errors.Wrap(scanErr, "failed to read MATRIXGO_PATH file")
	}

	return e.resetFiles()
}

func (e *Environment) resetFiles() error {
	for _, name := range []string{e.envFile, e.pathFile} {
		if err := os.WriteFile(name, nil, 0644); err != nil {
			return errors.Wrap(err, "failed to prepare env file")
		}
	}
	return nil
}

// resolve makes p absolute relative to the workspace and expands a leading ~
func (e *Environment) resolve(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.Workspace, p)
	}
	return filepath.Clean(p)
}

// afterSuccess registers work to run once every step of the unit passed
func (e *Environment) afterSuccess(fn func() error) {
	e.onSuccess = append(e.onSuccess, fn)
}

func pathKey(env map[string]string) string {
	if _, ok := env["PATH"]; ok || runtime.GOOS != "windows" {
		return "PATH"
	}
	for k := range env {
		if sameEnvKey(k, "PATH") {
			return k
		}
	}
	return "PATH"
}

// sanitize removes special characters from names used in file paths
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unit"
	}
	return b.String()
}
