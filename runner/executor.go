package runner

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrEmptyCommand    = errors.New("empty command")
	ErrCommandNotFound = errors.New("command not found")
)

// Shell exit codes that mean the command itself could not be resolved
// (POSIX shells use 127, cmd.exe uses 9009).
var notFoundExitCodes = map[int]bool{127: true, 9009: true}

const waitDelay = 2 * time.Second

// Command is one invocation handed to an Executor
type Command struct {
	Argv []string
	Dir  string
	Env  []string
	// Stream receives output as it is produced, in addition to capture
	Stream io.Writer
}

// ExecResult is what the host returned for a command
type ExecResult struct {
	ExitCode int
	Output   []byte
}

// Executor runs commands on behalf of the step runner. An error means the
// command could not be started; a started command always returns a result.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*ExecResult, error)
}

// ShellExecutor runs commands as local processes
type ShellExecutor struct{}

// NewShellExecutor creates an executor backed by os/exec
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{}
}

// Execute starts the command and captures its combined output
func (e *ShellExecutor) Execute(ctx context.Context, cmd Command) (*ExecResult, error) {
	if len(cmd.Argv) == 0 {
		return nil, ErrEmptyCommand
	}

	bin, err := lookPathIn(cmd.Argv[0], cmd.Env)
	if err != nil {
		return nil, errors.Wrapf(ErrCommandNotFound, "%s", cmd.Argv[0])
	}

	c := exec.CommandContext(ctx, bin, cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	// background children holding the output pipe must not block cancellation
	c.WaitDelay = waitDelay

	// One writer for both streams keeps stdout and stderr interleaved in order
	var out bytes.Buffer
	var w io.Writer = &out
	if cmd.Stream != nil {
		w = io.MultiWriter(&out, cmd.Stream)
	}
	c.Stdout = w
	c.Stderr = w

	err = c.Run()
	output := out.Bytes()
	if len(output) > 0 && output[len(output)-1] != '\n' {
		output = append(output, '\n')
	}
	result := &ExecResult{Output: output}

	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, errors.Wrap(ctxErr, "command interrupted")
	}
	if errors.Is(err, exec.ErrWaitDelay) && c.ProcessState != nil {
		result.ExitCode = c.ProcessState.ExitCode()
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, errors.Wrapf(err, "failed to start %s", cmd.Argv[0])
}

// lookPathIn resolves name against the PATH carried in env rather than the
// process PATH, so toolchains added by earlier steps are found.
func lookPathIn(name string, env []string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
		return exec.LookPath(name)
	}
	for _, dir := range filepath.SplitList(envValue(env, "PATH")) {
		if dir == "" {
			continue
		}
		if found, err := exec.LookPath(filepath.Join(dir, name)); err == nil {
			return found, nil
		}
	}
	return exec.LookPath(name)
}

func envValue(env []string, key string) string {
	value := ""
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && sameEnvKey(k, key) {
			value = v
		}
	}
	return value
}

// sameEnvKey compares variable names the way the OS does: case-insensitively
// on Windows only.
func sameEnvKey(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
