package runner

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ConfigurationError reports a malformed pipeline declaration.
// It is raised before any unit starts.
type ConfigurationError struct {
	Path     string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	where := "configuration"
	if e.Path != "" {
		where = e.Path
	}
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s: %s", where, e.Problems[0])
	}
	return fmt.Sprintf("%s: %d problems:\n  - %s", where, len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

func configErrorf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// ExecutionError reports a step whose command could not be resolved or started
type ExecutionError struct {
	Step  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step '%s' could not be executed: %v", e.Step, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// StepFailureError reports a step that ran and returned a failing status
type StepFailureError struct {
	Step     string
	ExitCode int
}

func (e *StepFailureError) Error() string {
	return fmt.Sprintf("step '%s' failed with exit code %d", e.Step, e.ExitCode)
}

// ErrorKind names the class of a step error for reports and storage
func ErrorKind(err error) string {
	var execErr *ExecutionError
	var failErr *StepFailureError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &execErr):
		return "execution"
	case errors.As(err, &failErr):
		return "failure"
	default:
		return "internal"
	}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
