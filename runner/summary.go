package runner

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Exit codes of the run command
const (
	ExitPass        = 0
	ExitFail        = 1
	ExitConfigError = 2
)

// ExitCode maps a pipeline outcome to a process exit code
func ExitCode(result *PipelineResult, err error) int {
	switch {
	case err != nil && IsConfigurationError(err):
		return ExitConfigError
	case err != nil:
		return ExitFail
	case result.Passed():
		return ExitPass
	default:
		return ExitFail
	}
}

type summaryStyles struct {
	pass, fail, cancel, dim, bold lipgloss.Style
}

func newSummaryStyles(w io.Writer) summaryStyles {
	r := lipgloss.NewRenderer(w)
	return summaryStyles{
		pass:   r.NewStyle().Foreground(lipgloss.Color("2")),
		fail:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		cancel: r.NewStyle().Foreground(lipgloss.Color("3")),
		dim:    r.NewStyle().Faint(true),
		bold:   r.NewStyle().Bold(true),
	}
}

// WriteSummary prints one line per (job, platform) and the overall verdict
func WriteSummary(w io.Writer, result *PipelineResult) {
	st := newSummaryStyles(w)

	if result.Skipped() {
		fmt.Fprintf(w, "%s trigger %s matches no activation condition, pipeline skipped\n",
			st.dim.Render("⊘"), result.Trigger)
		return
	}

	jobWidth, platformWidth := 0, 0
	for _, name := range result.Order {
		jobWidth = max(jobWidth, len(name))
		if jr := result.Jobs[name]; jr != nil {
			for _, p := range jr.Order {
				platformWidth = max(platformWidth, len(p))
			}
		}
	}

	units := 0
	for _, name := range result.Order {
		jr := result.Jobs[name]
		if jr == nil {
			continue
		}
		for _, p := range jr.Order {
			units++
			unit := jr.Units[p]
			label := fmt.Sprintf("%-*s  %-*s", jobWidth, name, platformWidth, p)
			fmt.Fprintf(w, "  %s %s  %s\n", unitMark(st, unit), label, unitDetail(st, unit))
		}
	}

	verdict := st.pass.Render("PASSED")
	if !result.Passed() {
		verdict = st.fail.Render("FAILED")
	}
	fmt.Fprintf(w, "\n%s %s (%d job(s), %d unit(s)) in %s\n",
		st.bold.Render("Result:"), verdict, len(result.Order), units, result.Duration.Round(time.Millisecond))
}

func unitMark(st summaryStyles, unit *UnitResult) string {
	switch unit.Status {
	case StatusSuccess:
		return st.pass.Render("✔")
	case StatusCancelled:
		return st.cancel.Render("⊘")
	default:
		return st.fail.Render("✘")
	}
}

func unitDetail(st summaryStyles, unit *UnitResult) string {
	switch unit.Status {
	case StatusSuccess:
		return st.dim.Render(fmt.Sprintf("%d step(s) in %s", len(unit.Steps), unit.Duration.Round(time.Millisecond)))
	case StatusCancelled:
		return st.cancel.Render("cancelled")
	}

	failed := unit.FailedStep()
	if failed == nil {
		return st.fail.Render("failed")
	}
	detail := fmt.Sprintf("failed at step %q", failed.Name)
	switch kind := ErrorKind(failed.Err); kind {
	case "failure":
		detail += fmt.Sprintf(" (exit code %d)", failed.ExitCode)
	case "execution":
		detail += fmt.Sprintf(" (could not execute: %s)", strings.TrimSpace(errorCause(failed.Err)))
	}
	return st.fail.Render(detail)
}

func errorCause(err error) string {
	if execErr, ok := err.(*ExecutionError); ok && execErr.Cause != nil {
		return execErr.Cause.Error()
	}
	return err.Error()
}
