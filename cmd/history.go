package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"matrixgo/api"
	"matrixgo/runner/storage"
)

var historyFlags struct {
	limit   int
	project string
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var runs []*storage.Run
		if historyFlags.project != "" {
			runs, err = store.GetProjectRuns(historyFlags.project, historyFlags.limit)
		} else {
			runs, err = store.GetRuns(historyFlags.limit)
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUUID\tPROJECT\tTRIGGER\tSTATUS\tSTARTED\tDURATION")
		for _, run := range runs {
			trigger := run.Event
			if run.Branch != "" {
				trigger += "(" + run.Branch + ")"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				run.ID, run.UUID, run.ProjectName, trigger, run.Status,
				run.StartedAt.Format(time.DateTime), durationText(run.Duration))
		}
		return w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the units and steps of a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var run *storage.Run
		if n, convErr := strconv.Atoi(args[0]); convErr == nil {
			run, err = store.GetRun(n)
		} else {
			run, err = store.GetRunByUUID(args[0])
		}
		if errors.Is(err, storage.ErrRunNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return err
		}

		detail, err := api.LoadRunDetail(store, run)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run %d (%s)\n", run.ID, run.UUID)
		fmt.Fprintf(out, "  project: %s\n  trigger: %s %s\n  status:  %s in %s\n",
			run.ProjectName, run.Event, run.Branch, run.Status, durationText(run.Duration))
		for _, unit := range detail.Units {
			fmt.Fprintf(out, "\n%s/%s: %s (%s)\n", unit.Job, unit.Platform, unit.Status, durationText(unit.Duration))
			for _, step := range unit.Steps {
				line := fmt.Sprintf("  - %s: %s", step.Name, step.Status)
				if step.ExitCode != 0 {
					line += fmt.Sprintf(" (exit %d)", step.ExitCode)
				}
				if step.ErrorKind != "" {
					line += " [" + step.ErrorKind + "]"
				}
				fmt.Fprintln(out, line)
			}
		}
		return nil
	},
}

func durationText(d *string) string {
	if d == nil {
		return "-"
	}
	return *d
}

func init() {
	historyCmd.Flags().IntVarP(&historyFlags.limit, "limit", "n", 20, "number of runs to list")
	historyCmd.Flags().StringVar(&historyFlags.project, "project", "", "only list runs of this project")
}
