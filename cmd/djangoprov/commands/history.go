package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwurf/django-gunicorn-nginx/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var filter stores.RunFilter

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List the runs recorded in the history database, newest first.

Use "history show <run-id>" for the steps of one run. A unique prefix of
the run ID is enough.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(store *stores.SQLiteStore) error {
				runs, err := store.ListRuns(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&filter.Plan, "plan", "", "only runs of this plan")
	cmd.Flags().StringVar(&filter.Target, "target", "", "only runs against this host")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "maximum number of runs (-1 for all)")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the steps of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(store *stores.SQLiteStore) error {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				steps, err := store.ListSteps(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), run, steps, jsonOutput)
			})
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return fmt.Errorf("--keep must not be negative")
			}
			return withHistory(cmd.Context(), func(store *stores.SQLiteStore) error {
				n, err := store.PruneRuns(cmd.Context(), keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d run(s)\n", n)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 50, "number of runs to keep")

	return cmd
}

// withHistory opens the history database named by the configuration.
func withHistory(ctx context.Context, fn func(*stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("history.path is not set")
	}

	store, err := openHistory(ctx, cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(store)
}

func printRuns(w io.Writer, runs []*stores.Run, asJSON bool) error {
	if asJSON {
		if runs == nil {
			runs = []*stores.Run{}
		}
		return printJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPLAN\tTARGET\tSTATUS\tCHANGES\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID), r.Plan, r.Target, r.Status, r.Changes,
			r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond))
	}
	return tw.Flush()
}

type runDetail struct {
	*stores.Run
	StepRecords []*stores.StepRecord `json:"step_records"`
}

func printRun(w io.Writer, run *stores.Run, steps []*stores.StepRecord, asJSON bool) error {
	if asJSON {
		return printJSON(w, runDetail{Run: run, StepRecords: steps})
	}

	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Plan:     %s\n", run.Plan)
	fmt.Fprintf(w, "Target:   %s\n", run.Target)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Duration: %s\n", run.Duration().Round(time.Millisecond))
	if run.FailedStep != nil {
		fmt.Fprintf(w, "Failed:   %s\n", *run.FailedStep)
	}
	if run.Error != nil {
		fmt.Fprintf(w, "Error:    %s\n", *run.Error)
	}
	if run.Diagnostic != nil {
		fmt.Fprintf(w, "Remote:   %s\n", *run.Diagnostic)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tSTATUS\tCHANGES\tWARNINGS\tDURATION")
	for _, s := range steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
			s.Seq, s.Name, s.Status, len(s.Changes), len(s.Warnings), s.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, s := range steps {
		for _, c := range s.Changes {
			fmt.Fprintf(w, "%s: + %s\n", s.Name, c)
		}
		for _, warning := range s.Warnings {
			fmt.Fprintf(w, "%s: ! %s\n", s.Name, warning)
		}
		if s.Error != nil {
			fmt.Fprintf(w, "%s: error: %s\n", s.Name, *s.Error)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
