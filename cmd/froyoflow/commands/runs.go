package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var showAttempts bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state of a run",
		Long: `Show a run's status and per-node state. With --attempts the ledger
records of every step attempt are listed as well.`,
		Example: `  froyoflow status 5f0c1d2e-6a3b-4c7d-8e9f-0a1b2c3d4e5f --attempts`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			run, err := a.engine.GetRunStatus(ctx, args[0])
			if err != nil {
				return err
			}
			var attempts []engine.StepAttempt
			if showAttempts {
				if attempts, err = a.engine.GetAttempts(ctx, run.ID); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, struct {
					*engine.ExecutionRun
					Attempts []engine.StepAttempt `json:"attempts,omitempty"`
				}{run, attempts})
			}
			if err := printRun(out, run); err != nil {
				return err
			}
			if !showAttempts {
				return nil
			}

			fmt.Fprintln(out)
			tw := newTable(out, "NODE", "ATTEMPT", "CAPABILITY", "STATUS", "DURATION", "ERROR")
			for _, at := range attempts {
				errText := "-"
				if at.ErrorKind != "" {
					errText = fmt.Sprintf("%s: %s", at.ErrorKind, at.Message)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
					at.NodeID, at.Attempt, at.CapabilityID, at.Status, formatDuration(at.Duration()), errText)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&showAttempts, "attempts", false, "list every step attempt")

	return cmd
}

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs <workflow-id>",
		Short: "List recent runs of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			runs, err := a.engine.ListRuns(ctx, args[0], limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, runs)
			}
			tw := newTable(out, "RUN", "VERSION", "STATUS", "STARTED", "DURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
					r.ID, r.Version, r.Status, formatTime(r.StartedAt), formatDuration(r.Duration()))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}

func newAbortCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Abort an active run",
		Long: `Request cancellation of an active run. A run executing in another
process, such as "froyoflow serve", is marked aborted in the database; that
process stops dispatching the run once it sees the aborted state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			runID := args[0]
			if err := a.engine.Abort(ctx, runID); err != nil {
				return err
			}
			a.audit(ctx, "run.aborted", runID, nil)

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			run, err := a.engine.Wait(waitCtx, runID)
			if err != nil {
				// Still draining; report what is stored.
				if run, err = a.engine.GetRunStatus(ctx, runID); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), run)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", run.ID, run.Status)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the run to stop")

	return cmd
}

func newEventsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the event timeline of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			events, err := a.store.ListEvents(ctx, args[0], limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, events)
			}
			tw := newTable(out, "TIME", "TYPE", "NODE", "LEVEL", "MESSAGE")
			for _, e := range events {
				node := e.NodeID
				if node == "" {
					node = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatTime(e.Timestamp), e.Type, node, e.Level, e.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 200, "maximum number of events")

	return cmd
}
