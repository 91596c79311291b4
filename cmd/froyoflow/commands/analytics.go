package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

func newAnalyticsCommand() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "analytics <workflow-id>",
		Short: "Summarize the run history of a workflow",
		Long: `Summarize a workflow's runs from the execution ledger: success rate,
average duration, the slowest nodes, failures by error kind, a run volume
forecast and optimization recommendations.`,
		Example: `  # All recorded runs
  froyoflow analytics orders

  # The last seven days
  froyoflow analytics orders --since 168h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			var window engine.Window
			if since > 0 {
				window.From = time.Now().Add(-since)
			}

			snap, err := a.engine.GetAnalytics(ctx, args[0], window)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, snap)
			}

			fmt.Fprintf(out, "Workflow:     %s\n", snap.WorkflowID)
			fmt.Fprintf(out, "Runs:         %d (%d succeeded, %d failed, %d partially failed, %d aborted)\n",
				snap.TotalRuns, snap.SucceededRuns, snap.FailedRuns, snap.PartiallyFailedRuns, snap.AbortedRuns)
			fmt.Fprintf(out, "Success rate: %.1f%%\n", snap.SuccessRate*100)
			fmt.Fprintf(out, "Avg duration: %.0fms\n", snap.AvgDurationMs)
			fmt.Fprintf(out, "Forecast:     %.1f runs/day, %.0f over the next 30 days\n",
				snap.PredictedRunsPerDay, snap.PredictedRunsNext30Days)

			if len(snap.PerNodeAvgDurationMs) > 0 {
				fmt.Fprintln(out)
				tw := newTable(out, "NODE", "AVG MS", "SAMPLES", "ATTEMPTS", "RETRIES")
				for _, n := range snap.PerNodeAvgDurationMs {
					fmt.Fprintf(tw, "%s\t%.1f\t%d\t%d\t%d\n", n.NodeID, n.AvgDurationMs, n.Samples, n.Attempts, n.Retries)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			if len(snap.FailureBreakdown) > 0 {
				fmt.Fprintln(out)
				tw := newTable(out, "ERROR KIND", "FAILED ATTEMPTS")
				for _, f := range snap.FailureBreakdown {
					fmt.Fprintf(tw, "%s\t%d\n", f.ErrorKind, f.Count)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			if len(snap.Recommendations) > 0 {
				fmt.Fprintln(out, "\nRecommendations:")
				for _, r := range snap.Recommendations {
					fmt.Fprintf(out, "  - %s\n", r)
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only include runs started within this duration")

	return cmd
}
