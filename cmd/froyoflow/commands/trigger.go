package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

func newTriggerCommand() *cobra.Command {
	var (
		payload     string
		payloadFile string
	)

	cmd := &cobra.Command{
		Use:   "trigger <workflow-id>",
		Short: "Run a workflow and wait for it to finish",
		Long: `Start a run of the latest version of a workflow and wait until it is
terminal. The payload becomes the trigger node's input.

Interrupting the command cancels the run's steps. The run stays active in
the database and can be resumed with "froyoflow recover".`,
		Example: `  # Run with an inline payload
  froyoflow trigger orders --payload '{"order_id": 42}'

  # Run with a payload file
  froyoflow trigger orders --payload-file ./order.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readPayload(payload, payloadFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			runID, err := a.engine.Trigger(ctx, args[0], input)
			if err != nil {
				return err
			}
			a.logger.Info().Str("run_id", runID).Msg("Run started")

			run, err := a.engine.Wait(ctx, runID)
			if err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}
			return reportRun(cmd, run)
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "trigger payload as a JSON object")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "file holding the trigger payload")

	return cmd
}

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume runs interrupted by a crash or shutdown",
		Long: `Resume every run the database still records as pending or running.
Nodes that already resolved keep their recorded result; the rest are
dispatched again. The command waits for the resumed runs to finish.

A run that another process is still executing keeps a fresh heartbeat and
is skipped; it becomes recoverable once its heartbeat is older than the
engine lease_timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			resumed, recoverErr := a.engine.Recover(ctx)
			if recoverErr != nil {
				a.logger.Error().Err(recoverErr).Msg("Some runs could not be resumed")
			}

			runs := make([]*engine.ExecutionRun, 0, len(resumed))
			for _, id := range resumed {
				run, err := a.engine.Wait(ctx, id)
				if err != nil {
					return fmt.Errorf("run %s: %w", id, err)
				}
				runs = append(runs, run)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, runs); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Resumed %d runs\n", len(runs))
				for _, run := range runs {
					fmt.Fprintf(out, "  %s  %s  %s\n", run.ID, run.WorkflowID, run.Status)
				}
			}
			return recoverErr
		},
	}
}

// reportRun prints a terminal run and fails the command unless it succeeded.
func reportRun(cmd *cobra.Command, run *engine.ExecutionRun) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, run); err != nil {
			return err
		}
	} else if err := printRun(out, run); err != nil {
		return err
	}

	if run.Status != engine.RunStatusSucceeded {
		return fmt.Errorf("run %s finished %s", run.ID, run.Status)
	}
	return nil
}

func readPayload(inline, file string) (engine.Output, error) {
	data := []byte(inline)
	if file != "" {
		if inline != "" {
			return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
		}
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	if len(data) == 0 {
		return engine.Output{}, nil
	}

	var payload engine.Output
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}
