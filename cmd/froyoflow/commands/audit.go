package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	var (
		action string
		actor  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit trail entries",
		Long: `List who created or updated workflows and aborted runs, newest first.`,
		Example: `  froyoflow audit --action run.aborted --limit 10`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			var actionFilter, actorFilter *string
			if action != "" {
				actionFilter = &action
			}
			if actor != "" {
				actorFilter = &actor
			}

			entries, err := a.store.ListAuditEntries(ctx, actionFilter, actorFilter, limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, entries)
			}
			tw := newTable(out, "TIME", "ACTION", "ACTOR", "TARGET", "DETAILS")
			for _, e := range entries {
				target, details := "-", "-"
				if e.TargetID != nil {
					target = *e.TargetID
				}
				if e.Details != nil {
					details = *e.Details
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatTime(e.Timestamp), e.Action, e.Actor, target, details)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	return cmd
}
