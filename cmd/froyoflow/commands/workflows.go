package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyoflow/pkg/config"
	"github.com/openfroyo/froyoflow/pkg/engine"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored workflows",
		Long:  `List the latest version of every stored workflow.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			defs, err := a.engine.ListWorkflows(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, defs)
			}
			if len(defs) == 0 {
				fmt.Fprintln(out, "No workflows stored")
				return nil
			}
			tw := newTable(out, "WORKFLOW", "VERSION", "NAME", "NODES", "SCHEDULE", "CREATED")
			for _, d := range defs {
				schedule := d.Trigger.Schedule
				if schedule == "" {
					schedule = "-"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n",
					d.ID, d.Version, d.Name, len(d.Nodes), schedule, formatTime(d.CreatedAt))
			}
			return tw.Flush()
		},
	}
}

func newShowCommand() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Print a stored workflow definition",
		Long: `Print a stored workflow definition as YAML, in the same form apply
accepts. Use --json for the engine representation.`,
		Example: `  # Show the latest version
  froyoflow show orders

  # Show version 2
  froyoflow show orders --version 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			def, err := a.engine.GetWorkflow(ctx, args[0], version)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, def)
			}
			fmt.Fprintf(out, "# version %d, created %s\n", def.Version, formatTime(def.CreatedAt))
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(config.FromDefinition(def)); err != nil {
				return fmt.Errorf("failed to encode definition: %w", err)
			}
			return enc.Close()
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "definition version (0 for latest)")

	return cmd
}

func newGraphCommand() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "graph <workflow-id>",
		Short: "Render a workflow's execution plan as Graphviz DOT",
		Long: `Compile a stored workflow and print its execution plan in DOT format,
one cluster per tier. Critical nodes are highlighted.`,
		Example: `  froyoflow graph orders | dot -Tsvg > orders.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			plan, err := a.engine.Plan(ctx, args[0], version)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			fmt.Fprint(cmd.OutOrStdout(), engine.ToDOT(plan))
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "definition version (0 for latest)")

	return cmd
}
