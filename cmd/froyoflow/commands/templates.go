package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyoflow/pkg/config"
)

func newTemplatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Browse the workflow template catalog",
		Long: `Browse the built-in workflow templates. Create a workflow from one with
"froyoflow apply --template <id>".`,
	}

	cmd.AddCommand(newTemplatesListCommand())
	cmd.AddCommand(newTemplatesShowCommand())

	return cmd
}

func newTemplatesListCommand() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewDefinitionLoader()
			if err != nil {
				return err
			}
			templates, err := loader.Templates(category)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, templates)
			}
			tw := newTable(out, "TEMPLATE", "CATEGORY", "APPS", "DESCRIPTION")
			for _, t := range templates {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Category, strings.Join(t.Apps, ", "), t.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "only list templates in this category")

	return cmd
}

func newTemplatesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Print a template definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewDefinitionLoader()
			if err != nil {
				return err
			}
			t, err := loader.Template(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, t)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(config.FromDefinition(t.Definition)); err != nil {
				return fmt.Errorf("failed to encode template: %w", err)
			}
			return enc.Close()
		},
	}
}
