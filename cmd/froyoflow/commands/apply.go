package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/triggers"
)

type applyResult struct {
	WorkflowID string `json:"workflow_id"`
	Version    int    `json:"version"`
	Changed    bool   `json:"changed"`
	Source     string `json:"source"`
}

func newApplyCommand() *cobra.Command {
	var (
		template string
		id       string
	)

	cmd := &cobra.Command{
		Use:   "apply [file]...",
		Short: "Create or update workflows",
		Long: `Create or update workflows from definition files or the template catalog.

A file without workflow_id is stored under its base name, so orders.yaml
becomes workflow "orders". Applying a changed file stores a new version;
an unchanged file is left alone. Definitions are compiled and checked
against policies before anything is stored.`,
		Example: `  # Apply definition files
  froyoflow apply ./workflows/orders.yaml ./workflows/leads.json

  # Create a workflow from a template
  froyoflow apply --template email-to-crm --id support-inbox`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if template == "" && len(args) == 0 {
				return errors.New("a definition file or --template is required")
			}
			if template != "" && len(args) > 0 {
				return errors.New("--template cannot be combined with files")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			var results []applyResult
			if template != "" {
				r, err := applyTemplate(ctx, a, template, id)
				if err != nil {
					return err
				}
				results = append(results, r)
			} else {
				for _, file := range args {
					r, err := applyFile(ctx, a, file)
					if err != nil {
						return err
					}
					results = append(results, r)
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, results)
			}
			for _, r := range results {
				if r.Changed {
					fmt.Fprintf(out, "%s: workflow %s version %d stored\n", r.Source, r.WorkflowID, r.Version)
				} else {
					fmt.Fprintf(out, "%s: workflow %s unchanged (version %d)\n", r.Source, r.WorkflowID, r.Version)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&template, "template", "", "create from a catalog template")
	cmd.Flags().StringVar(&id, "id", "", "workflow ID for --template (defaults to the template ID)")

	return cmd
}

func applyFile(ctx context.Context, a *app, file string) (applyResult, error) {
	w := triggers.NewDirectoryWatcher(filepath.Dir(file), a.loader, a.engine, a.logger)
	w.OnApply = func(def *engine.WorkflowDefinition) {
		a.audit(ctx, auditAction(def), def.ID, map[string]any{"version": def.Version, "file": file})
	}

	def, changed, err := w.Apply(ctx, file)
	if err != nil {
		return applyResult{}, err
	}
	return applyResult{WorkflowID: def.ID, Version: def.Version, Changed: changed, Source: file}, nil
}

func applyTemplate(ctx context.Context, a *app, templateID, workflowID string) (applyResult, error) {
	t, err := a.loader.Template(templateID)
	if err != nil {
		return applyResult{}, err
	}

	def := *t.Definition
	def.ID = workflowID
	if def.ID == "" {
		def.ID = t.ID
	}

	id, err := a.engine.CreateWorkflow(ctx, def)
	if err != nil {
		return applyResult{}, err
	}
	a.audit(ctx, "workflow.created", id, map[string]any{"version": 1, "template": t.ID})
	return applyResult{WorkflowID: id, Version: 1, Changed: true, Source: "template " + t.ID}, nil
}

func auditAction(def *engine.WorkflowDefinition) string {
	if def.Version > 1 {
		return "workflow.updated"
	}
	return "workflow.created"
}
