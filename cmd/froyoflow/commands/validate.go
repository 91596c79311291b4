package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/config"
	"github.com/openfroyo/froyoflow/pkg/policy"
	"github.com/openfroyo/froyoflow/pkg/triggers"
)

type validationReport struct {
	File       string             `json:"file"`
	WorkflowID string             `json:"workflow_id,omitempty"`
	Valid      bool               `json:"valid"`
	Nodes      int                `json:"nodes,omitempty"`
	Tiers      int                `json:"tiers,omitempty"`
	NextRun    *time.Time         `json:"next_run,omitempty"`
	Violations []policy.Violation `json:"violations,omitempty"`
	Errors     []string           `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate workflow definition files",
		Long: `Validate workflow definition files without storing them.

This command checks:
  - YAML, JSON or CUE syntax and schema conformance
  - Graph structure: unique nodes, known capabilities, no cycles
  - Cron schedule syntax
  - Policy compliance (OPA/rego)

Directories are expanded to the definition files they contain.`,
		Example: `  # Validate one definition
  froyoflow validate ./workflows/orders.yaml

  # Validate a directory, failing on policy warnings too
  froyoflow validate --strict ./workflows`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			files, err := definitionFiles(args)
			if err != nil {
				return err
			}

			reports := make([]validationReport, 0, len(files))
			invalid := 0
			for _, file := range files {
				r := validateFile(ctx, a, file, strict)
				if !r.Valid {
					invalid++
				}
				reports = append(reports, r)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					printReport(cmd, r)
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", invalid, len(reports))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat policy warnings as errors")

	return cmd
}

func validateFile(ctx context.Context, a *app, file string, strict bool) validationReport {
	r := validationReport{File: file}

	def, err := a.loader.LoadFile(file)
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
		return r
	}
	if def.ID == "" {
		def.ID = triggers.WorkflowIDFromPath(file)
	}
	def.Version = 1
	r.WorkflowID = def.ID

	plan, err := a.engine.Compile(def)
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	} else {
		r.Nodes = len(plan.Order) - 1
		r.Tiers = len(plan.Tiers)
	}

	if def.Trigger.Schedule != "" {
		schedule, err := triggers.ParseSchedule(def.Trigger.Schedule)
		if err != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("invalid schedule %q: %v", def.Trigger.Schedule, err))
		} else {
			next := schedule.Next(time.Now())
			r.NextRun = &next
		}
	}

	result, err := a.policy.Evaluate(ctx, def, "validate")
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	} else {
		r.Violations = result.Violations
		for _, v := range result.Violations {
			if v.Severity.Blocking() || (strict && v.Severity == policy.SeverityWarning) {
				r.Errors = append(r.Errors, fmt.Sprintf("policy %s: %s", v.Policy, v.Message))
			}
		}
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func printReport(cmd *cobra.Command, r validationReport) {
	out := cmd.OutOrStdout()
	if r.Valid {
		fmt.Fprintf(out, "OK    %s  %s: %d nodes in %d tiers\n", r.File, r.WorkflowID, r.Nodes, r.Tiers)
		if r.NextRun != nil {
			fmt.Fprintf(out, "      next scheduled run %s\n", formatTime(*r.NextRun))
		}
	} else {
		fmt.Fprintf(out, "FAIL  %s\n", r.File)
		for _, e := range r.Errors {
			fmt.Fprintf(out, "      %s\n", e)
		}
	}
	for _, v := range r.Violations {
		if v.Severity == policy.SeverityWarning || v.Severity == policy.SeverityInfo {
			fmt.Fprintf(out, "      %s: %s (%s)\n", v.Severity, v.Message, v.Policy)
		}
	}
}

// definitionFiles expands directories into the definition files they hold.
func definitionFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if _, ok := config.FormatFromPath(e.Name()); ok && !e.IsDir() {
				found = append(found, filepath.Join(arg, e.Name()))
			}
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}
