package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

// printRun writes a run and its node states.
func printRun(w io.Writer, run *engine.ExecutionRun) error {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Workflow: %s (version %d)\n", run.WorkflowID, run.Version)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Started:  %s\n", formatTime(run.StartedAt))
	if run.EndedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", formatDuration(run.Duration()))
	}
	if run.Error != nil {
		fmt.Fprintf(w, "Error:    %s\n", run.Error.Error())
	}
	fmt.Fprintln(w)

	tw := newTable(w, "NODE", "TIER", "CAPABILITY", "STATUS", "ATTEMPTS", "ERROR")
	for _, n := range run.Nodes {
		capability := n.CapabilityID
		if n.Substituted {
			capability += " (fallback)"
		}
		errText := "-"
		if n.ErrorKind != "" {
			errText = fmt.Sprintf("%s: %s", n.ErrorKind, n.Message)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n", n.NodeID, n.Tier, capability, n.Status, n.Attempts, errText)
	}
	return tw.Flush()
}
