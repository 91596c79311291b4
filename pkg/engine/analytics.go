package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// AnalyticsSnapshot is derived from the ledger and never stored as a source of truth.
type AnalyticsSnapshot struct {
	WorkflowID string `json:"workflow_id"`
	Window     Window `json:"window"`

	TotalRuns           int `json:"total_runs"`
	SucceededRuns       int `json:"succeeded_runs"`
	FailedRuns          int `json:"failed_runs"`
	PartiallyFailedRuns int `json:"partially_failed_runs"`
	AbortedRuns         int `json:"aborted_runs"`

	// SuccessRate is succeeded runs over total runs, 0 when there are none.
	SuccessRate float64 `json:"success_rate"`

	// AvgDurationMs is the mean run duration.
	AvgDurationMs float64 `json:"avg_duration_ms"`

	// PerNodeAvgDurationMs ranks nodes by mean successful attempt duration,
	// slowest first.
	PerNodeAvgDurationMs []NodeDuration `json:"per_node_avg_duration_ms"`

	// FailureBreakdown counts failed attempts by error kind, most frequent first.
	FailureBreakdown []FailureCount `json:"failure_breakdown"`

	// PredictedRunsPerDay extrapolates the observed run rate.
	PredictedRunsPerDay float64 `json:"predicted_runs_per_day"`

	// PredictedRunsNext30Days is PredictedRunsPerDay * 30.
	PredictedRunsNext30Days float64 `json:"predicted_runs_next_30_days"`

	// Recommendations are optimization hints in a fixed order.
	Recommendations []string `json:"recommendations"`
}

// NodeDuration is one bottleneck ranking entry.
type NodeDuration struct {
	NodeID        string  `json:"node_id"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	Samples       int     `json:"samples"`
	Retries       int     `json:"retries"`
	Attempts      int     `json:"attempts"`
}

// FailureCount is one failure breakdown entry.
type FailureCount struct {
	ErrorKind ErrorKind `json:"error_kind"`
	Count     int       `json:"count"`
}

const (
	bottleneckShare    = 0.5
	retryHeavyRatio    = 0.2
	lowSuccessRate     = 0.9
	forecastHorizonDay = 30
)

// Analytics computes snapshots from the ledger.
type Analytics struct {
	ledger Ledger
}

// NewAnalytics creates an aggregator over ledger.
func NewAnalytics(ledger Ledger) *Analytics {
	return &Analytics{ledger: ledger}
}

// Summarize computes the snapshot for a workflow and window. It depends only
// on ledger contents, so an unchanged ledger yields an identical snapshot.
func (a *Analytics) Summarize(ctx context.Context, workflowID string, window Window) (*AnalyticsSnapshot, error) {
	attempts, outcomes, err := a.ledger.ReadWorkflow(ctx, workflowID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return Summarize(workflowID, window, attempts, outcomes), nil
}

// Summarize is the pure aggregation used by Analytics.
func Summarize(workflowID string, window Window, attempts []StepAttempt, outcomes []RunOutcome) *AnalyticsSnapshot {
	attempts = slices.Clone(attempts)
	sortAttempts(attempts)
	outcomes = slices.Clone(outcomes)
	slices.SortStableFunc(outcomes, func(x, y RunOutcome) int {
		if c := x.StartedAt.Compare(y.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(x.RunID, y.RunID)
	})

	snap := &AnalyticsSnapshot{
		WorkflowID:           workflowID,
		Window:               window,
		PerNodeAvgDurationMs: []NodeDuration{},
		FailureBreakdown:     []FailureCount{},
		Recommendations:      []string{},
	}

	summarizeOutcomes(snap, outcomes)
	summarizeNodes(snap, attempts)
	summarizeFailures(snap, attempts)
	forecast(snap, window, outcomes)
	recommend(snap)

	return snap
}

func summarizeOutcomes(snap *AnalyticsSnapshot, outcomes []RunOutcome) {
	var total time.Duration
	for _, o := range outcomes {
		snap.TotalRuns++
		total += o.Duration()
		switch o.Status {
		case RunStatusSucceeded:
			snap.SucceededRuns++
		case RunStatusFailed:
			snap.FailedRuns++
		case RunStatusPartiallyFailed:
			snap.PartiallyFailedRuns++
		case RunStatusAborted:
			snap.AbortedRuns++
		}
	}
	if snap.TotalRuns > 0 {
		snap.SuccessRate = round(float64(snap.SucceededRuns) / float64(snap.TotalRuns))
		snap.AvgDurationMs = round(millis(total) / float64(snap.TotalRuns))
	}
}

type nodeAccumulator struct {
	index    int
	total    time.Duration
	samples  int
	attempts int
	retries  int
}

// summarizeNodes fills the bottleneck ranking. Ties are broken by declaration
// order, then node ID.
func summarizeNodes(snap *AnalyticsSnapshot, attempts []StepAttempt) {
	nodes := make(map[string]*nodeAccumulator)
	for _, a := range attempts {
		acc, ok := nodes[a.NodeID]
		if !ok {
			acc = &nodeAccumulator{index: a.NodeIndex}
			nodes[a.NodeID] = acc
		}
		acc.index = min(acc.index, a.NodeIndex)

		switch a.Status {
		case StepStatusSucceeded:
			acc.attempts++
			acc.samples++
			acc.total += a.Duration()
		case StepStatusFailed:
			acc.attempts++
			if !a.Final {
				acc.retries++
			}
		}
	}

	for id, acc := range nodes {
		if acc.attempts == 0 {
			continue
		}
		nd := NodeDuration{NodeID: id, Samples: acc.samples, Retries: acc.retries, Attempts: acc.attempts}
		if acc.samples > 0 {
			nd.AvgDurationMs = round(millis(acc.total) / float64(acc.samples))
		}
		snap.PerNodeAvgDurationMs = append(snap.PerNodeAvgDurationMs, nd)
	}

	slices.SortFunc(snap.PerNodeAvgDurationMs, func(x, y NodeDuration) int {
		if x.AvgDurationMs != y.AvgDurationMs {
			if x.AvgDurationMs > y.AvgDurationMs {
				return -1
			}
			return 1
		}
		if d := nodes[x.NodeID].index - nodes[y.NodeID].index; d != 0 {
			return d
		}
		return strings.Compare(x.NodeID, y.NodeID)
	})
}

func summarizeFailures(snap *AnalyticsSnapshot, attempts []StepAttempt) {
	counts := make(map[ErrorKind]int)
	for _, a := range attempts {
		if a.Status == StepStatusFailed {
			counts[a.ErrorKind]++
		}
	}
	for kind, n := range counts {
		snap.FailureBreakdown = append(snap.FailureBreakdown, FailureCount{ErrorKind: kind, Count: n})
	}
	slices.SortFunc(snap.FailureBreakdown, func(x, y FailureCount) int {
		if x.Count != y.Count {
			return y.Count - x.Count
		}
		return strings.Compare(string(x.ErrorKind), string(y.ErrorKind))
	})
}

// forecast extrapolates linearly. The observation span is the window when it
// is closed, otherwise first-to-last run start, never less than one day.
func forecast(snap *AnalyticsSnapshot, window Window, outcomes []RunOutcome) {
	if len(outcomes) == 0 {
		return
	}

	var span time.Duration
	if !window.From.IsZero() && !window.To.IsZero() {
		span = window.To.Sub(window.From)
	} else {
		span = outcomes[len(outcomes)-1].StartedAt.Sub(outcomes[0].StartedAt)
	}
	days := max(span.Hours()/24, 1)

	snap.PredictedRunsPerDay = round(float64(len(outcomes)) / days)
	snap.PredictedRunsNext30Days = round(snap.PredictedRunsPerDay * forecastHorizonDay)
}

func recommend(snap *AnalyticsSnapshot) {
	if len(snap.PerNodeAvgDurationMs) > 0 && snap.AvgDurationMs > 0 {
		top := snap.PerNodeAvgDurationMs[0]
		if share := top.AvgDurationMs / snap.AvgDurationMs; share > bottleneckShare {
			snap.Recommendations = append(snap.Recommendations, fmt.Sprintf(
				"node %s takes %.0f%% of the average run time; consider caching its results or splitting its work",
				top.NodeID, share*100))
		}
	}

	for _, nd := range snap.PerNodeAvgDurationMs {
		if nd.Attempts > 0 && float64(nd.Retries)/float64(nd.Attempts) >= retryHeavyRatio {
			snap.Recommendations = append(snap.Recommendations, fmt.Sprintf(
				"node %s needed retries in %d of %d attempts; consider raising its timeout or adding a fallback capability",
				nd.NodeID, nd.Retries, nd.Attempts))
		}
	}

	for _, fc := range snap.FailureBreakdown {
		if fc.ErrorKind == ErrorKindRateLimited {
			snap.Recommendations = append(snap.Recommendations, fmt.Sprintf(
				"rate limiting occurred %d times; lower max_concurrency or set a capability rate limit",
				fc.Count))
		}
	}

	if snap.TotalRuns > 0 && snap.SuccessRate < lowSuccessRate {
		snap.Recommendations = append(snap.Recommendations, fmt.Sprintf(
			"success rate %.1f%% is below %.0f%%; review the failure breakdown",
			snap.SuccessRate*100, lowSuccessRate*100))
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// round keeps three decimals so repeated summaries serialize identically.
func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
