package engine

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// runLog holds the attempts of one run. Its mutex makes counter increment
// and append a single unit without locking other runs.
type runLog struct {
	mu         sync.Mutex
	workflowID string
	attempts   []StepAttempt
	counters   map[string]int
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	runs sync.Map // map[string]*runLog

	outcomesMu sync.RWMutex
	outcomes   []RunOutcome
	finished   map[string]bool
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{finished: make(map[string]bool)}
}

func (l *MemoryLedger) log(runID, workflowID string) *runLog {
	v, _ := l.runs.LoadOrStore(runID, &runLog{workflowID: workflowID, counters: make(map[string]int)})
	return v.(*runLog)
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, attempt StepAttempt) (StepAttempt, error) {
	if attempt.RunID == "" || attempt.NodeID == "" {
		return StepAttempt{}, NewPermanentError("attempt requires run and node IDs", nil).
			WithCode(ErrCodeValidation)
	}

	rl := l.log(attempt.RunID, attempt.WorkflowID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.counters[attempt.NodeID]++
	attempt.Attempt = rl.counters[attempt.NodeID]
	attempt.Output = maps.Clone(attempt.Output)
	rl.attempts = append(rl.attempts, attempt)

	return attempt, nil
}

// Read implements Ledger.
func (l *MemoryLedger) Read(_ context.Context, runID string) ([]StepAttempt, error) {
	v, ok := l.runs.Load(runID)
	if !ok {
		return nil, nil
	}
	rl := v.(*runLog)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return slices.Clone(rl.attempts), nil
}

// AppendOutcome implements Ledger.
func (l *MemoryLedger) AppendOutcome(_ context.Context, outcome RunOutcome) error {
	l.outcomesMu.Lock()
	defer l.outcomesMu.Unlock()
	if l.finished[outcome.RunID] {
		return nil
	}
	l.finished[outcome.RunID] = true
	l.outcomes = append(l.outcomes, outcome)
	return nil
}

// ReadWorkflow implements Ledger.
func (l *MemoryLedger) ReadWorkflow(_ context.Context, workflowID string, window Window) ([]StepAttempt, []RunOutcome, error) {
	var attempts []StepAttempt
	l.runs.Range(func(_, v any) bool {
		rl := v.(*runLog)
		rl.mu.Lock()
		for _, a := range rl.attempts {
			if a.WorkflowID == workflowID && window.Contains(a.StartedAt) {
				attempts = append(attempts, a)
			}
		}
		rl.mu.Unlock()
		return true
	})
	sortAttempts(attempts)

	l.outcomesMu.RLock()
	defer l.outcomesMu.RUnlock()
	var outcomes []RunOutcome
	for _, o := range l.outcomes {
		if o.WorkflowID == workflowID && window.Contains(o.StartedAt) {
			outcomes = append(outcomes, o)
		}
	}

	return attempts, outcomes, nil
}

// sortAttempts orders attempts by start time, then run, node and attempt number.
func sortAttempts(attempts []StepAttempt) {
	slices.SortStableFunc(attempts, func(a, b StepAttempt) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.RunID != b.RunID {
			if a.RunID < b.RunID {
				return -1
			}
			return 1
		}
		if a.NodeID != b.NodeID {
			if a.NodeID < b.NodeID {
				return -1
			}
			return 1
		}
		return a.Attempt - b.Attempt
	})
}
