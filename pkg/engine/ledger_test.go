package engine

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestMemoryLedger_ConcurrentAppendNumbersAttempts(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	numbers := make(chan int, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stored, err := ledger.Append(ctx, StepAttempt{RunID: "r1", WorkflowID: "wf", NodeID: "A", Status: StepStatusFailed})
			if err != nil {
				t.Errorf("Append failed: %v", err)
				return
			}
			numbers <- stored.Attempt
		}()
	}
	wg.Wait()
	close(numbers)

	var got []int
	for n := range numbers {
		got = append(got, n)
	}
	slices.Sort(got)
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("Expected attempt numbers 1..%d without gaps, got %v", writers, got)
		}
	}

	attempts, _ := ledger.Read(ctx, "r1")
	if len(attempts) != writers {
		t.Errorf("Expected %d attempts, got %d", writers, len(attempts))
	}
}

func TestMemoryLedger_CountersArePerNodeAndRun(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	appendAttempt := func(runID, nodeID string) int {
		stored, err := ledger.Append(ctx, StepAttempt{RunID: runID, WorkflowID: "wf", NodeID: nodeID})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		return stored.Attempt
	}

	if n := appendAttempt("r1", "A"); n != 1 {
		t.Errorf("Expected 1, got %d", n)
	}
	if n := appendAttempt("r1", "A"); n != 2 {
		t.Errorf("Expected 2, got %d", n)
	}
	if n := appendAttempt("r1", "B"); n != 1 {
		t.Errorf("Expected independent counter for B, got %d", n)
	}
	if n := appendAttempt("r2", "A"); n != 1 {
		t.Errorf("Expected independent counter for run r2, got %d", n)
	}
}

func TestMemoryLedger_AppendRequiresIDs(t *testing.T) {
	ledger := NewMemoryLedger()

	if _, err := ledger.Append(context.Background(), StepAttempt{NodeID: "A"}); err == nil {
		t.Error("Expected error for missing run ID")
	}
	if _, err := ledger.Append(context.Background(), StepAttempt{RunID: "r1"}); err == nil {
		t.Error("Expected error for missing node ID")
	}
}

func TestMemoryLedger_ReadReturnsCopies(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	out := Output{"id": "1"}
	if _, err := ledger.Append(ctx, StepAttempt{RunID: "r1", NodeID: "A", Output: out}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	out["id"] = "mutated"

	attempts, _ := ledger.Read(ctx, "r1")
	if attempts[0].Output["id"] != "1" {
		t.Errorf("Expected stored output to be isolated from caller, got %v", attempts[0].Output["id"])
	}
	attempts[0].NodeID = "changed"

	again, _ := ledger.Read(ctx, "r1")
	if again[0].NodeID != "A" {
		t.Error("Expected Read to return a copy")
	}
}

func TestMemoryLedger_ReadWorkflowWindow(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, runID := range []string{"r1", "r2", "r3"} {
		start := t0.Add(time.Duration(i) * time.Hour)
		_, _ = ledger.Append(ctx, StepAttempt{RunID: runID, WorkflowID: "wf", NodeID: "A", StartedAt: start, EndedAt: start})
		_ = ledger.AppendOutcome(ctx, RunOutcome{RunID: runID, WorkflowID: "wf", StartedAt: start, EndedAt: start})
	}
	_, _ = ledger.Append(ctx, StepAttempt{RunID: "other", WorkflowID: "wf-other", NodeID: "A", StartedAt: t0})

	attempts, outcomes, err := ledger.ReadWorkflow(ctx, "wf", Window{From: t0.Add(time.Hour), To: t0.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("ReadWorkflow failed: %v", err)
	}
	if len(attempts) != 1 || attempts[0].RunID != "r2" {
		t.Errorf("Expected only r2 attempts in [1h, 2h), got %+v", attempts)
	}
	if len(outcomes) != 1 || outcomes[0].RunID != "r2" {
		t.Errorf("Expected only r2 outcome in [1h, 2h), got %+v", outcomes)
	}

	all, _, _ := ledger.ReadWorkflow(ctx, "wf", Window{})
	if len(all) != 3 {
		t.Errorf("Expected 3 attempts for an open window, got %d", len(all))
	}
}
