package stores

import (
	"context"
	"errors"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testDefinition(id string, version int) *engine.WorkflowDefinition {
	return &engine.WorkflowDefinition{
		ID:        id,
		Version:   version,
		Name:      "email to crm",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Trigger:   engine.TriggerSpec{CapabilityID: "webhook"},
		Nodes: []engine.Node{
			{ID: "parse", CapabilityID: "transform", Config: engine.Config{"script": "out = input"}, Timeout: 5 * time.Second},
			{ID: "upsert", CapabilityID: "http-request", MaxRetries: 3, FallbackCapabilityID: "log"},
		},
		Edges: []engine.Edge{
			{From: "trigger", To: "parse"},
			{From: "parse", To: "upsert"},
		},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"workflow_definitions", "runs", "step_attempts", "run_outcomes", "events", "audit"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestDefinitionVersions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveDefinition(ctx, testDefinition("wf-1", 1)); err != nil {
		t.Fatalf("failed to save v1: %v", err)
	}
	v2 := testDefinition("wf-1", 2)
	v2.Name = "email to crm v2"
	if err := store.SaveDefinition(ctx, v2); err != nil {
		t.Fatalf("failed to save v2: %v", err)
	}

	err := store.SaveDefinition(ctx, testDefinition("wf-1", 2))
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS for a reused version, got %v", err)
	}

	latest, err := store.GetDefinition(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest.Version != 2 || latest.Name != "email to crm v2" {
		t.Errorf("expected v2 as latest, got v%d %q", latest.Version, latest.Name)
	}

	v1, err := store.GetDefinition(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("failed to get v1: %v", err)
	}
	if v1.Nodes[0].Timeout != 5*time.Second || v1.Nodes[1].FallbackCapabilityID != "log" {
		t.Errorf("expected node options to round-trip, got %+v", v1.Nodes)
	}
	if !v1.CreatedAt.Equal(testDefinition("wf-1", 1).CreatedAt) {
		t.Errorf("expected created_at to round-trip, got %v", v1.CreatedAt)
	}

	if _, err := store.GetDefinition(ctx, "wf-1", 7); !errors.Is(err, engine.ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound for missing version, got %v", err)
	}
	if _, err := store.GetDefinition(ctx, "nope", 0); !engine.IsNotFound(err) {
		t.Errorf("expected not found for missing workflow, got %v", err)
	}

	if err := store.SaveDefinition(ctx, testDefinition("wf-0", 1)); err != nil {
		t.Fatalf("failed to save wf-0: %v", err)
	}
	defs, err := store.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(defs) != 2 || defs[0].ID != "wf-0" || defs[1].Version != 2 {
		t.Errorf("expected [wf-0@1 wf-1@2], got %d definitions", len(defs))
	}
}

func TestRunPersistence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := &engine.ExecutionRun{
			ID:         id,
			WorkflowID: "wf-1",
			Version:    1,
			Status:     engine.RunStatusRunning,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			Nodes:      []engine.NodeState{{NodeID: "trigger", Status: engine.StepStatusPending}},
		}
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("failed to save %s: %v", id, err)
		}
	}

	// Finish run-a.
	run, err := store.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	ended := base.Add(30 * time.Second)
	run.Status = engine.RunStatusPartiallyFailed
	run.EndedAt = &ended
	run.Nodes[0].Status = engine.StepStatusSucceeded
	run.Nodes[0].Output = engine.Output{"lead_id": "L-1"}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.RunStatusPartiallyFailed || got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("expected finished run, got %s ended %v", got.Status, got.EndedAt)
	}
	if got.Nodes[0].Output["lead_id"] != "L-1" {
		t.Errorf("expected node output to round-trip, got %v", got.Nodes[0].Output)
	}

	runs, err := store.ListRuns(ctx, "wf-1", 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("expected newest two runs [run-c run-b], got %d runs", len(runs))
	}

	active, err := store.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("failed to list active runs: %v", err)
	}
	var ids []string
	for _, r := range active {
		ids = append(ids, r.ID)
	}
	if !slices.Equal(ids, []string{"run-b", "run-c"}) {
		t.Errorf("expected active [run-b run-c], got %v", ids)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, engine.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestTerminalRunIsFinal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	run := &engine.ExecutionRun{
		ID:         "run-x",
		WorkflowID: "wf-1",
		Version:    1,
		Status:     engine.RunStatusRunning,
		StartedAt:  start,
		Nodes:      []engine.NodeState{{NodeID: "trigger", Status: engine.StepStatusRunning}},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	// Another process aborts the run.
	aborted := run.Clone()
	ended := start.Add(time.Second)
	aborted.Status = engine.RunStatusAborted
	aborted.EndedAt = &ended
	if err := store.SaveRun(ctx, aborted); err != nil {
		t.Fatalf("failed to abort run: %v", err)
	}
	outcome := engine.RunOutcome{
		RunID: "run-x", WorkflowID: "wf-1", Version: 1,
		Status: engine.RunStatusAborted, StartedAt: start, EndedAt: ended,
	}
	if err := store.AppendOutcome(ctx, outcome); err != nil {
		t.Fatalf("failed to append outcome: %v", err)
	}

	// The original executor finishes later and must not overwrite it.
	late := run.Clone()
	late.Status = engine.RunStatusSucceeded
	late.EndedAt = &ended
	if err := store.SaveRun(ctx, late); !errors.Is(err, engine.ErrRunTerminal) {
		t.Errorf("expected ErrRunTerminal, got %v", err)
	}
	outcome.Status = engine.RunStatusSucceeded
	if err := store.AppendOutcome(ctx, outcome); err != nil {
		t.Fatalf("duplicate outcome should be ignored, got %v", err)
	}

	got, err := store.GetRun(ctx, "run-x")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.RunStatusAborted {
		t.Errorf("expected aborted run to be kept, got %s", got.Status)
	}

	_, outcomes, err := store.ReadWorkflow(ctx, "wf-1", engine.Window{})
	if err != nil {
		t.Fatalf("failed to read workflow: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != engine.RunStatusAborted {
		t.Errorf("expected a single aborted outcome, got %+v", outcomes)
	}
}

func TestLedgerAppendNumbersAttempts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	attempt := engine.StepAttempt{
		RunID:        "run-1",
		WorkflowID:   "wf-1",
		Version:      1,
		NodeID:       "upsert",
		NodeIndex:    2,
		Tier:         2,
		CapabilityID: "http-request",
		Status:       engine.StepStatusFailed,
		StartedAt:    start,
		EndedAt:      start.Add(120 * time.Millisecond),
		ErrorKind:    engine.ErrorKindRateLimited,
		Message:      "429 from upstream",
	}

	first, err := store.Append(ctx, attempt)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	attempt.Status = engine.StepStatusSucceeded
	attempt.ErrorKind = ""
	attempt.Message = ""
	attempt.Final = true
	attempt.Resolution = engine.StepStatusSucceeded
	attempt.Output = engine.Output{"id": "crm-7"}
	second, err := store.Append(ctx, attempt)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	if first.Attempt != 1 || second.Attempt != 2 {
		t.Errorf("expected attempts 1 and 2, got %d and %d", first.Attempt, second.Attempt)
	}

	attempts, err := store.Read(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].ErrorKind != engine.ErrorKindRateLimited || attempts[0].Final {
		t.Errorf("unexpected first attempt: %+v", attempts[0])
	}
	if !attempts[1].Final || attempts[1].Output["id"] != "crm-7" {
		t.Errorf("unexpected second attempt: %+v", attempts[1])
	}
	if attempts[0].Duration() != 120*time.Millisecond {
		t.Errorf("expected 120ms duration, got %v", attempts[0].Duration())
	}

	if _, err := store.Append(ctx, engine.StepAttempt{NodeID: "x"}); err == nil {
		t.Error("expected error for missing run ID")
	}
}

func TestLedgerConcurrentAppend(t *testing.T) {
	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, engine.StepAttempt{
				RunID: "run-1", WorkflowID: "wf-1", NodeID: "A", Status: engine.StepStatusFailed,
				StartedAt: time.Now(), EndedAt: time.Now(),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	attempts, _ := store.Read(ctx, "run-1")
	var numbers []int
	for _, a := range attempts {
		numbers = append(numbers, a.Attempt)
	}
	slices.Sort(numbers)
	for i, n := range numbers {
		if n != i+1 {
			t.Fatalf("expected gapless attempt numbers 1..%d, got %v", writers, numbers)
		}
	}
}

func TestLedgerReadWorkflowWindow(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, runID := range []string{"r1", "r2", "r3"} {
		start := t0.Add(time.Duration(i) * time.Hour)
		if _, err := store.Append(ctx, engine.StepAttempt{
			RunID: runID, WorkflowID: "wf", NodeID: "A", Status: engine.StepStatusSucceeded,
			StartedAt: start, EndedAt: start.Add(time.Second), Final: true,
		}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if err := store.AppendOutcome(ctx, engine.RunOutcome{
			RunID: runID, WorkflowID: "wf", Version: 1, Status: engine.RunStatusSucceeded,
			StartedAt: start, EndedAt: start.Add(2 * time.Second),
		}); err != nil {
			t.Fatalf("append outcome failed: %v", err)
		}
	}

	attempts, outcomes, err := store.ReadWorkflow(ctx, "wf", engine.Window{From: t0.Add(time.Hour), To: t0.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("ReadWorkflow failed: %v", err)
	}
	if len(attempts) != 1 || attempts[0].RunID != "r2" {
		t.Errorf("expected only r2 in [1h, 2h), got %+v", attempts)
	}
	if len(outcomes) != 1 || outcomes[0].Duration() != 2*time.Second {
		t.Errorf("expected one 2s outcome, got %+v", outcomes)
	}

	open, openOutcomes, _ := store.ReadWorkflow(ctx, "wf", engine.Window{From: t0.Add(time.Hour)})
	if len(open) != 2 || len(openOutcomes) != 2 {
		t.Errorf("expected 2 attempts and outcomes from 1h on, got %d and %d", len(open), len(openOutcomes))
	}

	// Summaries from the SQLite ledger match the in-memory aggregation.
	all, allOutcomes, _ := store.ReadWorkflow(ctx, "wf", engine.Window{})
	snap := engine.Summarize("wf", engine.Window{}, all, allOutcomes)
	if snap.TotalRuns != 3 || snap.AvgDurationMs != 2000 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []*engine.Event{
		{ID: "e1", Type: engine.EventTypeRunStarted, Timestamp: now, RunID: "run-1", WorkflowID: "wf-1", Level: "info", Message: "Run started"},
		{ID: "e2", Type: engine.EventTypeNodeRetrying, Timestamp: now, RunID: "run-1", WorkflowID: "wf-1", NodeID: "A", Level: "warning",
			Message: "retrying", Details: map[string]any{"delay_ms": 500}},
		{ID: "e3", Type: engine.EventTypeRunStarted, Timestamp: now, RunID: "run-2", WorkflowID: "wf-1", Level: "info"},
	}
	for _, e := range events {
		if err := store.Publish(ctx, e); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}

	got, err := store.ListEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e1" || got[1].Type != engine.EventTypeNodeRetrying {
		t.Fatalf("expected [e1 e2] for run-1, got %d events", len(got))
	}
	if got[1].Details["delay_ms"] != float64(500) {
		t.Errorf("expected details to round-trip, got %v", got[1].Details)
	}

	limited, _ := store.ListEvents(ctx, "run-1", 1)
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "wf-1"
	for _, action := range []string{"workflow.created", "workflow.updated", "run.aborted"} {
		entry := &AuditEntry{Action: action, Actor: "cli", TargetID: &target}
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected generated ID")
		}
	}

	action := "workflow.updated"
	entries, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 1 || *entries[0].TargetID != "wf-1" {
		t.Errorf("expected one workflow.updated entry, got %d", len(entries))
	}

	all, _ := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if len(all) != 3 {
		t.Errorf("expected 3 entries, got %d", len(all))
	}
}

func TestEngineOnSQLite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	echo := func(_ context.Context, cfg engine.Config, in engine.Output) (engine.Output, error) {
		out := maps.Clone(in)
		if out == nil {
			out = engine.Output{}
		}
		out[cfg["field"].(string)] = true
		return out, nil
	}
	registry, err := engine.NewRegistry(
		engine.Capability{ID: "webhook", Execute: echo},
		engine.Capability{ID: "transform", Execute: echo},
		engine.Capability{ID: "http-request", Execute: echo},
		engine.Capability{ID: "log", Execute: echo},
	)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Registry:    registry,
		Definitions: store,
		Runs:        store,
		Ledger:      store,
		Events:      store,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer eng.Close(ctx)

	def := testDefinition("", 0)
	def.Trigger.Config = engine.Config{"field": "received"}
	def.Nodes[0].Config = engine.Config{"field": "parsed"}
	def.Nodes[1].Config = engine.Config{"field": "upserted"}

	id, err := eng.CreateWorkflow(ctx, *def)
	if err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}
	runID, err := eng.Trigger(ctx, id, engine.Output{"from": "lead@example.com"})
	if err != nil {
		t.Fatalf("failed to trigger: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	run, err := eng.Wait(waitCtx, runID)
	if err != nil {
		t.Fatalf("failed to wait: %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", run.Status)
	}

	attempts, _ := store.Read(ctx, runID)
	if len(attempts) != 3 {
		t.Errorf("expected 3 ledger attempts, got %d", len(attempts))
	}
	events, _ := store.ListEvents(ctx, runID, 0)
	if len(events) == 0 || events[len(events)-1].Type != engine.EventTypeRunCompleted {
		t.Errorf("expected events ending in run.completed, got %d events", len(events))
	}

	snap, err := eng.GetAnalytics(ctx, id, engine.Window{})
	if err != nil {
		t.Fatalf("failed to get analytics: %v", err)
	}
	if snap.TotalRuns != 1 || snap.SuccessRate != 1 {
		t.Errorf("expected one successful run, got %+v", snap)
	}
}
