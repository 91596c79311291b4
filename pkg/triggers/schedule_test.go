package triggers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

type triggerCall struct {
	workflowID string
	payload    engine.Output
}

type mockRunner struct {
	mu    sync.Mutex
	calls []triggerCall
	err   error
}

func (m *mockRunner) Trigger(_ context.Context, workflowID string, payload engine.Output) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, triggerCall{workflowID: workflowID, payload: payload})
	if m.err != nil {
		return "", m.err
	}
	return "run-1", nil
}

type mockLister struct {
	defs []*engine.WorkflowDefinition
}

func (m *mockLister) ListWorkflows(context.Context) ([]*engine.WorkflowDefinition, error) {
	return m.defs, nil
}

func scheduled(id, spec string) *engine.WorkflowDefinition {
	return &engine.WorkflowDefinition{ID: id, Trigger: engine.TriggerSpec{CapabilityID: "manual", Schedule: spec}}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{spec: "0 9 * * 1-5"},
		{spec: "*/15 * * * *"},
		{spec: "@hourly"},
		{spec: "@every 10m"},
		{spec: "0 0 9 * * *", wantErr: true},
		{spec: "not a schedule", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			_, err := ParseSchedule(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
}

func TestSchedulerSync(t *testing.T) {
	s := NewScheduler(&mockRunner{}, zerolog.Nop())
	now := time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.Sync(scheduled("report", "0 9 * * *")); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	first := s.entries["report"].id

	next, ok := s.Next("report")
	if !ok || !next.Equal(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("Next = %v, %v", next, ok)
	}

	// Same schedule keeps the entry.
	if err := s.Sync(scheduled("report", " 0 9 * * * ")); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if s.entries["report"].id != first {
		t.Error("unchanged schedule was re-registered")
	}

	// A new schedule replaces it.
	if err := s.Sync(scheduled("report", "30 18 * * *")); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if s.entries["report"].id == first || len(s.cron.Entries()) != 1 {
		t.Errorf("schedule not replaced: entries=%d", len(s.cron.Entries()))
	}

	// An invalid schedule leaves the old one in place.
	if err := s.Sync(scheduled("report", "every day")); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	if got := s.Scheduled()["report"]; got != "30 18 * * *" {
		t.Errorf("Scheduled = %q", got)
	}

	// No schedule removes it.
	if err := s.Sync(scheduled("report", "")); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, ok := s.Next("report"); ok || len(s.cron.Entries()) != 0 {
		t.Error("schedule not removed")
	}
}

func TestSchedulerSyncAll(t *testing.T) {
	s := NewScheduler(&mockRunner{}, zerolog.Nop())
	lister := &mockLister{defs: []*engine.WorkflowDefinition{
		scheduled("a", "@daily"),
		scheduled("b", ""),
		scheduled("c", "bogus"),
		scheduled("d", "*/5 * * * *"),
	}}

	err := s.SyncAll(context.Background(), lister)
	if err == nil {
		t.Fatal("expected error for workflow c")
	}

	got := s.Scheduled()
	if len(got) != 2 || got["a"] != "@daily" || got["d"] != "*/5 * * * *" {
		t.Errorf("Scheduled = %v", got)
	}

	s.Remove("a")
	if _, ok := s.Scheduled()["a"]; ok {
		t.Error("Remove did not unschedule a")
	}
}

func TestSchedulerFire(t *testing.T) {
	runner := &mockRunner{}
	s := NewScheduler(runner, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.FixedZone("CEST", 2*3600)) }

	s.fire("report")

	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(runner.calls))
	}
	call := runner.calls[0]
	if call.workflowID != "report" || call.payload["scheduled_at"] != "2026-10-17T07:00:00Z" {
		t.Errorf("unexpected trigger %+v", call)
	}

	// Failures are logged, not propagated.
	runner.err = errors.New("workflow not found")
	s.fire("gone")
	if len(runner.calls) != 2 {
		t.Errorf("expected 2 triggers, got %d", len(runner.calls))
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(&mockRunner{}, zerolog.Nop())
	if err := s.Sync(scheduled("a", "@every 1h")); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
