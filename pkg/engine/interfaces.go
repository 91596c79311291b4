package engine

import (
	"context"
	"time"
)

// DefinitionStore persists immutable workflow definition versions.
type DefinitionStore interface {
	// SaveDefinition stores a new version. Saving an existing (ID, Version) fails.
	SaveDefinition(ctx context.Context, def *WorkflowDefinition) error

	// GetDefinition returns a version; version 0 selects the latest.
	// Returns ErrWorkflowNotFound when absent.
	GetDefinition(ctx context.Context, workflowID string, version int) (*WorkflowDefinition, error)

	// ListDefinitions returns the latest version of every workflow.
	ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)
}

// RunStore persists the current view of execution runs.
type RunStore interface {
	// SaveRun inserts or replaces the run view. Saving over a terminal run
	// fails with ErrRunTerminal.
	SaveRun(ctx context.Context, run *ExecutionRun) error

	// GetRun returns ErrRunNotFound when absent.
	GetRun(ctx context.Context, runID string) (*ExecutionRun, error)

	// ListRuns returns runs of a workflow, newest first. limit <= 0 means all.
	ListRuns(ctx context.Context, workflowID string, limit int) ([]*ExecutionRun, error)

	// ListActiveRuns returns runs in pending or running state.
	ListActiveRuns(ctx context.Context) ([]*ExecutionRun, error)
}

// Ledger is the append-only record of step attempts and run outcomes.
type Ledger interface {
	// Append assigns the next attempt number for (RunID, NodeID) and stores
	// the attempt as one atomic unit. The stored attempt is returned.
	Append(ctx context.Context, attempt StepAttempt) (StepAttempt, error)

	// Read returns the attempts of a run in append order.
	Read(ctx context.Context, runID string) ([]StepAttempt, error)

	// AppendOutcome records the terminal status of a run. Only the first
	// outcome of a run is kept.
	AppendOutcome(ctx context.Context, outcome RunOutcome) error

	// ReadWorkflow returns attempts and outcomes of a workflow whose start
	// time falls in the window.
	ReadWorkflow(ctx context.Context, workflowID string, window Window) ([]StepAttempt, []RunOutcome, error)
}

// EventPublisher receives execution events. Publish must not block on slow consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// AdmissionController may reject a definition before it is stored.
type AdmissionController interface {
	Admit(ctx context.Context, def *WorkflowDefinition) error
}

// Observer receives execution measurements.
type Observer interface {
	RunStarted(workflowID string)
	RunFinished(workflowID string, status RunStatus, duration time.Duration)
	StepFinished(capabilityID string, status StepStatus, kind ErrorKind, duration time.Duration)
	HealingDecision(action Action, kind ErrorKind)
}

type noopObserver struct{}

func (noopObserver) RunStarted(string) {}
func (noopObserver) RunFinished(string, RunStatus, time.Duration) {}
func (noopObserver) StepFinished(string, StepStatus, ErrorKind, time.Duration) {}
func (noopObserver) HealingDecision(Action, ErrorKind) {}
