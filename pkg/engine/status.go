package engine

import (
	"fmt"
)

// RunStatus represents the overall status of a workflow execution run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but no tier has been dispatched.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every node succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a critical node failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartiallyFailed indicates some nodes failed or were skipped
	// and the workflow failure policy tolerated it.
	RunStatusPartiallyFailed RunStatus = "partially_failed"

	// RunStatusAborted indicates the run was cancelled externally.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartiallyFailed || s == RunStatusAborted
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusPartiallyFailed, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// StepStatus represents the status of a single node, or of one attempt at it.
type StepStatus string

const (
	// StepStatusPending indicates the node has not been dispatched.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates a capability call is in flight.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the node produced an output.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the node failed and dependents must not consume it.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the node was not executed, or was given up on
	// without blocking its dependents.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status is final.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// FailurePolicy controls how a workflow reacts to non-critical node failures.
type FailurePolicy string

const (
	// FailurePolicyTolerate finishes the run as partially_failed when
	// non-critical nodes fail or are skipped.
	FailurePolicyTolerate FailurePolicy = "tolerate"

	// FailurePolicyStrict treats every node as critical.
	FailurePolicyStrict FailurePolicy = "strict"
)

// Validate checks if the failure policy is valid. The empty value means tolerate.
func (p FailurePolicy) Validate() error {
	switch p {
	case "", FailurePolicyTolerate, FailurePolicyStrict:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}

// AbortMode controls what happens to in-flight capability calls on abort.
type AbortMode string

const (
	// AbortModeGraceful lets in-flight calls complete naturally.
	AbortModeGraceful AbortMode = "graceful"

	// AbortModeCooperative cancels the context passed to in-flight calls.
	// Capabilities that honor cancellation stop early.
	AbortModeCooperative AbortMode = "cooperative"
)

// Validate checks if the abort mode is valid.
func (m AbortMode) Validate() error {
	switch m {
	case "", AbortModeGraceful, AbortModeCooperative:
		return nil
	default:
		return fmt.Errorf("invalid abort mode: %s", m)
	}
}

// EventType represents the type of an execution event.
type EventType string

const (
	EventTypeRunStarted     EventType = "run.started"
	EventTypeRunCompleted   EventType = "run.completed"
	EventTypeRunAborted     EventType = "run.aborted"
	EventTypeNodeStarted    EventType = "node.started"
	EventTypeNodeSucceeded  EventType = "node.succeeded"
	EventTypeNodeFailed     EventType = "node.failed"
	EventTypeNodeSkipped    EventType = "node.skipped"
	EventTypeNodeRetrying   EventType = "node.retrying"
	EventTypeNodeSubstitute EventType = "node.substituted"
)
