package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error raised by the engine itself
// (validation, lookups, state transitions, persistence).
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the workflow, run or node ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// IsNotFound returns true if the error is a missing workflow or run, or
// carries the not-found code.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrWorkflowNotFound) || errors.Is(err, ErrRunNotFound) {
		return true
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeInvalidState  = "INVALID_STATE"
	ErrCodePolicyDenied  = "POLICY_DENIED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// Sentinel errors returned by stores and the Engine facade.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunTerminal      = errors.New("run already finished")
)

// CompileErrorKind enumerates the reasons a workflow graph is rejected.
type CompileErrorKind string

const (
	CompileErrorUnknownCapability CompileErrorKind = "UnknownCapability"
	CompileErrorCycleDetected     CompileErrorKind = "CycleDetected"
	CompileErrorUnreachableNode   CompileErrorKind = "UnreachableNode"
	// CompileErrorInvalidGraph covers structural problems: empty or duplicate
	// node IDs, edges that reference undeclared nodes, edges into the trigger.
	CompileErrorInvalidGraph CompileErrorKind = "InvalidGraph"
)

// CompileError is returned by the Graph Compiler. No plan is produced alongside it.
type CompileError struct {
	Kind    CompileErrorKind `json:"kind"`
	NodeID  string           `json:"node_id,omitempty"`
	Path    []string         `json:"path,omitempty"`
	Message string           `json:"message"`
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("compile error (%s): %s: %s", e.Kind, e.Message, strings.Join(e.Path, " -> "))
	}
	if e.NodeID != "" {
		return fmt.Sprintf("compile error (%s): %s (node=%s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("compile error (%s): %s", e.Kind, e.Message)
}

// ErrorKind classifies a failure reported by (or on behalf of) a capability.
type ErrorKind string

const (
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindRateLimited       ErrorKind = "rate_limited"
	ErrorKindUpstreamFailure   ErrorKind = "upstream_failure"
	ErrorKindInvalidConfig     ErrorKind = "invalid_config"
	ErrorKindPermissionDenied  ErrorKind = "permission_denied"
	ErrorKindUnknownCapability ErrorKind = "unknown_capability"
	// ErrorKindAborted marks a call interrupted by a cooperative abort.
	ErrorKindAborted ErrorKind = "aborted"
	// ErrorKindUpstreamNodeFailed marks a node skipped because a predecessor failed.
	ErrorKindUpstreamNodeFailed ErrorKind = "upstream_node_failed"
)

// IsTransient reports whether failures of this kind may succeed on retry.
func (k ErrorKind) IsTransient() bool {
	return k == ErrorKindTimeout || k == ErrorKindRateLimited || k == ErrorKindUpstreamFailure
}

// CapabilityError is the error contract between capabilities and the engine.
// Only Kind and Message are ever exposed through run status; Err stays internal.
type CapabilityError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	Err     error     `json:"-"`
}

// NewCapabilityError creates a classified capability error.
func NewCapabilityError(kind ErrorKind, message string, err error) *CapabilityError {
	return &CapabilityError{Kind: kind, Message: message, Err: err}
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// ClassifyError maps any error returned from a capability call onto the
// capability error taxonomy. Unrecognized errors become upstream failures
// with a generic message so provider text never leaks into run status.
func ClassifyError(err error) *CapabilityError {
	if err == nil {
		return nil
	}

	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return capErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewCapabilityError(ErrorKindTimeout, "step timed out", err)
	case errors.Is(err, context.Canceled):
		return NewCapabilityError(ErrorKindAborted, "step cancelled", err)
	case IsThrottled(err):
		return NewCapabilityError(ErrorKindRateLimited, "provider throttled the request", err)
	case IsTransient(err):
		return NewCapabilityError(ErrorKindUpstreamFailure, "provider temporarily unavailable", err)
	case IsPermanent(err):
		return NewCapabilityError(ErrorKindInvalidConfig, "provider rejected the request", err)
	}

	return NewCapabilityError(ErrorKindUpstreamFailure, "unclassified provider error", err)
}

// RunErrorKind enumerates why a run ended unsuccessfully.
type RunErrorKind string

const (
	RunErrorNodeFailedCritical RunErrorKind = "NodeFailedCritical"
	RunErrorAborted            RunErrorKind = "Aborted"
	RunErrorLedgerUnavailable  RunErrorKind = "LedgerUnavailable"
)

// RunError describes the run-level failure exposed on ExecutionRun.
type RunError struct {
	Kind    RunErrorKind `json:"kind"`
	NodeID  string       `json:"node_id,omitempty"`
	Message string       `json:"message"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("run error (%s): %s (node=%s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("run error (%s): %s", e.Kind, e.Message)
}
