package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks admission.
	SeverityError Severity = "error"

	// SeverityCritical blocks admission.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a definition.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. Violations are collected from its
	// "deny" set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Severity of this violation.
	Severity Severity `json:"severity"`

	// Message describes the violation.
	Message string `json:"message"`

	// NodeID is the offending node, if any.
	NodeID string `json:"node_id,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against one
// workflow definition.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are sorted by policy, node and message.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// Evaluated lists the policies that ran.
	Evaluated []string `json:"evaluated"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Blocking returns the violations that reject the definition.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document bound to "input" during evaluation.
type Input struct {
	// Workflow is the definition in its JSON form. Node timeouts are
	// nanoseconds.
	Workflow map[string]any `json:"workflow"`

	// Operation is "create", "update" or "validate".
	Operation string `json:"operation"`

	Timestamp time.Time `json:"timestamp"`
}

// Limits is the data document the built-in policies read from
// data.froyoflow.limits.
type Limits struct {
	// MaxNodes bounds the number of nodes, excluding the trigger.
	MaxNodes int `json:"max_nodes" yaml:"max_nodes"`

	// MaxRetries bounds each node's retry budget.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// MaxConcurrency bounds a workflow's concurrency override.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	// MaxNodeTimeout is the longest per-attempt timeout accepted without a
	// warning.
	MaxNodeTimeout time.Duration `json:"max_node_timeout" yaml:"max_node_timeout"`

	// RestrictedCapabilities may not be used by any node, fallback or trigger.
	RestrictedCapabilities []string `json:"restricted_capabilities" yaml:"restricted_capabilities"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxNodes:               200,
		MaxRetries:             10,
		MaxConcurrency:         64,
		MaxNodeTimeout:         time.Hour,
		RestrictedCapabilities: []string{},
	}
}

// document renders limits for the policy store.
func (l Limits) document() map[string]any {
	restricted := make([]any, 0, len(l.RestrictedCapabilities))
	for _, c := range l.RestrictedCapabilities {
		restricted = append(restricted, c)
	}
	return map[string]any{
		"max_nodes":               l.MaxNodes,
		"max_retries":             l.MaxRetries,
		"max_concurrency":         l.MaxConcurrency,
		"max_node_timeout":        int64(l.MaxNodeTimeout),
		"restricted_capabilities": restricted,
	}
}
