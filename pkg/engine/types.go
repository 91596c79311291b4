package engine

import (
	"maps"
	"time"
)

// DefaultTriggerNodeID is the node ID given to the trigger when the definition
// does not name it.
const DefaultTriggerNodeID = "trigger"

// Config is the opaque key/value configuration of a node. The engine never
// inspects it; each capability validates its own config at invoke time.
type Config map[string]any

// Output is the opaque result of a capability call, passed to dependent nodes.
type Output map[string]any

// TriggerSpec describes the entry point of a workflow.
type TriggerSpec struct {
	// NodeID is the graph node that represents the trigger. Defaults to "trigger".
	NodeID string `json:"node_id,omitempty"`

	// CapabilityID is the capability invoked with the trigger payload.
	CapabilityID string `json:"capability_id"`

	// Config is the static trigger configuration.
	Config Config `json:"config,omitempty"`

	// Schedule is an optional standard 5-field cron expression.
	Schedule string `json:"schedule,omitempty"`
}

// Node is a single step of a workflow graph.
type Node struct {
	// ID is unique within the graph.
	ID string `json:"node_id"`

	// CapabilityID names the Step Registry entry executed for this node.
	CapabilityID string `json:"capability_id"`

	// Config is passed verbatim to the capability.
	Config Config `json:"config,omitempty"`

	// MaxRetries bounds retries of transient failures.
	MaxRetries int `json:"max_retries"`

	// Timeout bounds a single attempt. Zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Critical nodes fail the whole run when they fail.
	Critical bool `json:"critical,omitempty"`

	// ContinueOnUpstreamFailure runs the node even if a predecessor failed.
	ContinueOnUpstreamFailure bool `json:"continue_on_upstream_failure,omitempty"`

	// FallbackCapabilityID is substituted at most once per run when the
	// primary capability cannot serve the node.
	FallbackCapabilityID string `json:"fallback_capability_id,omitempty"`
}

// Edge expresses that From must complete before To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WorkflowDefinition is an immutable version of a workflow graph.
type WorkflowDefinition struct {
	// ID is assigned at creation and never changes.
	ID string `json:"workflow_id"`

	// Version is monotonic; a structural edit creates a new version.
	Version int `json:"version"`

	// Name is a human-readable name.
	Name string `json:"name"`

	// Description is optional free text.
	Description string `json:"description,omitempty"`

	// Trigger is the entry point of the graph.
	Trigger TriggerSpec `json:"trigger"`

	// Nodes are the steps in declaration order, excluding the trigger.
	Nodes []Node `json:"nodes"`

	// Edges are the ordering constraints between nodes.
	Edges []Edge `json:"edges"`

	// FailurePolicy controls how non-critical failures affect the run status.
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`

	// MaxConcurrency overrides the engine's per-workflow concurrency limit.
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// CreatedAt is when this version was stored.
	CreatedAt time.Time `json:"created_at"`

	// Metadata holds labels such as template name or category.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TriggerNodeID returns the trigger node ID, applying the default.
func (d *WorkflowDefinition) TriggerNodeID() string {
	if d.Trigger.NodeID == "" {
		return DefaultTriggerNodeID
	}
	return d.Trigger.NodeID
}

// PlanNode is a node of a compiled plan with its position in the graph.
type PlanNode struct {
	Node

	// Index is the declaration index; the trigger is 0.
	Index int `json:"index"`

	// Tier is the topological level of the node.
	Tier int `json:"tier"`

	// Predecessors are the direct dependencies in declaration order.
	Predecessors []string `json:"predecessors,omitempty"`

	// Successors are the direct dependents in declaration order.
	Successors []string `json:"successors,omitempty"`
}

// CompiledPlan is the validated, tiered form of a WorkflowDefinition.
// It is never mutated after compilation.
type CompiledPlan struct {
	WorkflowID     string               `json:"workflow_id"`
	Version        int                  `json:"version"`
	TriggerNodeID  string               `json:"trigger_node_id"`
	FailurePolicy  FailurePolicy        `json:"failure_policy"`
	MaxConcurrency int                  `json:"max_concurrency,omitempty"`
	Nodes          map[string]*PlanNode `json:"nodes"`

	// Order lists node IDs in declaration order, trigger first.
	Order []string `json:"order"`

	// Tiers lists node IDs per topological level; within a tier nodes keep
	// declaration order.
	Tiers [][]string `json:"tiers"`
}

// Node returns the plan node with the given ID, or nil.
func (p *CompiledPlan) Node(id string) *PlanNode {
	return p.Nodes[id]
}

// IsCritical reports whether a failure of the node fails the run.
func (p *CompiledPlan) IsCritical(n *PlanNode) bool {
	return n.Critical || p.FailurePolicy == FailurePolicyStrict
}

// NodeState is the per-node view of a run.
type NodeState struct {
	NodeID       string     `json:"node_id"`
	Tier         int        `json:"tier"`
	Status       StepStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	CapabilityID string     `json:"capability_id"`
	Substituted  bool       `json:"substituted,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	Message      string     `json:"message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Output       Output     `json:"output,omitempty"`
}

// ExecutionRun is one firing of a workflow.
type ExecutionRun struct {
	// ID is an opaque token created per trigger firing.
	ID string `json:"run_id"`

	// WorkflowID and Version bind the run to a definition version.
	WorkflowID string `json:"workflow_id"`
	Version    int    `json:"version"`

	// Status is the run state machine position.
	Status RunStatus `json:"status"`

	// StartedAt is when the run was created.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is set once the run is terminal.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Nodes holds per-node state in declaration order.
	Nodes []NodeState `json:"nodes"`

	// Error describes the run-level failure, if any.
	Error *RunError `json:"error,omitempty"`

	// Payload is the trigger payload.
	Payload Output `json:"payload,omitempty"`

	// HeartbeatAt is refreshed by the executing process while the run is
	// active.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// Node returns the state of the given node, or nil.
func (r *ExecutionRun) Node(id string) *NodeState {
	for i := range r.Nodes {
		if r.Nodes[i].NodeID == id {
			return &r.Nodes[i]
		}
	}
	return nil
}

// Duration returns the run duration, or zero while the run is active.
func (r *ExecutionRun) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Clone returns a copy that shares no mutable state with r.
func (r *ExecutionRun) Clone() *ExecutionRun {
	c := *r
	c.Nodes = make([]NodeState, len(r.Nodes))
	copy(c.Nodes, r.Nodes)
	for i := range c.Nodes {
		c.Nodes[i].Output = maps.Clone(r.Nodes[i].Output)
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.HeartbeatAt != nil {
		t := *r.HeartbeatAt
		c.HeartbeatAt = &t
	}
	c.Payload = maps.Clone(r.Payload)
	return &c
}

// StepAttempt is one ledger record. Identity is (RunID, NodeID, Attempt).
type StepAttempt struct {
	RunID        string     `json:"run_id"`
	WorkflowID   string     `json:"workflow_id"`
	Version      int        `json:"version"`
	NodeID       string     `json:"node_id"`
	NodeIndex    int        `json:"node_index"`
	Tier         int        `json:"tier"`
	Attempt      int        `json:"attempt"`
	CapabilityID string     `json:"capability_id"`
	Status       StepStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	Message      string     `json:"message,omitempty"`
	Output       Output     `json:"output,omitempty"`

	// Final marks the attempt that resolved the node.
	Final bool `json:"final"`

	// Resolution is the terminal node state recorded with the final attempt.
	Resolution StepStatus `json:"resolution,omitempty"`

	// Substituted is set on attempts made with the fallback capability.
	Substituted bool `json:"substituted,omitempty"`
}

// Duration returns EndedAt - StartedAt.
func (a StepAttempt) Duration() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}

// RunOutcome is appended to the ledger when a run reaches a terminal state.
type RunOutcome struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	Version    int       `json:"version"`
	Status     RunStatus `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Duration returns EndedAt - StartedAt.
func (o RunOutcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}

// Event is a timeline entry emitted during execution.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	NodeID     string         `json:"node_id,omitempty"`
	Message    string         `json:"message"`
	Level      string         `json:"level"`
	Details    map[string]any `json:"details,omitempty"`
}

// Window bounds an analytics query. Zero values leave that side open.
type Window struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

// Contains reports whether t falls in [From, To).
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}
