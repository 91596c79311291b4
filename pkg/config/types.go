package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// DefinitionFile is the on-disk form of a workflow definition. YAML, JSON
// and CUE sources all decode into it.
type DefinitionFile struct {
	// ID is optional. An empty ID lets the engine assign one on create.
	ID string `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`

	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Trigger TriggerFile `json:"trigger" yaml:"trigger" validate:"required"`
	Nodes   []NodeFile  `json:"nodes" yaml:"nodes" validate:"dive"`
	Edges   []EdgeFile  `json:"edges,omitempty" yaml:"edges,omitempty" validate:"dive"`

	FailurePolicy  string `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty" validate:"omitempty,oneof=tolerate strict"`
	MaxConcurrency int    `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty" validate:"gte=0"`

	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TriggerFile describes the trigger of a definition file.
type TriggerFile struct {
	NodeID     string         `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	Capability string         `json:"capability_id" yaml:"capability_id" validate:"required"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Schedule   string         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// NodeFile describes one step. DependsOn is shorthand for edges ending at
// this node.
type NodeFile struct {
	ID         string         `json:"node_id" yaml:"node_id" validate:"required"`
	Capability string         `json:"capability_id" yaml:"capability_id" validate:"required"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"gte=0"`
	Timeout    string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Critical                  bool   `json:"critical,omitempty" yaml:"critical,omitempty"`
	ContinueOnUpstreamFailure bool   `json:"continue_on_upstream_failure,omitempty" yaml:"continue_on_upstream_failure,omitempty"`
	Fallback                  string `json:"fallback_capability_id,omitempty" yaml:"fallback_capability_id,omitempty"`
}

// EdgeFile is an explicit ordering constraint.
type EdgeFile struct {
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required"`
}

// ValidationError is a single problem found while loading a source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (v ValidationError) String() string {
	var b strings.Builder
	if v.File != "" {
		b.WriteString(v.File)
		if v.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", v.Line, v.Column)
		}
		b.WriteString(": ")
	}
	if v.Path != "" {
		b.WriteString(v.Path)
		b.WriteString(": ")
	}
	b.WriteString(v.Message)
	return b.String()
}

// LoadError collects every problem found in a source.
type LoadError struct {
	Source string
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("invalid definition %s: %s", e.Source, strings.Join(msgs, "; "))
}

// ToDefinition converts the file form into an engine definition. Graph
// checks are left to the compiler.
func (f *DefinitionFile) ToDefinition() (*engine.WorkflowDefinition, error) {
	def := &engine.WorkflowDefinition{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		Trigger: engine.TriggerSpec{
			NodeID:       f.Trigger.NodeID,
			CapabilityID: f.Trigger.Capability,
			Config:       engine.Config(f.Trigger.Config),
			Schedule:     f.Trigger.Schedule,
		},
		Nodes:          make([]engine.Node, 0, len(f.Nodes)),
		Edges:          make([]engine.Edge, 0, len(f.Edges)),
		FailurePolicy:  engine.FailurePolicy(f.FailurePolicy),
		MaxConcurrency: f.MaxConcurrency,
		Metadata:       f.Metadata,
	}

	for _, n := range f.Nodes {
		var timeout time.Duration
		if n.Timeout != "" {
			d, err := time.ParseDuration(n.Timeout)
			if err != nil {
				return nil, fmt.Errorf("node %s: invalid timeout %q: %w", n.ID, n.Timeout, err)
			}
			timeout = d
		}

		def.Nodes = append(def.Nodes, engine.Node{
			ID:                        n.ID,
			CapabilityID:              n.Capability,
			Config:                    engine.Config(n.Config),
			MaxRetries:                n.MaxRetries,
			Timeout:                   timeout,
			Critical:                  n.Critical,
			ContinueOnUpstreamFailure: n.ContinueOnUpstreamFailure,
			FallbackCapabilityID:      n.Fallback,
		})
	}

	for _, e := range f.Edges {
		def.Edges = append(def.Edges, engine.Edge{From: e.From, To: e.To})
	}
	for _, n := range f.Nodes {
		for _, dep := range n.DependsOn {
			def.Edges = append(def.Edges, engine.Edge{From: dep, To: n.ID})
		}
	}

	return def, nil
}

// FromDefinition converts an engine definition into its file form. Edges
// stay explicit so the result round-trips through ToDefinition.
func FromDefinition(def *engine.WorkflowDefinition) *DefinitionFile {
	f := &DefinitionFile{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Trigger: TriggerFile{
			NodeID:     def.Trigger.NodeID,
			Capability: def.Trigger.CapabilityID,
			Config:     def.Trigger.Config,
			Schedule:   def.Trigger.Schedule,
		},
		Nodes:          make([]NodeFile, 0, len(def.Nodes)),
		Edges:          make([]EdgeFile, 0, len(def.Edges)),
		FailurePolicy:  string(def.FailurePolicy),
		MaxConcurrency: def.MaxConcurrency,
		Metadata:       def.Metadata,
	}

	for _, n := range def.Nodes {
		nf := NodeFile{
			ID:                        n.ID,
			Capability:                n.CapabilityID,
			Config:                    n.Config,
			MaxRetries:                n.MaxRetries,
			Critical:                  n.Critical,
			ContinueOnUpstreamFailure: n.ContinueOnUpstreamFailure,
			Fallback:                  n.FallbackCapabilityID,
		}
		if n.Timeout > 0 {
			nf.Timeout = n.Timeout.String()
		}
		f.Nodes = append(f.Nodes, nf)
	}
	for _, e := range def.Edges {
		f.Edges = append(f.Edges, EdgeFile{From: e.From, To: e.To})
	}

	return f
}
