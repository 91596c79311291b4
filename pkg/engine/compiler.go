package engine

import (
	"fmt"
	"slices"
	"strings"
)

// CapabilityCatalog answers whether a capability ID can be executed.
type CapabilityCatalog interface {
	Has(id string) bool
}

// Compiler validates workflow definitions into tiered execution plans.
type Compiler struct {
	catalog CapabilityCatalog
}

// NewCompiler creates a compiler that validates capabilities against catalog.
func NewCompiler(catalog CapabilityCatalog) *Compiler {
	return &Compiler{catalog: catalog}
}

// graphBuilder holds the working state of a single compilation.
type graphBuilder struct {
	triggerID  string
	nodes      map[string]*PlanNode
	order      []string
	successors map[string][]string
	inDegree   map[string]int
	tiers      [][]string
}

type visitColor int

const (
	white visitColor = iota
	gray
	black
)

// Compile turns a definition into a CompiledPlan. On any error no plan is returned.
func (c *Compiler) Compile(def *WorkflowDefinition) (*CompiledPlan, error) {
	if def == nil {
		return nil, &CompileError{Kind: CompileErrorInvalidGraph, Message: "definition is nil"}
	}
	if err := def.FailurePolicy.Validate(); err != nil {
		return nil, &CompileError{Kind: CompileErrorInvalidGraph, Message: err.Error()}
	}

	b := &graphBuilder{}
	if err := b.initialize(def); err != nil {
		return nil, err
	}
	if err := c.checkCapabilities(def); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeTiers(); err != nil {
		return nil, err
	}
	if err := b.checkReachability(); err != nil {
		return nil, err
	}

	policy := def.FailurePolicy
	if policy == "" {
		policy = FailurePolicyTolerate
	}

	return &CompiledPlan{
		WorkflowID:     def.ID,
		Version:        def.Version,
		TriggerNodeID:  b.triggerID,
		FailurePolicy:  policy,
		MaxConcurrency: def.MaxConcurrency,
		Nodes:          b.nodes,
		Order:          b.order,
		Tiers:          b.tiers,
	}, nil
}

// initialize builds the node table and adjacency, rejecting structural problems.
func (b *graphBuilder) initialize(def *WorkflowDefinition) error {
	b.triggerID = def.TriggerNodeID()
	b.nodes = make(map[string]*PlanNode, len(def.Nodes)+1)
	b.successors = make(map[string][]string)
	b.inDegree = make(map[string]int)

	b.addNode(Node{
		ID:           b.triggerID,
		CapabilityID: def.Trigger.CapabilityID,
		Config:       def.Trigger.Config,
		Critical:     true,
	})

	for _, n := range def.Nodes {
		if n.ID == "" {
			return &CompileError{Kind: CompileErrorInvalidGraph, Message: "node ID cannot be empty"}
		}
		if _, exists := b.nodes[n.ID]; exists {
			return &CompileError{Kind: CompileErrorInvalidGraph, NodeID: n.ID, Message: "duplicate node ID"}
		}
		if n.MaxRetries < 0 {
			return &CompileError{Kind: CompileErrorInvalidGraph, NodeID: n.ID, Message: "max_retries cannot be negative"}
		}
		if n.Timeout < 0 {
			return &CompileError{Kind: CompileErrorInvalidGraph, NodeID: n.ID, Message: "timeout cannot be negative"}
		}
		b.addNode(n)
	}

	seen := make(map[Edge]bool, len(def.Edges))
	for _, e := range def.Edges {
		from, ok := b.nodes[e.From]
		if !ok {
			return &CompileError{Kind: CompileErrorInvalidGraph, NodeID: e.From,
				Message: fmt.Sprintf("edge %s -> %s references undeclared node", e.From, e.To)}
		}
		to, ok := b.nodes[e.To]
		if !ok {
			return &CompileError{Kind: CompileErrorInvalidGraph, NodeID: e.To,
				Message: fmt.Sprintf("edge %s -> %s references undeclared node", e.From, e.To)}
		}
		if e.To == b.triggerID && e.From != b.triggerID {
			return &CompileError{Kind: CompileErrorInvalidGraph, NodeID: e.To,
				Message: "trigger node cannot have incoming edges"}
		}
		if seen[e] {
			continue
		}
		seen[e] = true

		b.successors[e.From] = append(b.successors[e.From], e.To)
		from.Successors = append(from.Successors, e.To)
		to.Predecessors = append(to.Predecessors, e.From)
		b.inDegree[e.To]++
	}

	// Keep neighbor lists in declaration order for deterministic traversal.
	for _, n := range b.nodes {
		slices.SortFunc(n.Predecessors, b.byIndex)
		slices.SortFunc(n.Successors, b.byIndex)
		slices.SortFunc(b.successors[n.ID], b.byIndex)
	}

	return nil
}

func (b *graphBuilder) addNode(n Node) {
	b.nodes[n.ID] = &PlanNode{Node: n, Index: len(b.order)}
	b.order = append(b.order, n.ID)
	b.inDegree[n.ID] = 0
}

func (b *graphBuilder) byIndex(x, y string) int {
	return b.nodes[x].Index - b.nodes[y].Index
}

// checkCapabilities verifies that every referenced capability is registered.
func (c *Compiler) checkCapabilities(def *WorkflowDefinition) error {
	if c.catalog == nil {
		return nil
	}

	triggerID := def.TriggerNodeID()
	if !c.catalog.Has(def.Trigger.CapabilityID) {
		return &CompileError{Kind: CompileErrorUnknownCapability, NodeID: triggerID,
			Message: fmt.Sprintf("unknown capability %q", def.Trigger.CapabilityID)}
	}

	for _, n := range def.Nodes {
		if !c.catalog.Has(n.CapabilityID) {
			return &CompileError{Kind: CompileErrorUnknownCapability, NodeID: n.ID,
				Message: fmt.Sprintf("unknown capability %q", n.CapabilityID)}
		}
		if n.FallbackCapabilityID != "" && !c.catalog.Has(n.FallbackCapabilityID) {
			return &CompileError{Kind: CompileErrorUnknownCapability, NodeID: n.ID,
				Message: fmt.Sprintf("unknown fallback capability %q", n.FallbackCapabilityID)}
		}
	}

	return nil
}

// detectCycles runs a colored DFS from every node in declaration order.
func (b *graphBuilder) detectCycles() error {
	colors := make(map[string]visitColor, len(b.nodes))
	path := make([]string, 0, len(b.nodes))

	for _, id := range b.order {
		if colors[id] != white {
			continue
		}
		if cycle := b.visit(id, colors, path); cycle != nil {
			return &CompileError{
				Kind:    CompileErrorCycleDetected,
				NodeID:  cycle[0],
				Path:    cycle,
				Message: "circular dependency detected",
			}
		}
	}

	return nil
}

func (b *graphBuilder) visit(id string, colors map[string]visitColor, path []string) []string {
	colors[id] = gray
	path = append(path, id)

	for _, next := range b.successors[id] {
		switch colors[next] {
		case white:
			if cycle := b.visit(next, colors, path); cycle != nil {
				return cycle
			}
		case gray:
			start := slices.Index(path, next)
			cycle := slices.Clone(path[start:])
			return append(cycle, next)
		}
	}

	colors[id] = black
	return nil
}

// computeTiers assigns topological levels using Kahn's algorithm.
func (b *graphBuilder) computeTiers() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	var current []string
	for _, id := range b.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		tier := len(b.tiers)
		b.tiers = append(b.tiers, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			b.nodes[id].Tier = tier
			for _, succ := range b.successors[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		slices.SortFunc(next, b.byIndex)
		current = next
	}

	if processed != len(b.nodes) {
		return &CompileError{
			Kind: CompileErrorInvalidGraph,
			Message: fmt.Sprintf("topological sort resolved %d of %d nodes",
				processed, len(b.nodes)),
		}
	}

	return nil
}

// checkReachability rejects nodes with no path from the trigger. The first
// unreachable node in declaration order is reported.
func (b *graphBuilder) checkReachability() error {
	reached := map[string]bool{b.triggerID: true}
	queue := []string{b.triggerID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, succ := range b.successors[id] {
			if !reached[succ] {
				reached[succ] = true
				queue = append(queue, succ)
			}
		}
	}

	for _, id := range b.order {
		if !reached[id] {
			return &CompileError{
				Kind:    CompileErrorUnreachableNode,
				NodeID:  id,
				Message: "node is not reachable from the trigger",
			}
		}
	}

	return nil
}

// ToDOT renders a plan in Graphviz DOT format with one cluster per tier.
func ToDOT(plan *CompiledPlan) string {
	var sb strings.Builder

	sb.WriteString("digraph Workflow {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for tier, ids := range plan.Tiers {
		fmt.Fprintf(&sb, "  subgraph cluster_tier_%d {\n", tier)
		fmt.Fprintf(&sb, "    label=\"Tier %d\";\n", tier)
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			n := plan.Nodes[id]
			color := "lightblue"
			if plan.IsCritical(n) {
				color = "lightsalmon"
			}
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, id, n.CapabilityID, color)
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range plan.Order {
		for _, succ := range plan.Nodes[id].Successors {
			fmt.Fprintf(&sb, "  %q -> %q;\n", id, succ)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
