package engine

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

type staticCatalog map[string]bool

func (c staticCatalog) Has(id string) bool { return c[id] }

func testCatalog() staticCatalog {
	return staticCatalog{"manual": true, "noop": true, "send-email": true, "append-row": true}
}

func node(id string) Node {
	return Node{ID: id, CapabilityID: "noop", Config: Config{"name": id}, Timeout: time.Second}
}

func diamondDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:      "wf-diamond",
		Version: 1,
		Name:    "diamond",
		Trigger: TriggerSpec{CapabilityID: "manual"},
		Nodes:   []Node{node("A"), node("B"), node("C"), node("D")},
		Edges: []Edge{
			{From: "trigger", To: "A"},
			{From: "A", To: "B"},
			{From: "A", To: "C"},
			{From: "B", To: "D"},
			{From: "C", To: "D"},
		},
	}
}

func compileErrorKind(t *testing.T, err error) *CompileError {
	t.Helper()
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected *CompileError, got %T: %v", err, err)
	}
	return ce
}

func TestCompiler_Compile_Diamond(t *testing.T) {
	plan, err := NewCompiler(testCatalog()).Compile(diamondDefinition())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"trigger"}, {"A"}, {"B", "C"}, {"D"}}
	if len(plan.Tiers) != len(expected) {
		t.Fatalf("Expected %d tiers, got %d: %v", len(expected), len(plan.Tiers), plan.Tiers)
	}
	for i := range expected {
		if !slices.Equal(plan.Tiers[i], expected[i]) {
			t.Errorf("Tier %d: expected %v, got %v", i, expected[i], plan.Tiers[i])
		}
	}

	if plan.TriggerNodeID != "trigger" {
		t.Errorf("Expected trigger node 'trigger', got %s", plan.TriggerNodeID)
	}
	if plan.FailurePolicy != FailurePolicyTolerate {
		t.Errorf("Expected default failure policy tolerate, got %s", plan.FailurePolicy)
	}
	if !slices.Equal(plan.Node("D").Predecessors, []string{"B", "C"}) {
		t.Errorf("Expected D predecessors [B C], got %v", plan.Node("D").Predecessors)
	}
	if plan.Node("C").Index != 3 {
		t.Errorf("Expected C declaration index 3, got %d", plan.Node("C").Index)
	}
}

func TestCompiler_Compile_TierOrderFollowsDeclaration(t *testing.T) {
	def := &WorkflowDefinition{
		Trigger: TriggerSpec{CapabilityID: "manual"},
		Nodes:   []Node{node("zeta"), node("alpha"), node("mid")},
		Edges: []Edge{
			{From: "trigger", To: "mid"},
			{From: "trigger", To: "alpha"},
			{From: "trigger", To: "zeta"},
		},
	}

	plan, err := NewCompiler(testCatalog()).Compile(def)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !slices.Equal(plan.Tiers[1], []string{"zeta", "alpha", "mid"}) {
		t.Errorf("Expected declaration order [zeta alpha mid], got %v", plan.Tiers[1])
	}
}

func TestCompiler_Compile_EdgesRespectTiers(t *testing.T) {
	def := &WorkflowDefinition{
		Trigger: TriggerSpec{CapabilityID: "manual"},
		Nodes:   []Node{node("a"), node("b"), node("c"), node("d"), node("e"), node("f")},
		Edges: []Edge{
			{From: "trigger", To: "a"},
			{From: "trigger", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "c"},
			{From: "trigger", To: "d"},
			{From: "c", To: "e"},
			{From: "d", To: "e"},
			{From: "a", To: "f"},
			{From: "e", To: "f"},
		},
	}

	plan, err := NewCompiler(testCatalog()).Compile(def)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, e := range def.Edges {
		if plan.Node(e.From).Tier >= plan.Node(e.To).Tier {
			t.Errorf("Edge %s -> %s: tier %d is not before tier %d",
				e.From, e.To, plan.Node(e.From).Tier, plan.Node(e.To).Tier)
		}
	}
}

func TestCompiler_Compile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *WorkflowDefinition)
		kind   CompileErrorKind
		nodeID string
	}{
		{
			name:   "unknown capability",
			mutate: func(d *WorkflowDefinition) { d.Nodes[1].CapabilityID = "teleport" },
			kind:   CompileErrorUnknownCapability,
			nodeID: "B",
		},
		{
			name:   "unknown trigger capability",
			mutate: func(d *WorkflowDefinition) { d.Trigger.CapabilityID = "carrier-pigeon" },
			kind:   CompileErrorUnknownCapability,
			nodeID: "trigger",
		},
		{
			name:   "unknown fallback capability",
			mutate: func(d *WorkflowDefinition) { d.Nodes[0].FallbackCapabilityID = "teleport" },
			kind:   CompileErrorUnknownCapability,
			nodeID: "A",
		},
		{
			name:   "cycle",
			mutate: func(d *WorkflowDefinition) { d.Edges = append(d.Edges, Edge{From: "D", To: "A"}) },
			kind:   CompileErrorCycleDetected,
			nodeID: "A",
		},
		{
			name:   "self loop",
			mutate: func(d *WorkflowDefinition) { d.Edges = append(d.Edges, Edge{From: "C", To: "C"}) },
			kind:   CompileErrorCycleDetected,
			nodeID: "C",
		},
		{
			name:   "unreachable node",
			mutate: func(d *WorkflowDefinition) { d.Nodes = append(d.Nodes, node("orphan")) },
			kind:   CompileErrorUnreachableNode,
			nodeID: "orphan",
		},
		{
			name:   "duplicate node",
			mutate: func(d *WorkflowDefinition) { d.Nodes = append(d.Nodes, node("B")) },
			kind:   CompileErrorInvalidGraph,
			nodeID: "B",
		},
		{
			name:   "node shadows trigger",
			mutate: func(d *WorkflowDefinition) { d.Nodes = append(d.Nodes, node("trigger")) },
			kind:   CompileErrorInvalidGraph,
			nodeID: "trigger",
		},
		{
			name:   "dangling edge",
			mutate: func(d *WorkflowDefinition) { d.Edges = append(d.Edges, Edge{From: "D", To: "ghost"}) },
			kind:   CompileErrorInvalidGraph,
			nodeID: "ghost",
		},
		{
			name:   "edge into trigger",
			mutate: func(d *WorkflowDefinition) { d.Edges = append(d.Edges, Edge{From: "D", To: "trigger"}) },
			kind:   CompileErrorInvalidGraph,
			nodeID: "trigger",
		},
		{
			name:   "negative retries",
			mutate: func(d *WorkflowDefinition) { d.Nodes[2].MaxRetries = -1 },
			kind:   CompileErrorInvalidGraph,
			nodeID: "C",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := diamondDefinition()
			tt.mutate(def)

			plan, err := NewCompiler(testCatalog()).Compile(def)
			if plan != nil {
				t.Fatalf("Expected no plan on error, got %+v", plan)
			}
			ce := compileErrorKind(t, err)
			if ce.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s (%v)", tt.kind, ce.Kind, ce)
			}
			if ce.NodeID != tt.nodeID {
				t.Errorf("Expected node %s, got %s", tt.nodeID, ce.NodeID)
			}
		})
	}
}

func TestCompiler_Compile_CyclePath(t *testing.T) {
	def := &WorkflowDefinition{
		Trigger: TriggerSpec{CapabilityID: "manual"},
		Nodes:   []Node{node("a"), node("b"), node("c")},
		Edges: []Edge{
			{From: "trigger", To: "a"},
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "a"},
		},
	}

	_, err := NewCompiler(testCatalog()).Compile(def)
	ce := compileErrorKind(t, err)

	if !slices.Equal(ce.Path, []string{"a", "b", "c", "a"}) {
		t.Errorf("Expected cycle path [a b c a], got %v", ce.Path)
	}
	if !strings.Contains(ce.Error(), "a -> b -> c -> a") {
		t.Errorf("Expected formatted cycle in message, got %q", ce.Error())
	}
}

func TestCompiler_Compile_CustomTriggerNode(t *testing.T) {
	def := &WorkflowDefinition{
		Trigger: TriggerSpec{NodeID: "new-order", CapabilityID: "manual"},
		Nodes:   []Node{node("ship")},
		Edges:   []Edge{{From: "new-order", To: "ship"}},
	}

	plan, err := NewCompiler(testCatalog()).Compile(def)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if plan.TriggerNodeID != "new-order" {
		t.Errorf("Expected trigger node new-order, got %s", plan.TriggerNodeID)
	}
	if !plan.IsCritical(plan.Node("new-order")) {
		t.Error("Expected trigger node to be critical")
	}
}

func TestCompiler_Compile_DuplicateEdgesCollapsed(t *testing.T) {
	def := diamondDefinition()
	def.Edges = append(def.Edges, Edge{From: "A", To: "B"})

	plan, err := NewCompiler(testCatalog()).Compile(def)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Node("B").Predecessors) != 1 {
		t.Errorf("Expected 1 predecessor for B, got %v", plan.Node("B").Predecessors)
	}
}

func TestCompiler_Compile_StrictPolicy(t *testing.T) {
	def := diamondDefinition()
	def.FailurePolicy = FailurePolicyStrict

	plan, err := NewCompiler(testCatalog()).Compile(def)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !plan.IsCritical(plan.Node("B")) {
		t.Error("Expected every node to be critical under strict policy")
	}

	def.FailurePolicy = "lenient"
	if _, err := NewCompiler(testCatalog()).Compile(def); err == nil {
		t.Error("Expected error for unknown failure policy")
	}
}

func TestToDOT(t *testing.T) {
	plan, err := NewCompiler(testCatalog()).Compile(diamondDefinition())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := ToDOT(plan)
	for _, want := range []string{"digraph Workflow", "cluster_tier_2", `"A" -> "B"`, `"C" -> "D"`} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q", want)
		}
	}
}
