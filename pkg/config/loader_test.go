package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

const yamlDefinition = `
name: Lead intake
failure_policy: strict
max_concurrency: 2
trigger:
  capability_id: webhook
  config:
    path: /hooks/leads
nodes:
  - node_id: enrich
    capability_id: http-request
    depends_on: [trigger]
    max_retries: 3
    timeout: 1500ms
    config:
      url: https://example.com/enrich
  - node_id: score
    capability_id: transform
    depends_on: [enrich]
    critical: true
    config:
      script: "score = 1"
  - node_id: notify
    capability_id: log
    fallback_capability_id: noop
edges:
  - from: score
    to: notify
`

const jsonDefinition = `{
  "name": "Lead intake",
  "trigger": {"capability_id": "manual", "schedule": "0 * * * *"},
  "nodes": [
    {"node_id": "a", "capability_id": "noop", "depends_on": ["trigger"], "max_retries": 2},
    {"node_id": "b", "capability_id": "noop", "depends_on": ["a"], "timeout": "2s"}
  ]
}`

const cueDefinition = `
workflow: {
	name: "Lead intake"
	trigger: capability_id: "manual"
	nodes: [
		{node_id: "a", capability_id: "noop", depends_on: ["trigger"]},
		{node_id: "b", capability_id: "noop", depends_on: ["a"], continue_on_upstream_failure: true},
	]
}
`

func passThrough(_ context.Context, _ engine.Config, input engine.Output) (engine.Output, error) {
	return input, nil
}

func newTestLoader(t *testing.T) *DefinitionLoader {
	t.Helper()
	l, err := NewDefinitionLoader()
	if err != nil {
		t.Fatalf("NewDefinitionLoader failed: %v", err)
	}
	return l
}

func TestParseYAML(t *testing.T) {
	def, err := newTestLoader(t).Parse("lead.yaml", []byte(yamlDefinition), FormatYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if def.Name != "Lead intake" || def.FailurePolicy != engine.FailurePolicyStrict || def.MaxConcurrency != 2 {
		t.Errorf("unexpected header: %+v", def)
	}
	if def.Trigger.CapabilityID != "webhook" || def.Trigger.Config["path"] != "/hooks/leads" {
		t.Errorf("unexpected trigger: %+v", def.Trigger)
	}
	if len(def.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(def.Nodes))
	}

	enrich := def.Nodes[0]
	if enrich.MaxRetries != 3 || enrich.Timeout != 1500*time.Millisecond {
		t.Errorf("unexpected enrich node: %+v", enrich)
	}
	if !def.Nodes[1].Critical || def.Nodes[2].FallbackCapabilityID != "noop" {
		t.Errorf("node options not decoded: %+v", def.Nodes)
	}

	// Explicit edges come first, then depends_on in node order.
	want := []engine.Edge{
		{From: "score", To: "notify"},
		{From: "trigger", To: "enrich"},
		{From: "enrich", To: "score"},
	}
	if len(def.Edges) != len(want) {
		t.Fatalf("edges = %v, want %v", def.Edges, want)
	}
	for i := range want {
		if def.Edges[i] != want[i] {
			t.Errorf("edge %d = %v, want %v", i, def.Edges[i], want[i])
		}
	}
}

func TestParseJSONAndCUE(t *testing.T) {
	l := newTestLoader(t)

	jdef, err := l.Parse("lead.json", []byte(jsonDefinition), FormatJSON)
	if err != nil {
		t.Fatalf("Parse JSON failed: %v", err)
	}
	if jdef.Trigger.Schedule != "0 * * * *" || jdef.Nodes[0].MaxRetries != 2 || jdef.Nodes[1].Timeout != 2*time.Second {
		t.Errorf("unexpected JSON definition: %+v", jdef)
	}

	cdef, err := l.Parse("lead.cue", []byte(cueDefinition), FormatCUE)
	if err != nil {
		t.Fatalf("Parse CUE failed: %v", err)
	}
	if len(cdef.Nodes) != 2 || !cdef.Nodes[1].ContinueOnUpstreamFailure {
		t.Errorf("unexpected CUE definition: %+v", cdef)
	}
	if len(cdef.Edges) != 2 || cdef.Edges[1] != (engine.Edge{From: "a", To: "b"}) {
		t.Errorf("unexpected CUE edges: %v", cdef.Edges)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		source  string
		wantMsg string
	}{
		{
			name:    "missing name",
			format:  FormatYAML,
			source:  "trigger: {capability_id: manual}\nnodes: []\n",
			wantMsg: "name",
		},
		{
			name:    "unknown field",
			format:  FormatYAML,
			source:  "name: x\ntrigger: {capability_id: manual}\nnodes: []\nretries: 3\n",
			wantMsg: "retries",
		},
		{
			name:    "negative retries",
			format:  FormatJSON,
			source:  `{"name": "x", "trigger": {"capability_id": "manual"}, "nodes": [{"node_id": "a", "capability_id": "noop", "max_retries": -1}]}`,
			wantMsg: "max_retries",
		},
		{
			name:    "bad duration",
			format:  FormatYAML,
			source:  "name: x\ntrigger: {capability_id: manual}\nnodes:\n  - {node_id: a, capability_id: noop, timeout: soon}\n",
			wantMsg: "timeout",
		},
		{
			name:    "bad failure policy",
			format:  FormatYAML,
			source:  "name: x\nfailure_policy: lenient\ntrigger: {capability_id: manual}\nnodes: []\n",
			wantMsg: "failure_policy",
		},
		{
			name:    "malformed yaml",
			format:  FormatYAML,
			source:  "name: [unclosed\n",
			wantMsg: "",
		},
	}

	l := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Parse("bad."+string(tt.format), []byte(tt.source), tt.format)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var loadErr *LoadError
			if !errors.As(err, &loadErr) {
				t.Fatalf("expected *LoadError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml":    yamlDefinition,
		"b.json":    jsonDefinition,
		"c.cue":     cueDefinition,
		"notes.txt": "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	defs, err := newTestLoader(t).LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	if _, ok := defs[filepath.Join(dir, "b.json")]; !ok {
		t.Error("b.json not loaded")
	}

	if _, err := newTestLoader(t).LoadFile(filepath.Join(dir, "notes.txt")); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestDefinitionFileRoundTrip(t *testing.T) {
	l := newTestLoader(t)
	def, err := l.Parse("lead.yaml", []byte(yamlDefinition), FormatYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	back, err := FromDefinition(def).ToDefinition()
	if err != nil {
		t.Fatalf("ToDefinition failed: %v", err)
	}
	if len(back.Edges) != len(def.Edges) || back.Nodes[0].Timeout != def.Nodes[0].Timeout {
		t.Errorf("round trip changed definition: %+v", back)
	}
}

func TestParsedDefinitionCompiles(t *testing.T) {
	def, err := newTestLoader(t).Parse("lead.json", []byte(jsonDefinition), FormatJSON)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	registry, err := engine.NewRegistry(
		engine.Capability{ID: "manual", Execute: passThrough},
		engine.Capability{ID: "noop", Execute: passThrough},
	)
	if err != nil {
		t.Fatal(err)
	}

	plan, err := engine.NewCompiler(registry).Compile(def)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if len(plan.Tiers) != 3 {
		t.Errorf("expected 3 tiers, got %v", plan.Tiers)
	}
}
