package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

var limitsPath = storage.MustParsePath("/froyoflow/limits")

// Engine evaluates Rego policies against workflow definitions. It is the
// engine's admission controller.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	loader   *Loader
	logger   zerolog.Logger
}

var _ engine.AdmissionController = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies and the
// given limits.
func NewEngine(logger zerolog.Logger, limits Limits) (*Engine, error) {
	store := inmem.NewFromObject(map[string]any{
		"froyoflow": map[string]any{
			"limits": limits.document(),
		},
	})

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    store,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Admit implements engine.AdmissionController. A blocking violation is
// returned as a POLICY_DENIED error carrying the violations as a detail.
func (e *Engine) Admit(ctx context.Context, def *engine.WorkflowDefinition) error {
	operation := "create"
	if def.Version > 1 {
		operation = "update"
	}

	result, err := e.Evaluate(ctx, def, operation)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodeInternal).
			WithResource(def.ID)
	}

	for _, v := range result.Violations {
		if !v.Severity.Blocking() {
			e.logger.Warn().
				Str("workflow_id", def.ID).
				Str("policy", v.Policy).
				Str("node_id", v.NodeID).
				Msg(v.Message)
		}
	}

	if result.Allowed {
		return nil
	}

	blocking := result.Blocking()
	msg := fmt.Sprintf("workflow rejected by policy %s: %s", blocking[0].Policy, blocking[0].Message)
	if len(blocking) > 1 {
		msg = fmt.Sprintf("%s (and %d more violations)", msg, len(blocking)-1)
	}

	return engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(def.ID).
		WithOperation(operation).
		WithDetail("violations", blocking)
}

// Evaluate runs every enabled policy against def.
func (e *Engine) Evaluate(ctx context.Context, def *engine.WorkflowDefinition, operation string) (*Result, error) {
	start := time.Now()

	doc, err := workflowDocument(def)
	if err != nil {
		return nil, err
	}
	input := &Input{
		Workflow:  doc,
		Operation: operation,
		Timestamp: start.UTC(),
	}

	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	compiled := make([]*compiledPolicy, len(names))
	for i, name := range names {
		compiled[i] = e.policies[name]
	}
	e.mu.RUnlock()

	result := &Result{Allowed: true, Evaluated: names}
	for _, cp := range compiled {
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("workflow_id", def.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	sort.SliceStable(result.Violations, func(i, j int) bool {
		a, b := result.Violations[i], result.Violations[j]
		if a.Policy != b.Policy {
			return a.Policy < b.Policy
		}
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		return a.Message < b.Message
	})

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
			break
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = result.EvaluatedAt.Sub(start)

	e.logger.Debug().
		Str("workflow_id", def.ID).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Workflow policy evaluation completed")

	return result, nil
}

// workflowDocument converts def to the generic JSON shape Rego sees.
func workflowDocument(def *engine.WorkflowDefinition) (map[string]any, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return doc, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]any)
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// newViolation builds a Violation from one element of a deny set. Elements
// may be plain strings or objects with message, severity and node keys.
func newViolation(p *Policy, result any) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch val := result.(type) {
	case string:
		v.Message = val
	case map[string]any:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
		if node, ok := val["node"].(string); ok {
			v.NodeID = node
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	return v
}

// compile parses and prepares a policy's deny query.
func (e *Engine) compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", p.Name)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// AddPolicy compiles and registers p, replacing any policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := e.compile(ctx, &p)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	e.policies[p.Name] = cp
	e.mu.Unlock()
	return nil
}

// LoadPolicies loads .rego files from paths and replaces every previously
// loaded file policy with them. Nothing changes if any file fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceLoaded(ctx, policies)
}

// Watch loads paths and reloads them whenever a .rego file changes, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceLoaded(ctx, policies)
	})
}

func (e *Engine) replaceLoaded(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Str("source", policies[i].Source).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if cp.policy.Source != "" {
			delete(e.policies, name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// UpdateLimits replaces the data document read by the built-in policies.
func (e *Engine) UpdateLimits(ctx context.Context, limits Limits) error {
	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, limitsPath, limits.document()); err != nil {
		return fmt.Errorf("failed to update policy limits: %w", err)
	}
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all registered policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.Close()
}
