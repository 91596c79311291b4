package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Options wires the Engine. Only Registry is required; stores default to
// in-memory implementations.
type Options struct {
	Registry    *Registry
	Definitions DefinitionStore
	Runs        RunStore
	Ledger      Ledger

	Scheduler SchedulerConfig
	Healing   HealingConfig

	// Healer overrides the HealingPolicy built from Healing.
	Healer Healer

	PlanCacheSize int
	Admission     AdmissionController
	Events        EventPublisher
	Observer      Observer
	Logger        *zerolog.Logger
	Tracer        trace.Tracer
}

// Engine is the inbound API of the workflow automation engine.
type Engine struct {
	registry  *Registry
	compiler  *Compiler
	defs      DefinitionStore
	runs      RunStore
	ledger    Ledger
	scheduler *Scheduler
	analytics *Analytics
	plans     *PlanCache
	admission AdmissionController
	logger    zerolog.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, NewPermanentError("registry is required", nil).WithCode(ErrCodeValidation)
	}

	if opts.Definitions == nil || opts.Runs == nil {
		mem := NewMemoryStore()
		if opts.Definitions == nil {
			opts.Definitions = mem
		}
		if opts.Runs == nil {
			opts.Runs = mem
		}
	}
	if opts.Ledger == nil {
		opts.Ledger = NewMemoryLedger()
	}
	if opts.Healer == nil {
		opts.Healer = NewHealingPolicy(opts.Healing)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	plans, err := NewPlanCache(opts.PlanCacheSize)
	if err != nil {
		return nil, err
	}

	schedOpts := []SchedulerOption{
		WithLogger(logger),
		WithObserver(opts.Observer),
		WithTracer(opts.Tracer),
	}
	if opts.Events != nil {
		schedOpts = append(schedOpts, WithEventPublisher(opts.Events))
	}

	return &Engine{
		registry:  opts.Registry,
		compiler:  NewCompiler(opts.Registry),
		defs:      opts.Definitions,
		runs:      opts.Runs,
		ledger:    opts.Ledger,
		scheduler: NewScheduler(opts.Registry, opts.Healer, opts.Ledger, opts.Runs, opts.Scheduler, schedOpts...),
		analytics: NewAnalytics(opts.Ledger),
		plans:     plans,
		admission: opts.Admission,
		logger:    logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Registry returns the Step Registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Compile validates a definition without storing it.
func (e *Engine) Compile(def *WorkflowDefinition) (*CompiledPlan, error) {
	return e.compiler.Compile(def)
}

// CreateWorkflow compiles and stores version 1 of a new workflow. A compile
// failure is returned as the *CompileError itself and nothing is stored.
func (e *Engine) CreateWorkflow(ctx context.Context, def WorkflowDefinition) (string, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	} else if _, err := e.defs.GetDefinition(ctx, def.ID, 0); err == nil {
		return "", NewPermanentError("workflow already exists", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(def.ID)
	} else if !IsNotFound(err) {
		return "", fmt.Errorf("failed to check workflow: %w", err)
	}
	def.Version = 1

	if err := e.store(ctx, &def); err != nil {
		return "", err
	}

	e.logger.Info().Str("workflow_id", def.ID).Str("name", def.Name).Int("nodes", len(def.Nodes)).
		Msg("Workflow created")
	return def.ID, nil
}

// UpdateWorkflow stores a new version of an existing workflow. Runs already
// started stay bound to their version.
func (e *Engine) UpdateWorkflow(ctx context.Context, workflowID string, def WorkflowDefinition) (int, error) {
	current, err := e.defs.GetDefinition(ctx, workflowID, 0)
	if err != nil {
		return 0, err
	}
	def.ID = workflowID
	def.Version = current.Version + 1

	if err := e.store(ctx, &def); err != nil {
		return 0, err
	}

	e.logger.Info().Str("workflow_id", def.ID).Int("version", def.Version).Msg("Workflow updated")
	return def.Version, nil
}

func (e *Engine) store(ctx context.Context, def *WorkflowDefinition) error {
	def.CreatedAt = time.Now().UTC()

	plan, err := e.compiler.Compile(def)
	if err != nil {
		return err
	}

	if e.admission != nil {
		if err := e.admission.Admit(ctx, def); err != nil {
			return NewPermanentError("workflow rejected by admission policy", err).
				WithCode(ErrCodePolicyDenied).
				WithResource(def.ID)
		}
	}

	if err := e.defs.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	e.plans.Put(plan)
	return nil
}

// GetWorkflow returns a definition version; version 0 selects the latest.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string, version int) (*WorkflowDefinition, error) {
	return e.defs.GetDefinition(ctx, workflowID, version)
}

// ListWorkflows returns the latest version of every workflow.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*WorkflowDefinition, error) {
	return e.defs.ListDefinitions(ctx)
}

// Plan returns the compiled plan of a workflow version, compiling on a cache miss.
func (e *Engine) Plan(ctx context.Context, workflowID string, version int) (*CompiledPlan, error) {
	def, err := e.defs.GetDefinition(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}
	if plan, ok := e.plans.Get(def.ID, def.Version); ok {
		return plan, nil
	}

	plan, err := e.compiler.Compile(def)
	if err != nil {
		return nil, fmt.Errorf("stored workflow %s@%d no longer compiles: %w", def.ID, def.Version, err)
	}
	e.plans.Put(plan)
	return plan, nil
}

// Trigger starts a run of the latest workflow version.
func (e *Engine) Trigger(ctx context.Context, workflowID string, payload Output) (string, error) {
	plan, err := e.Plan(ctx, workflowID, 0)
	if err != nil {
		return "", err
	}

	runID, err := e.scheduler.Execute(ctx, plan, payload)
	if err != nil {
		return "", err
	}

	e.logger.Info().Str("workflow_id", workflowID).Int("version", plan.Version).Str("run_id", runID).
		Msg("Workflow triggered")
	return runID, nil
}

// GetRunStatus returns the current view of a run.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*ExecutionRun, error) {
	return e.scheduler.Status(ctx, runID)
}

// ListRuns returns runs of a workflow, newest first.
func (e *Engine) ListRuns(ctx context.Context, workflowID string, limit int) ([]*ExecutionRun, error) {
	return e.runs.ListRuns(ctx, workflowID, limit)
}

// GetAttempts returns the ledger records of a run.
func (e *Engine) GetAttempts(ctx context.Context, runID string) ([]StepAttempt, error) {
	return e.ledger.Read(ctx, runID)
}

// GetAnalytics summarizes the ledger for a workflow.
func (e *Engine) GetAnalytics(ctx context.Context, workflowID string, window Window) (*AnalyticsSnapshot, error) {
	if _, err := e.defs.GetDefinition(ctx, workflowID, 0); err != nil {
		return nil, err
	}
	return e.analytics.Summarize(ctx, workflowID, window)
}

// Abort requests cancellation of a run.
func (e *Engine) Abort(ctx context.Context, runID string) error {
	return e.scheduler.Abort(ctx, runID)
}

// Wait blocks until the run is terminal.
func (e *Engine) Wait(ctx context.Context, runID string) (*ExecutionRun, error) {
	return e.scheduler.Wait(ctx, runID)
}

// Recover resumes every run left pending or running in the run store and
// returns the IDs of resumed runs. A run whose heartbeat is younger than the
// lease timeout is still owned by a live executor, possibly in another
// process, and is left alone.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	runs, err := e.runs.ListActiveRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}

	var (
		resumed []string
		errs    []error
	)
	for _, run := range runs {
		if e.scheduler.IsActive(run.ID) {
			continue
		}
		if !e.scheduler.LeaseExpired(run, time.Now().UTC()) {
			e.logger.Info().Str("run_id", run.ID).Time("heartbeat_at", *run.HeartbeatAt).
				Msg("Run is owned by a live executor; not recovering")
			continue
		}

		plan, err := e.Plan(ctx, run.WorkflowID, run.Version)
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
			continue
		}
		attempts, err := e.ledger.Read(ctx, run.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: failed to read ledger: %w", run.ID, err))
			continue
		}
		if err := e.scheduler.Resume(ctx, plan, run, attempts); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
			continue
		}
		resumed = append(resumed, run.ID)
	}

	if len(resumed) > 0 {
		e.logger.Info().Int("runs", len(resumed)).Msg("Recovered interrupted runs")
	}
	return resumed, errors.Join(errs...)
}

// Close waits for active runs to finish.
func (e *Engine) Close(ctx context.Context) error {
	return e.scheduler.Close(ctx)
}
