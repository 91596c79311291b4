package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/openfroyo/froyoflow/pkg/engine"

// SchedulerConfig bounds concurrency and sets step defaults.
type SchedulerConfig struct {
	// GlobalConcurrency caps in-flight capability calls across all runs.
	GlobalConcurrency int

	// WorkflowConcurrency caps in-flight calls per workflow unless the
	// definition sets MaxConcurrency.
	WorkflowConcurrency int

	// DefaultTimeout applies to nodes without a timeout.
	DefaultTimeout time.Duration

	// AbortMode selects graceful or cooperative handling of in-flight calls.
	AbortMode AbortMode

	// HeartbeatInterval is how often a live run refreshes its stored view.
	HeartbeatInterval time.Duration

	// LeaseTimeout is how long after its last heartbeat a stored run is
	// considered orphaned and may be recovered by another process.
	LeaseTimeout time.Duration
}

// DefaultSchedulerConfig returns the default scheduler settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		GlobalConcurrency:   16,
		WorkflowConcurrency: 4,
		DefaultTimeout:      30 * time.Second,
		AbortMode:           AbortModeGraceful,
		HeartbeatInterval:   10 * time.Second,
		LeaseTimeout:        30 * time.Second,
	}
}

// Invoker executes a capability. *Registry implements it.
type Invoker interface {
	Invoke(ctx context.Context, capabilityID string, config Config, input Output) (Output, error)
}

// Scheduler executes compiled plans tier by tier. Nodes within a tier run in
// parallel, bounded by a global and a per-workflow semaphore.
type Scheduler struct {
	invoker  Invoker
	healer   Healer
	ledger   Ledger
	runs     RunStore
	events   EventPublisher
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer
	cfg      SchedulerConfig
	global   *semaphore.Weighted

	mu        sync.Mutex
	active    map[string]*runState
	workflows map[string]*workflowLimit
	closed    bool
	wg        sync.WaitGroup
}

// workflowLimit is the semaphore shared by the executing runs of a workflow.
// Its size is fixed while runs hold it; a changed max_concurrency applies
// once the workflow has no executing runs.
type workflowLimit struct {
	size int
	sem  *semaphore.Weighted
	runs int
}

// SchedulerOption configures optional scheduler collaborators.
type SchedulerOption func(*Scheduler)

// WithEventPublisher sets the event sink.
func WithEventPublisher(p EventPublisher) SchedulerOption {
	return func(s *Scheduler) { s.events = p }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l.With().Str("component", "scheduler").Logger() }
}

// WithTracer sets the tracer used for run and step spans.
func WithTracer(t trace.Tracer) SchedulerOption {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(
	invoker Invoker,
	healer Healer,
	ledger Ledger,
	runs RunStore,
	cfg SchedulerConfig,
	opts ...SchedulerOption,
) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = def.GlobalConcurrency
	}
	if cfg.WorkflowConcurrency <= 0 {
		cfg.WorkflowConcurrency = def.WorkflowConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.AbortMode == "" {
		cfg.AbortMode = def.AbortMode
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = max(def.LeaseTimeout, 3*cfg.HeartbeatInterval)
	}

	s := &Scheduler{
		invoker:   invoker,
		healer:    healer,
		ledger:    ledger,
		runs:      runs,
		observer:  noopObserver{},
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
		global:    semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		active:    make(map[string]*runState),
		workflows: make(map[string]*workflowLimit),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// runState is the live state of one executing run.
type runState struct {
	plan   *CompiledPlan
	sem    *semaphore.Weighted
	limit  int
	logger zerolog.Logger

	mu        sync.Mutex
	run       *ExecutionRun
	outputs   map[string]Output
	resolved  map[string]StepStatus
	history   map[string][]StepAttempt
	critical  string
	finishing bool

	saveMu sync.Mutex

	aborted        atomic.Bool
	ledgerErr      error
	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	stepParent     context.Context
	done           chan struct{}
}

// Execute starts a run of plan with the trigger payload and returns its ID.
// The run proceeds in the background.
func (s *Scheduler) Execute(ctx context.Context, plan *CompiledPlan, payload Output) (string, error) {
	if plan == nil || len(plan.Tiers) == 0 {
		return "", NewPermanentError("plan is empty", nil).WithCode(ErrCodeValidation)
	}

	run := &ExecutionRun{
		ID:         uuid.New().String(),
		WorkflowID: plan.WorkflowID,
		Version:    plan.Version,
		Status:     RunStatusPending,
		StartedAt:  time.Now().UTC(),
		Nodes:      make([]NodeState, 0, len(plan.Order)),
		Payload:    maps.Clone(payload),
	}
	for _, id := range plan.Order {
		n := plan.Nodes[id]
		run.Nodes = append(run.Nodes, NodeState{
			NodeID:       id,
			Tier:         n.Tier,
			Status:       StepStatusPending,
			CapabilityID: n.CapabilityID,
		})
	}

	if err := s.runs.SaveRun(ctx, run); err != nil {
		return "", fmt.Errorf("failed to save run: %w", err)
	}

	if err := s.launch(s.newRunState(plan, run)); err != nil {
		return "", err
	}
	return run.ID, nil
}

// Resume continues a run that was interrupted, typically by a process crash.
// Nodes with a final ledger attempt keep their recorded resolution; the rest
// are replayed and their attempt numbering continues.
func (s *Scheduler) Resume(_ context.Context, plan *CompiledPlan, run *ExecutionRun, attempts []StepAttempt) error {
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrRunTerminal, run.ID)
	}

	rs := s.newRunState(plan, run.Clone())
	for _, a := range attempts {
		rs.history[a.NodeID] = append(rs.history[a.NodeID], a)
	}

	for i := range rs.run.Nodes {
		st := &rs.run.Nodes[i]
		hist := rs.history[st.NodeID]
		st.Attempts = len(hist)
		if len(hist) == 0 {
			st.Status = StepStatusPending
			continue
		}

		last := hist[len(hist)-1]
		st.CapabilityID = last.CapabilityID
		st.Substituted = last.Substituted
		st.ErrorKind = last.ErrorKind
		st.Message = last.Message
		if !last.Final {
			st.Status = StepStatusPending
			continue
		}

		ended := last.EndedAt
		st.Status = last.Resolution
		st.EndedAt = &ended
		st.Output = maps.Clone(last.Output)
		rs.resolved[st.NodeID] = last.Resolution
		if last.Resolution == StepStatusSucceeded {
			rs.outputs[st.NodeID] = last.Output
		}
		if last.Resolution == StepStatusFailed && rs.critical == "" {
			if n := plan.Node(st.NodeID); n != nil && plan.IsCritical(n) {
				rs.critical = st.NodeID
			}
		}
	}

	rs.logger.Info().Int("resolved_nodes", len(rs.resolved)).Msg("Resuming run")
	return s.launch(rs)
}

func (s *Scheduler) newRunState(plan *CompiledPlan, run *ExecutionRun) *runState {
	sem, limit := s.workflowSemaphore(plan)

	dispatchCtx, cancel := context.WithCancel(context.Background())
	stepParent := context.WithoutCancel(dispatchCtx)
	if s.cfg.AbortMode == AbortModeCooperative {
		stepParent = dispatchCtx
	}

	return &runState{
		plan:  plan,
		sem:   sem,
		limit: limit,
		logger: s.logger.With().
			Str("run_id", run.ID).
			Str("workflow_id", run.WorkflowID).
			Int("version", run.Version).
			Logger(),
		run:            run,
		outputs:        make(map[string]Output),
		resolved:       make(map[string]StepStatus),
		history:        make(map[string][]StepAttempt),
		dispatchCtx:    dispatchCtx,
		cancelDispatch: cancel,
		stepParent:     stepParent,
		done:           make(chan struct{}),
	}
}

// workflowSemaphore returns the semaphore shared by all runs of a workflow
// and registers one more run holding it. Every version and resumed run of a
// workflow shares one bound.
func (s *Scheduler) workflowSemaphore(plan *CompiledPlan) (*semaphore.Weighted, int) {
	limit := plan.MaxConcurrency
	if limit <= 0 {
		limit = s.cfg.WorkflowConcurrency
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wl, ok := s.workflows[plan.WorkflowID]
	switch {
	case !ok || (wl.runs == 0 && wl.size != limit):
		wl = &workflowLimit{size: limit, sem: semaphore.NewWeighted(int64(limit))}
		s.workflows[plan.WorkflowID] = wl
	case wl.size != limit:
		s.logger.Debug().
			Str("workflow_id", plan.WorkflowID).
			Int("limit", wl.size).
			Int("requested", limit).
			Msg("Concurrency change deferred until executing runs finish")
	}
	wl.runs++
	return wl.sem, wl.size
}

func (s *Scheduler) launch(rs *runState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		rs.cancelDispatch()
		s.dropWorkflowLocked(rs.run.WorkflowID)
		return NewPermanentError("scheduler is closed", nil).WithCode(ErrCodeInvalidState)
	}
	if _, exists := s.active[rs.run.ID]; exists {
		rs.cancelDispatch()
		s.dropWorkflowLocked(rs.run.WorkflowID)
		return NewPermanentError("run is already executing", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(rs.run.ID)
	}
	s.active[rs.run.ID] = rs
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(rs.done)
		defer rs.cancelDispatch()

		s.executeRun(rs)

		s.mu.Lock()
		delete(s.active, rs.run.ID)
		s.dropWorkflowLocked(rs.run.WorkflowID)
		s.mu.Unlock()
	}()

	return nil
}

// dropWorkflowLocked releases a run's hold on its workflow semaphore.
func (s *Scheduler) dropWorkflowLocked(workflowID string) {
	if wl, ok := s.workflows[workflowID]; ok && wl.runs > 0 {
		wl.runs--
	}
}

// executeRun processes tiers in order with a strict barrier between them.
func (s *Scheduler) executeRun(rs *runState) {
	ctx, span := s.tracer.Start(context.Background(), "workflow.run",
		trace.WithAttributes(
			attribute.String("run.id", rs.run.ID),
			attribute.String("workflow.id", rs.run.WorkflowID),
			attribute.Int("workflow.version", rs.run.Version),
		))
	defer span.End()

	rs.mu.Lock()
	rs.run.Status = RunStatusRunning
	rs.mu.Unlock()
	s.persist(ctx, rs)

	s.observer.RunStarted(rs.run.WorkflowID)
	s.publish(ctx, rs, EventTypeRunStarted, "", "info", "Run started", nil)
	rs.logger.Info().Int("tiers", len(rs.plan.Tiers)).Msg("Run started")

	stopHeartbeat := s.heartbeat(ctx, rs)
	for tier, ids := range rs.plan.Tiers {
		if rs.halted() || rs.criticalNode() != "" || s.finishedElsewhere(ctx, rs) {
			break
		}
		s.executeTier(ctx, rs, tier, ids)
	}
	stopHeartbeat()

	status := s.finish(ctx, rs)
	if status != RunStatusSucceeded {
		span.SetStatus(codes.Error, string(status))
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// heartbeat periodically saves the run view so other processes see the run
// as owned. It returns a function that stops it.
func (s *Scheduler) heartbeat(ctx context.Context, rs *runState) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.persist(ctx, rs)
			case <-stop:
				return
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

// finishedElsewhere reports whether the stored run was made terminal by
// another process, and stops the run if so.
func (s *Scheduler) finishedElsewhere(ctx context.Context, rs *runState) bool {
	stored, err := s.runs.GetRun(ctx, rs.run.ID)
	if err != nil {
		rs.logger.Debug().Err(err).Msg("Failed to re-read run state")
		return false
	}
	if !stored.Status.IsTerminal() {
		return false
	}
	s.stopExternal(rs)
	return true
}

func (s *Scheduler) stopExternal(rs *runState) {
	if rs.requestAbort() {
		rs.logger.Warn().Msg("Run was finished by another process; stopping")
	}
}

// executeTier runs the nodes of one tier with a worker pool and returns once
// every node is resolved.
func (s *Scheduler) executeTier(ctx context.Context, rs *runState, tier int, ids []string) {
	workerCount := min(len(ids), rs.limit)

	workQueue := make(chan *PlanNode, len(ids))
	for _, id := range ids {
		workQueue <- rs.plan.Nodes[id]
	}
	close(workQueue)

	rs.logger.Debug().Int("tier", tier).Int("nodes", len(ids)).Int("workers", workerCount).Msg("Dispatching tier")

	var wg sync.WaitGroup
	for range workerCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for node := range workQueue {
				s.resolveNode(ctx, rs, node)
			}
		}()
	}
	wg.Wait()
}

// resolveNode drives a node to a terminal state, consulting the healer on
// every failed attempt.
func (s *Scheduler) resolveNode(ctx context.Context, rs *runState, node *PlanNode) {
	if rs.isResolved(node.ID) || rs.halted() {
		return
	}

	if failed := rs.failedPredecessor(node); failed != "" && !node.ContinueOnUpstreamFailure {
		s.cascadeSkip(ctx, rs, node, failed)
		return
	}

	input := rs.inputFor(node)
	capabilityID, attemptOnCap, substituted := rs.resumePoint(node)
	critical := rs.plan.IsCritical(node)
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	logger := rs.logger.With().Str("node_id", node.ID).Logger()

	for {
		if rs.aborted.Load() {
			s.abandon(ctx, rs, node)
			return
		}
		if rs.ledgerFailure() != nil {
			return
		}

		if err := s.acquire(rs); err != nil {
			s.abandon(ctx, rs, node)
			return
		}

		attemptOnCap++
		started := time.Now().UTC()
		rs.markRunning(node.ID, capabilityID, substituted, started)
		s.persist(ctx, rs)
		s.publish(ctx, rs, EventTypeNodeStarted, node.ID, "info",
			fmt.Sprintf("Started %s with %s", node.ID, capabilityID), nil)

		out, err := s.invoke(ctx, rs, node, capabilityID, input, timeout)
		s.release(rs)
		ended := time.Now().UTC()

		if err == nil {
			s.recordSuccess(ctx, rs, node, capabilityID, substituted, started, ended, out)
			return
		}

		capErr := ClassifyError(err)
		logger.Debug().Err(err).Str("capability_id", capabilityID).Msg("Capability call failed")

		decision := s.healer.OnFailure(Failure{
			Node:        node,
			Critical:    critical,
			Attempt:     attemptOnCap,
			Substituted: substituted,
			Err:         capErr,
		})
		if rs.aborted.Load() && (decision.Action == ActionRetry || decision.Action == ActionSubstitute) {
			decision = Decision{Action: ActionSkip, Resolution: StepStatusSkipped, Reason: "retry cancelled by abort"}
		}
		s.observer.HealingDecision(decision.Action, capErr.Kind)
		s.observer.StepFinished(capabilityID, StepStatusFailed, capErr.Kind, ended.Sub(started))

		final := decision.Action == ActionSkip || decision.Action == ActionAbort
		attempt := StepAttempt{
			CapabilityID: capabilityID,
			Status:       StepStatusFailed,
			StartedAt:    started,
			EndedAt:      ended,
			ErrorKind:    capErr.Kind,
			Message:      capErr.Message,
			Final:        final,
			Substituted:  substituted,
		}
		if final {
			attempt.Resolution = decision.Resolution
		}
		if err := s.appendAttempt(ctx, rs, node, attempt); err != nil && !final {
			// Not retried: the attempt is not durable.
			return
		}

		logger.Warn().
			Str("capability_id", capabilityID).
			Str("error_kind", string(capErr.Kind)).
			Int("attempt", attemptOnCap).
			Str("decision", string(decision.Action)).
			Msg(decision.Reason)

		switch decision.Action {
		case ActionRetry:
			rs.markWaiting(node.ID, capErr)
			s.persist(ctx, rs)
			s.publish(ctx, rs, EventTypeNodeRetrying, node.ID, "warning", decision.Reason,
				map[string]any{"delay_ms": decision.Delay.Milliseconds(), "error_kind": capErr.Kind})
			if !sleep(rs.dispatchCtx, decision.Delay) {
				s.abandon(ctx, rs, node)
				return
			}

		case ActionSubstitute:
			s.publish(ctx, rs, EventTypeNodeSubstitute, node.ID, "warning",
				fmt.Sprintf("Substituting %s with %s", capabilityID, decision.CapabilityID), nil)
			capabilityID = decision.CapabilityID
			substituted = true
			attemptOnCap = 0

		default:
			rs.resolve(node.ID, decision.Resolution, capErr.Kind, capErr.Message, ended, nil)
			if decision.Action == ActionAbort {
				rs.setCritical(node.ID)
			}
			s.persist(ctx, rs)

			eventType := EventTypeNodeFailed
			if decision.Resolution == StepStatusSkipped {
				eventType = EventTypeNodeSkipped
			}
			s.publish(ctx, rs, eventType, node.ID, "error", decision.Reason,
				map[string]any{"error_kind": capErr.Kind})
			return
		}
	}
}

func (s *Scheduler) invoke(
	ctx context.Context,
	rs *runState,
	node *PlanNode,
	capabilityID string,
	input Output,
	timeout time.Duration,
) (Output, error) {
	stepCtx, cancel := context.WithTimeout(rs.stepParent, timeout)
	defer cancel()

	stepCtx, span := s.tracer.Start(trace.ContextWithSpan(stepCtx, trace.SpanFromContext(ctx)), "workflow.step",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("capability.id", capabilityID),
			attribute.Int("node.tier", node.Tier),
		))
	defer span.End()

	out, err := s.invoker.Invoke(stepCtx, capabilityID, node.Config, input)
	if err == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		// The capability ignored ctx; its late result is discarded.
		err = NewCapabilityError(ErrorKindTimeout,
			fmt.Sprintf("step returned after its %s timeout", timeout), context.DeadlineExceeded)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ClassifyError(err).Kind))
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (s *Scheduler) acquire(rs *runState) error {
	if err := rs.sem.Acquire(rs.dispatchCtx, 1); err != nil {
		return err
	}
	if err := s.global.Acquire(rs.dispatchCtx, 1); err != nil {
		rs.sem.Release(1)
		return err
	}
	return nil
}

func (s *Scheduler) release(rs *runState) {
	s.global.Release(1)
	rs.sem.Release(1)
}

func (s *Scheduler) recordSuccess(
	ctx context.Context,
	rs *runState,
	node *PlanNode,
	capabilityID string,
	substituted bool,
	started, ended time.Time,
	out Output,
) {
	s.appendAttempt(ctx, rs, node, StepAttempt{
		CapabilityID: capabilityID,
		Status:       StepStatusSucceeded,
		StartedAt:    started,
		EndedAt:      ended,
		Output:       out,
		Final:        true,
		Resolution:   StepStatusSucceeded,
		Substituted:  substituted,
	})
	rs.resolve(node.ID, StepStatusSucceeded, "", "", ended, out)
	s.persist(ctx, rs)

	s.observer.StepFinished(capabilityID, StepStatusSucceeded, "", ended.Sub(started))
	s.publish(ctx, rs, EventTypeNodeSucceeded, node.ID, "info",
		fmt.Sprintf("Completed %s", node.ID), map[string]any{"duration_ms": ended.Sub(started).Milliseconds()})
}

// cascadeSkip resolves a node whose predecessor failed without executing it.
func (s *Scheduler) cascadeSkip(ctx context.Context, rs *runState, node *PlanNode, failed string) {
	now := time.Now().UTC()
	msg := fmt.Sprintf("upstream node %s failed", failed)
	if rs.resolution(failed) == StepStatusSkipped {
		msg = fmt.Sprintf("upstream node %s was skipped after an upstream failure", failed)
	}

	s.appendAttempt(ctx, rs, node, StepAttempt{
		CapabilityID: node.CapabilityID,
		Status:       StepStatusSkipped,
		StartedAt:    now,
		EndedAt:      now,
		ErrorKind:    ErrorKindUpstreamNodeFailed,
		Message:      msg,
		Final:        true,
		Resolution:   StepStatusSkipped,
	})
	rs.resolve(node.ID, StepStatusSkipped, ErrorKindUpstreamNodeFailed, msg, now, nil)
	s.persist(ctx, rs)

	s.observer.StepFinished(node.CapabilityID, StepStatusSkipped, ErrorKindUpstreamNodeFailed, 0)
	s.publish(ctx, rs, EventTypeNodeSkipped, node.ID, "warning", msg, nil)
}

// abandon resolves a node after an abort. A node that already has attempts
// gets a final ledger record; a node that never ran only changes in the run view.
func (s *Scheduler) abandon(ctx context.Context, rs *runState, node *PlanNode) {
	now := time.Now().UTC()
	if rs.attemptCount(node.ID) > 0 {
		capabilityID, _, substituted := rs.resumePoint(node)
		s.appendAttempt(ctx, rs, node, StepAttempt{
			CapabilityID: capabilityID,
			Status:       StepStatusSkipped,
			StartedAt:    now,
			EndedAt:      now,
			ErrorKind:    ErrorKindAborted,
			Message:      "abandoned after abort",
			Final:        true,
			Resolution:   StepStatusSkipped,
			Substituted:  substituted,
		})
	}
	rs.resolve(node.ID, StepStatusSkipped, ErrorKindAborted, "run aborted", now, nil)
	s.persist(ctx, rs)
}

// appendAttempt makes an attempt durable. A failed append halts the run:
// no further tier is dispatched and the run fails with LedgerUnavailable.
func (s *Scheduler) appendAttempt(ctx context.Context, rs *runState, node *PlanNode, a StepAttempt) error {
	a.RunID = rs.run.ID
	a.WorkflowID = rs.run.WorkflowID
	a.Version = rs.run.Version
	a.NodeID = node.ID
	a.NodeIndex = node.Index
	a.Tier = node.Tier

	stored, err := s.ledger.Append(ctx, a)
	if err != nil {
		rs.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to append step attempt")
		rs.setLedgerFailure(err)
		a.Attempt = rs.attemptCount(node.ID) + 1
		stored = a
	}
	rs.recordAttempt(stored)
	return err
}

// finish computes the terminal run status and records the outcome.
func (s *Scheduler) finish(ctx context.Context, rs *runState) RunStatus {
	rs.mu.Lock()
	rs.finishing = true
	now := time.Now().UTC()
	run := rs.run

	reason := "not dispatched"
	if rs.aborted.Load() {
		reason = "not dispatched: run aborted"
	} else if rs.ledgerErr != nil {
		reason = "not dispatched: ledger unavailable"
	} else if rs.critical != "" {
		reason = fmt.Sprintf("not dispatched: critical node %s failed", rs.critical)
	}

	allSucceeded := true
	for i := range run.Nodes {
		st := &run.Nodes[i]
		if !st.Status.IsTerminal() {
			st.Status = StepStatusSkipped
			st.Message = reason
			if rs.aborted.Load() {
				st.ErrorKind = ErrorKindAborted
			}
		}
		if st.Status != StepStatusSucceeded {
			allSucceeded = false
		}
	}

	switch {
	case rs.aborted.Load():
		run.Status = RunStatusAborted
		run.Error = &RunError{Kind: RunErrorAborted, Message: "run aborted"}
	case rs.ledgerErr != nil:
		run.Status = RunStatusFailed
		run.Error = &RunError{
			Kind:    RunErrorLedgerUnavailable,
			Message: fmt.Sprintf("failed to record step attempt: %v", rs.ledgerErr),
		}
	case rs.critical != "":
		run.Status = RunStatusFailed
		kind := run.Node(rs.critical).ErrorKind
		run.Error = &RunError{
			Kind:    RunErrorNodeFailedCritical,
			NodeID:  rs.critical,
			Message: fmt.Sprintf("critical node failed with %s", kind),
		}
	case allSucceeded:
		run.Status = RunStatusSucceeded
	default:
		run.Status = RunStatusPartiallyFailed
	}
	run.EndedAt = &now
	status := run.Status
	outcome := RunOutcome{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Version:    run.Version,
		Status:     status,
		StartedAt:  run.StartedAt,
		EndedAt:    now,
	}
	rs.mu.Unlock()

	s.persist(ctx, rs)
	if err := s.ledger.AppendOutcome(ctx, outcome); err != nil {
		rs.logger.Error().Err(err).Msg("Failed to append run outcome")
	}

	s.observer.RunFinished(outcome.WorkflowID, status, outcome.Duration())
	eventType := EventTypeRunCompleted
	if status == RunStatusAborted {
		eventType = EventTypeRunAborted
	}
	s.publish(ctx, rs, eventType, "", "info", fmt.Sprintf("Run finished with status %s", status),
		map[string]any{"duration_ms": outcome.Duration().Milliseconds()})
	rs.logger.Info().Str("status", string(status)).Dur("duration", outcome.Duration()).Msg("Run finished")

	return status
}

// Abort stops dispatching new tiers and retries of a run. In-flight calls
// complete naturally, or are cancelled in cooperative abort mode. The run
// becomes aborted once in-flight calls return.
func (s *Scheduler) Abort(ctx context.Context, runID string) error {
	s.mu.Lock()
	rs, ok := s.active[runID]
	s.mu.Unlock()

	if ok {
		if !rs.requestAbort() {
			return fmt.Errorf("%w: %s", ErrRunTerminal, runID)
		}
		rs.logger.Info().Msg("Abort requested")
		return nil
	}

	// No live executor owns the run: abort it in the store directly.
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrRunTerminal, runID)
	}

	now := time.Now().UTC()
	for i := range run.Nodes {
		if !run.Nodes[i].Status.IsTerminal() {
			run.Nodes[i].Status = StepStatusSkipped
			run.Nodes[i].ErrorKind = ErrorKindAborted
			run.Nodes[i].Message = "not dispatched: run aborted"
		}
	}
	run.Status = RunStatusAborted
	run.EndedAt = &now
	run.Error = &RunError{Kind: RunErrorAborted, Message: "run aborted"}
	if err := s.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save aborted run: %w", err)
	}
	return s.ledger.AppendOutcome(ctx, RunOutcome{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Version:    run.Version,
		Status:     RunStatusAborted,
		StartedAt:  run.StartedAt,
		EndedAt:    now,
	})
}

// IsActive reports whether the run is executing in this scheduler.
func (s *Scheduler) IsActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

// Status returns the freshest view of a run.
func (s *Scheduler) Status(ctx context.Context, runID string) (*ExecutionRun, error) {
	s.mu.Lock()
	rs, ok := s.active[runID]
	s.mu.Unlock()

	if ok {
		return rs.snapshot(), nil
	}
	return s.runs.GetRun(ctx, runID)
}

// Wait blocks until the run is terminal or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, runID string) (*ExecutionRun, error) {
	s.mu.Lock()
	rs, ok := s.active[runID]
	s.mu.Unlock()

	if ok {
		select {
		case <-rs.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.runs.GetRun(ctx, runID)
}

// Close refuses new runs and waits for active runs to finish.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist saves the run view, stamping a heartbeat while the run is live.
// A store that refuses the write because the run is already terminal means
// another process finished it, and the run stops.
func (s *Scheduler) persist(ctx context.Context, rs *runState) {
	rs.saveMu.Lock()
	defer rs.saveMu.Unlock()

	run := rs.snapshot()
	if !run.Status.IsTerminal() {
		now := time.Now().UTC()
		run.HeartbeatAt = &now
	}

	err := s.runs.SaveRun(ctx, run)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunTerminal):
		s.stopExternal(rs)
	default:
		rs.logger.Error().Err(err).Msg("Failed to save run state")
	}
}

// LeaseExpired reports whether a stored active run has no live executor in
// any process: its last heartbeat is older than the lease timeout.
func (s *Scheduler) LeaseExpired(run *ExecutionRun, now time.Time) bool {
	if run.HeartbeatAt == nil {
		return true
	}
	return now.Sub(*run.HeartbeatAt) >= s.cfg.LeaseTimeout
}

func (s *Scheduler) publish(
	ctx context.Context,
	rs *runState,
	eventType EventType,
	nodeID, level, message string,
	details map[string]any,
) {
	if s.events == nil {
		return
	}

	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		RunID:      rs.run.ID,
		WorkflowID: rs.run.WorkflowID,
		NodeID:     nodeID,
		Message:    message,
		Level:      level,
		Details:    details,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		rs.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (rs *runState) snapshot() *ExecutionRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.Clone()
}

func (rs *runState) requestAbort() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.finishing {
		return false
	}
	rs.aborted.Store(true)
	rs.cancelDispatch()
	return true
}

func (rs *runState) criticalNode() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.critical
}

// halted reports whether no further node may be dispatched.
func (rs *runState) halted() bool {
	return rs.aborted.Load() || rs.ledgerFailure() != nil
}

func (rs *runState) ledgerFailure() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.ledgerErr
}

func (rs *runState) setLedgerFailure(err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ledgerErr == nil {
		rs.ledgerErr = err
	}
}

func (rs *runState) setCritical(nodeID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.critical == "" {
		rs.critical = nodeID
	}
}

func (rs *runState) resolution(nodeID string) StepStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.resolved[nodeID]
}

func (rs *runState) isResolved(nodeID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.resolved[nodeID]
	return ok
}

// failedPredecessor returns a predecessor that failed or was itself skipped
// by an upstream failure. A predecessor skipped by the healer does not block.
func (rs *runState) failedPredecessor(node *PlanNode) string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, pred := range node.Predecessors {
		switch rs.resolved[pred] {
		case StepStatusFailed:
			return pred
		case StepStatusSkipped:
			if st := rs.run.Node(pred); st != nil && st.ErrorKind == ErrorKindUpstreamNodeFailed {
				return pred
			}
		}
	}
	return ""
}

// inputFor returns the trigger payload for the trigger node, otherwise the
// merged outputs of the direct predecessors in declaration order.
func (rs *runState) inputFor(node *PlanNode) Output {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if node.ID == rs.plan.TriggerNodeID {
		return maps.Clone(rs.run.Payload)
	}
	input := make(Output)
	for _, pred := range node.Predecessors {
		maps.Copy(input, rs.outputs[pred])
	}
	return input
}

// resumePoint returns the capability to use and how many attempts it already
// had, based on attempts recorded before a resume or an abort.
func (rs *runState) resumePoint(node *PlanNode) (string, int, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	hist := rs.history[node.ID]
	if len(hist) == 0 {
		return node.CapabilityID, 0, false
	}
	last := hist[len(hist)-1]
	count := 0
	for _, a := range hist {
		if a.Substituted == last.Substituted {
			count++
		}
	}
	return last.CapabilityID, count, last.Substituted
}

func (rs *runState) attemptCount(nodeID string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.history[nodeID])
}

func (rs *runState) recordAttempt(a StepAttempt) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.history[a.NodeID] = append(rs.history[a.NodeID], a)
	if st := rs.run.Node(a.NodeID); st != nil {
		st.Attempts = len(rs.history[a.NodeID])
	}
}

func (rs *runState) markRunning(nodeID, capabilityID string, substituted bool, started time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	st := rs.run.Node(nodeID)
	st.Status = StepStatusRunning
	st.CapabilityID = capabilityID
	st.Substituted = substituted
	if st.StartedAt == nil {
		st.StartedAt = &started
	}
}

func (rs *runState) markWaiting(nodeID string, capErr *CapabilityError) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	st := rs.run.Node(nodeID)
	st.Status = StepStatusPending
	st.ErrorKind = capErr.Kind
	st.Message = capErr.Message
}

func (rs *runState) resolve(nodeID string, status StepStatus, kind ErrorKind, message string, ended time.Time, out Output) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.resolved[nodeID] = status
	if status == StepStatusSucceeded {
		rs.outputs[nodeID] = out
	}

	st := rs.run.Node(nodeID)
	st.Status = status
	st.ErrorKind = kind
	st.Message = message
	st.EndedAt = &ended
	st.Output = maps.Clone(out)
}
