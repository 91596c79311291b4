package triggers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Runner starts workflow runs. *engine.Engine implements it.
type Runner interface {
	Trigger(ctx context.Context, workflowID string, payload engine.Output) (string, error)
}

// Lister lists the latest version of every workflow.
type Lister interface {
	ListWorkflows(ctx context.Context) ([]*engine.WorkflowDefinition, error)
}

// parser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 10m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a trigger schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return parser.Parse(strings.TrimSpace(spec))
}

// Scheduler fires workflows whose trigger carries a cron schedule. Each
// firing calls Trigger with {"scheduled_at": <RFC3339>}.
type Scheduler struct {
	runner Runner
	cron   *cron.Cron
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]scheduleEntry
}

type scheduleEntry struct {
	id       cron.EntryID
	spec     string
	schedule cron.Schedule
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(runner Runner, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "cron").Logger()
	cl := cronLogger{logger: logger}

	return &Scheduler{
		runner:  runner,
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		logger:  logger,
		now:     time.Now,
		ctx:     context.Background(),
		entries: make(map[string]scheduleEntry),
	}
}

// Sync registers, replaces or removes the schedule of def. Definitions
// without a schedule are unscheduled.
func (s *Scheduler) Sync(def *engine.WorkflowDefinition) error {
	spec := strings.TrimSpace(def.Trigger.Schedule)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, scheduled := s.entries[def.ID]
	if scheduled && current.spec == spec {
		return nil
	}
	if spec == "" {
		if scheduled {
			s.cron.Remove(current.id)
			delete(s.entries, def.ID)
			s.logger.Info().Str("workflow_id", def.ID).Msg("Schedule removed")
		}
		return nil
	}

	schedule, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("workflow %s: invalid schedule %q: %w", def.ID, spec, err)
	}
	if scheduled {
		s.cron.Remove(current.id)
	}

	workflowID := def.ID
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(workflowID) }))
	s.entries[workflowID] = scheduleEntry{id: id, spec: spec, schedule: schedule}

	s.logger.Info().
		Str("workflow_id", workflowID).
		Str("schedule", spec).
		Time("next", schedule.Next(s.now())).
		Msg("Schedule registered")
	return nil
}

// SyncAll syncs every workflow the lister returns. Invalid schedules are
// reported together; valid ones are still registered.
func (s *Scheduler) SyncAll(ctx context.Context, lister Lister) error {
	defs, err := lister.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workflows: %w", err)
	}

	var errs []error
	for _, def := range defs {
		if err := s.Sync(def); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove unschedules a workflow.
func (s *Scheduler) Remove(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[workflowID]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, workflowID)
	}
}

// Scheduled returns the registered schedules by workflow ID.
func (s *Scheduler) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.spec
	}
	return out
}

// Next returns the next firing time of a workflow.
func (s *Scheduler) Next(workflowID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[workflowID]
	if !ok {
		return time.Time{}, false
	}
	return e.schedule.Next(s.now()), true
}

// Start begins firing schedules. Runs are triggered with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	s.cron.Start()
	s.logger.Info().Strs("workflows", ids).Msg("Scheduler started")
}

// Stop stops firing and waits for in-progress triggers, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(workflowID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	scheduledAt := s.now().UTC()
	payload := engine.Output{"scheduled_at": scheduledAt.Format(time.RFC3339)}

	runID, err := s.runner.Trigger(ctx, workflowID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Scheduled trigger failed")
		return
	}
	s.logger.Info().
		Str("workflow_id", workflowID).
		Str("run_id", runID).
		Time("scheduled_at", scheduledAt).
		Msg("Scheduled run started")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
