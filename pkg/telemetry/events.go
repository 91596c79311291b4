package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Event severity levels used by the engine.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventBufferFull is returned when a live event is dropped because
// subscribers are not keeping up. Sinks have already received it.
var ErrEventBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles a live event.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.Event) bool

// EventPublisher implements engine.EventPublisher. Every event is written
// synchronously to the sinks (for example the SQLite store) and then queued
// for asynchronous delivery to subscribers in publication order.
type EventPublisher struct {
	config EventsConfig
	sinks  []engine.EventPublisher

	mu          sync.RWMutex
	buffer      chan engine.Event
	subscribers []subscriberEntry
	closed      bool
	wg          sync.WaitGroup
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher that forwards to sinks and, when
// enabled, fans out to subscribers.
func NewEventPublisher(cfg EventsConfig, sinks ...engine.EventPublisher) *EventPublisher {
	ep := &EventPublisher{config: cfg}
	for _, sink := range sinks {
		if sink != nil {
			ep.sinks = append(ep.sinks, sink)
		}
	}

	if cfg.Enabled {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		ep.buffer = make(chan engine.Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// Publish records the event in every sink and queues it for subscribers.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var errs []error
	for _, sink := range ep.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	if ep.buffer != nil {
		ep.mu.RLock()
		if !ep.closed {
			select {
			case ep.buffer <- *event:
			default:
				errs = append(errs, ErrEventBufferFull)
			}
		}
		ep.mu.RUnlock()
	}

	return errors.Join(errs...)
}

// Subscribe adds a live subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for event := range ep.buffer {
		ep.mu.RLock()
		entries := ep.subscribers
		ep.mu.RUnlock()

		for _, entry := range entries {
			if entry.filter != nil && !entry.filter(event) {
				continue
			}
			entry.subscriber(event)
		}
	}
}

// Shutdown stops accepting live events and waits for queued ones to be
// delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep.buffer == nil {
		return nil
	}

	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	min := levels[minLevel]

	return func(event engine.Event) bool {
		return levels[event.Level] >= min
	}
}

// FilterByType allows only the given event types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}

	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByRunID allows only events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByWorkflowID allows only events of one workflow.
func FilterByWorkflowID(workflowID string) EventFilter {
	return func(event engine.Event) bool {
		return event.WorkflowID == workflowID
	}
}

// LogSubscriber writes each event to the logger at the event's level.
func LogSubscriber(logger *Logger) EventSubscriber {
	return func(event engine.Event) {
		zl := logger.Zerolog()
		e := zl.Info()
		switch event.Level {
		case EventLevelWarning:
			e = zl.Warn()
		case EventLevelError:
			e = zl.Error()
		}
		e.Str("event_type", string(event.Type)).
			Str("run_id", event.RunID).
			Str("workflow_id", event.WorkflowID).
			Str("node_id", event.NodeID).
			Msg(event.Message)
	}
}
