package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

type recordingSink struct {
	mu     sync.Mutex
	events []engine.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, e *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return s.err
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
				c.Tracing.Endpoint = ""
			},
			wantErr: true,
		},
		{
			name: "unknown exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "zipkin"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.NewComponentLogger("scheduler").
		WithWorkflowID("wf-1").
		WithRunID("run-1").
		WithNode("charge", "charge-card").
		Info("step finished")
	logger.Debug("dropped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	want := map[string]string{
		"component":     "scheduler",
		"workflow_id":   "wf-1",
		"run_id":        "run-1",
		"node_id":       "charge",
		"capability_id": "charge-card",
		"message":       "step finished",
		"level":         "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("FromContext did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext returned nil without a stored logger")
	}
}

func TestMetricsObserver(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RunStarted("wf")
	m.RunStarted("wf")
	if got := testutil.ToFloat64(m.activeRuns); got != 2 {
		t.Errorf("active runs = %v, want 2", got)
	}

	m.StepFinished("http-request", engine.StepStatusFailed, engine.ErrorKindTimeout, 10*time.Millisecond)
	m.StepFinished("http-request", engine.StepStatusFailed, engine.ErrorKindTimeout, 20*time.Millisecond)
	m.StepFinished("http-request", engine.StepStatusSucceeded, "", 5*time.Millisecond)
	m.HealingDecision(engine.ActionRetry, engine.ErrorKindTimeout)
	m.RunFinished("wf", engine.RunStatusSucceeded, time.Second)

	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("wf")); got != 2 {
		t.Errorf("runs started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.stepsFinished.WithLabelValues("http-request", "failed", "timeout")); got != 2 {
		t.Errorf("failed steps = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.healingDecisions.WithLabelValues("retry", "timeout")); got != 1 {
		t.Errorf("healing decisions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("wf", "succeeded")); got != 1 {
		t.Errorf("runs completed = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_step_attempts_total") {
		t.Error("handler output is missing step_attempts_total")
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RunStarted("wf")
	m.StepFinished("noop", engine.StepStatusSucceeded, "", time.Millisecond)
	m.HealingDecision(engine.ActionSkip, engine.ErrorKindInvalidConfig)
	m.RunFinished("wf", engine.RunStatusFailed, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if srv := m.StartMetricsServer(context.Background(), NewLoggerWithWriter(LoggingConfig{}, &bytes.Buffer{})); srv != nil {
		t.Error("disabled metrics started a server")
	}
}

func TestEventPublisherSinksAndSubscribers(t *testing.T) {
	sink := &recordingSink{}
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8}, sink)

	var (
		mu       sync.Mutex
		received []engine.EventType
		warnings int
	)
	ep.Subscribe(func(e engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.Type)
	}, nil)
	ep.Subscribe(func(engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		warnings++
	}, FilterByLevel(EventLevelWarning))

	ctx := context.Background()
	types := []engine.EventType{
		engine.EventTypeRunStarted,
		engine.EventTypeNodeStarted,
		engine.EventTypeNodeRetrying,
		engine.EventTypeNodeSucceeded,
		engine.EventTypeRunCompleted,
	}
	for _, typ := range types {
		level := EventLevelInfo
		if typ == engine.EventTypeNodeRetrying {
			level = EventLevelWarning
		}
		if err := ep.Publish(ctx, &engine.Event{Type: typ, RunID: "r1", Level: level}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if len(sink.events) != len(types) {
		t.Fatalf("sink received %d events, want %d", len(sink.events), len(types))
	}
	for _, e := range sink.events {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event %s missing ID or timestamp", e.Type)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != len(types) {
		t.Fatalf("subscriber received %d events, want %d", len(received), len(types))
	}
	for i, typ := range types {
		if received[i] != typ {
			t.Errorf("event %d = %s, want %s", i, received[i], typ)
		}
	}
	if warnings != 1 {
		t.Errorf("warning subscriber received %d events, want 1", warnings)
	}
}

func TestEventPublisherBufferFull(t *testing.T) {
	sink := &recordingSink{}
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1}, sink)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	ep.Subscribe(func(engine.Event) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}, nil)

	ctx := context.Background()
	if err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted}); err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	<-entered

	if err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeStarted}); err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}
	err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeSucceeded})
	if !errors.Is(err, ErrEventBufferFull) {
		t.Fatalf("third Publish error = %v, want ErrEventBufferFull", err)
	}

	close(release)
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(sink.events) != 3 {
		t.Errorf("sink received %d events, want 3", len(sink.events))
	}
}

func TestEventPublisherSinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	ep := NewEventPublisher(EventsConfig{Enabled: false}, sink)

	err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeRunStarted})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Publish error = %v, want sink error", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown of disabled publisher failed: %v", err)
	}
}

func TestEventFilters(t *testing.T) {
	e := engine.Event{Type: engine.EventTypeNodeFailed, RunID: "r1", WorkflowID: "wf", Level: EventLevelError}

	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"level below", FilterByLevel(EventLevelWarning), true},
		{"level above", FilterByLevel(EventLevelError), true},
		{"type match", FilterByType(engine.EventTypeNodeFailed, engine.EventTypeRunAborted), true},
		{"type miss", FilterByType(engine.EventTypeRunStarted), false},
		{"run match", FilterByRunID("r1"), true},
		{"run miss", FilterByRunID("r2"), false},
		{"workflow match", FilterByWorkflowID("wf"), true},
		{"workflow miss", FilterByWorkflowID("other"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter(e); got != tt.want {
				t.Errorf("filter = %v, want %v", got, tt.want)
			}
		})
	}

	info := engine.Event{Level: EventLevelInfo}
	if FilterByLevel(EventLevelWarning)(info) {
		t.Error("info event passed the warning filter")
	}
}

func TestRecordOperation(t *testing.T) {
	ctx := context.Background()

	if err := RecordOperation(ctx, "ssh-exec", "run", func(context.Context) error { return nil }); err != nil {
		t.Errorf("RecordOperation returned %v", err)
	}

	boom := errors.New("boom")
	err := RecordOperation(ctx, "ssh-exec", "run", func(context.Context) error { return boom }, AttrTargetHost.String("db1"))
	if !errors.Is(err, boom) {
		t.Errorf("RecordOperation error = %v, want %v", err, boom)
	}
}

func TestTelemetryApply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Metrics.Enabled = true

	tel, err := NewTelemetry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	var opts engine.Options
	tel.Apply(&opts)
	if opts.Logger == nil || opts.Tracer == nil || opts.Observer == nil || opts.Events == nil {
		t.Errorf("Apply left options unset: %+v", opts)
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("FromTelemetryContext did not return the stored telemetry")
	}
	if FromContext(ctx) != tel.Logger {
		t.Error("WithContext did not store the logger")
	}
}
