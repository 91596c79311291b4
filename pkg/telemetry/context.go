package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and live events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a telemetry instance from configuration. Events are
// forwarded to sinks before live subscribers see them.
func NewTelemetry(ctx context.Context, cfg *Config, sinks ...engine.EventPublisher) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(ctx, cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events, sinks...),
		Config:  cfg,
	}, nil
}

// Apply wires the telemetry components into engine options.
func (t *Telemetry) Apply(opts *engine.Options) {
	opts.Logger = t.Logger.Zerolog()
	opts.Tracer = t.Tracer.Tracer()
	opts.Observer = t.Metrics
	opts.Events = t.Events
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains live events, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// Flush forces all pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// RecordOperation runs fn inside a capability span and logs failures with
// the logger carried by ctx.
func RecordOperation(ctx context.Context, capabilityID, operation string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := StartCapabilitySpan(ctx, capabilityID, operation, attrs...)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		RecordError(span, err)
		FromContext(ctx).WithField("capability_id", capabilityID).
			WithField("operation", operation).
			WithError(err).
			Debug("capability operation failed")
		return err
	}

	RecordSuccess(span)
	return nil
}
