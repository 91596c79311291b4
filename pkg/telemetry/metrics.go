package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Metrics provides Prometheus metrics for workflow execution. It implements
// engine.Observer; a disabled instance drops every measurement.
type Metrics struct {
	config MetricsConfig

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	healingDecisions *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
			[]string{"workflow_id"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of workflow runs that reached a terminal status",
			},
			[]string{"workflow_id", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of workflow runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of runs currently executing",
			},
		),
		stepsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Total number of step attempts by capability, status and error kind",
			},
			[]string{"capability_id", "status", "error_kind"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"capability_id"},
		),
		healingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "healing_decisions_total",
				Help:      "Total number of healing decisions by action and error kind",
			},
			[]string{"action", "error_kind"},
		),
	}

	m.registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.stepsFinished,
		m.stepDuration,
		m.healingDecisions,
	)

	return m, nil
}

// Enabled reports whether measurements are recorded.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RunStarted increments the started counter and the active gauge.
func (m *Metrics) RunStarted(workflowID string) {
	if !m.Enabled() {
		return
	}
	m.runsStarted.WithLabelValues(workflowID).Inc()
	m.activeRuns.Inc()
}

// RunFinished records a terminal run with its status and duration.
func (m *Metrics) RunFinished(workflowID string, status engine.RunStatus, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(workflowID, string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// StepFinished records one step attempt.
func (m *Metrics) StepFinished(capabilityID string, status engine.StepStatus, kind engine.ErrorKind, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.stepsFinished.WithLabelValues(capabilityID, string(status), string(kind)).Inc()
	m.stepDuration.WithLabelValues(capabilityID).Observe(duration.Seconds())
}

// HealingDecision records the action taken for a classified failure.
func (m *Metrics) HealingDecision(action engine.Action, kind engine.ErrorKind) {
	if !m.Enabled() {
		return
	}
	m.healingDecisions.WithLabelValues(string(action), string(kind)).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
// It returns nil without listening when metrics are disabled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) *http.Server {
	if !m.Enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server
}
