package telemetry_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// Example_liveEvents demonstrates subscribing to the events of one run.
func Example_liveEvents() {
	events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})

	events.Subscribe(func(e engine.Event) {
		fmt.Printf("%s %s\n", e.Type, e.NodeID)
	}, telemetry.FilterByRunID("run-1"))

	ctx := context.Background()
	_ = events.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted, RunID: "run-1"})
	_ = events.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeStarted, RunID: "run-2", NodeID: "other"})
	_ = events.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeSucceeded, RunID: "run-1", NodeID: "charge"})

	_ = events.Shutdown(ctx)
	// Output:
	// run.started
	// node.succeeded charge
}

// Example_structuredLogging demonstrates workflow-scoped JSON logging.
func Example_structuredLogging() {
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, os.Stdout)

	logger = logger.NewComponentLogger("scheduler").
		WithWorkflowID("order-to-fulfillment").
		WithRunID("run-123")

	logger.Debug("hidden at info level")

	// Timestamps vary, so the output is not checked.
	logger.Info("Run started")
}

// Example_metrics demonstrates wiring metrics as the engine observer.
func Example_metrics() {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:   true,
		Namespace: "froyoflow",
	})
	if err != nil {
		panic(err)
	}

	var observer engine.Observer = metrics
	observer.RunStarted("order-to-fulfillment")
	observer.StepFinished("charge-card", engine.StepStatusFailed, engine.ErrorKindRateLimited, 120*time.Millisecond)
	observer.HealingDecision(engine.ActionRetry, engine.ErrorKindRateLimited)
	observer.RunFinished("order-to-fulfillment", engine.RunStatusSucceeded, 2*time.Second)

	fmt.Println("metrics enabled:", metrics.Enabled())
	// Output: metrics enabled: true
}
