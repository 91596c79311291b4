// Package telemetry provides observability for the workflow engine.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and live event fan-out behind a single
// Telemetry value that plugs into engine.Options:
//
//	tel, err := telemetry.NewTelemetry(ctx, telemetry.DefaultConfig(), store)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	opts := engine.Options{Registry: registry, Definitions: store, Runs: store, Ledger: store}
//	tel.Apply(&opts)
//
// # Metrics
//
// Metrics implements engine.Observer. It records run starts and terminal
// statuses, per-capability step attempts with their error kind, and healing
// decisions. The registry is private to the instance and exposed through
// Handler or StartMetricsServer.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Sinks such as the SQLite
// store receive every event synchronously; subscribers receive them in
// publication order on a background goroutine and may be filtered by level,
// type, run or workflow. When the live buffer is full the event is still
// persisted and Publish reports ErrEventBufferFull.
//
// # Tracing
//
// The engine opens a "workflow.run" span per run and a "workflow.step" span
// per attempt. Capabilities add child spans with RecordOperation. Supported
// exporters are otlp (gRPC), stdout and none.
package telemetry
