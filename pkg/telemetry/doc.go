// Package telemetry provides observability for the reconciler.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing behind one
// Telemetry value that the scheduler, remediation orchestrator and CLI
// share.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	server := tel.Metrics.StartMetricsServer(tel.Logger.Zerolog())
//
// Components that only need a logger take a zerolog.Logger:
//
//	detector := drift.NewDetector(drift.DefaultOptions(), tel.Logger.NewComponentLogger("drift").Zerolog())
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Asynchronous publishers
// buffer events and deliver them in order from one goroutine; when the
// buffer is full the event is dropped, Publish returns ErrBufferFull and
// the events_dropped_total counter is incremented. Sinks persist events:
//
//	tel.Events.AddSink("store", store)
//
// # Metrics
//
// All metrics live under the configured namespace (default "cloudops"):
//
//   - passes_started_total, passes_completed_total, pass_duration_seconds, active_passes
//   - resources_observed, drift_events_total, violations_raised_total, violations_open
//   - rule_errors_total, cost_anomalies_total
//   - remediations_total, remediation_attempts, kill_switch_engaged
//   - adapter_calls_total, adapter_call_duration_seconds, adapter_errors_total
//   - events_dropped_total
//
// # Tracing
//
// Each pass runs under a reconcile.pass span; adapter calls and remediation
// actions get child spans. Exporters: otlp (gRPC), stdout and none.
package telemetry
