// Package telemetry provides observability instrumentation for HostForge.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring and debugging provisioning operations.
//
// # Architecture
//
// The telemetry system is built on three pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with a stdout exporter
//  3. Metrics Collection - Prometheus metrics for operational insights
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "hostforge"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRequestID("req-123").WithMachineID("m-456")
//	logger.Info("Dispatching provision request")
//	logger.WithError(err).Error("Backend call failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into request flow and backend latency:
//
//	ctx, span := tel.Tracer.StartRequestSpan(ctx, requestID, kind)
//	defer span.End()
//
//	ctx, span = tel.Tracer.StartBackendSpan(ctx, strategy, "provision")
//	defer span.End()
//
// Spans record errors through RecordErrorSpan and successful completion
// through RecordSuccess.
//
// # Metrics
//
// Prometheus metrics are exposed on the configured listen address. The
// engine records request lifecycle counts, per-strategy backend call
// outcomes and latencies, circuit breaker openings, and reconcile pass
// durations. All Metrics methods are safe to call on a nil receiver, so
// callers never need to guard for disabled metrics.
//
// # Configuration
//
// DefaultConfig returns a development-friendly setup (console logs, full
// trace sampling). ProductionConfig switches to JSON logs with sampling
// and reduces the trace sampling rate. See Config for the full surface.
package telemetry
