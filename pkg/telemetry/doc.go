// Package telemetry provides observability instrumentation for
// rackcycle runs.
//
// The package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) behind one
// configuration surface.
//
// # Architecture
//
// The telemetry system has three pillars:
//
//  1. Structured Logging - context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry spans for runs, phases, and targets
//  3. Metrics Collection - Prometheus instruments on an isolated registry
//
// Event distribution is not part of this package; the report package
// fans run events out to its sinks.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component child loggers and run-scoped fields:
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger = logger.WithRunID(runID).WithPhaseID("workloads")
//	logger.Info("Phase starting")
//	logger.WithError(err).Error("Phase degraded")
//
// Components that take a zerolog.Logger directly use Zerolog():
//
//	controller := engine.NewFallbackController(reg, broker, tel.Logger.Zerolog())
//
// Log levels: trace, debug, info, warn, error, fatal. The LOG_LEVEL
// environment variable sets the default level.
//
// # Distributed Tracing
//
// The tracer wraps OpenTelemetry with span helpers matching the run
// hierarchy:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, planID, mode)
//	defer span.End()
//
//	ctx, phaseSpan := tel.Tracer.StartPhaseSpan(ctx, "workloads", "shutdown")
//	...
//	telemetry.RecordError(phaseSpan, err)
//	phaseSpan.End()
//
// Exporters: "otlp" (gRPC), "stdout" (pretty-printed, for debugging),
// and "none" (spans generated but not exported).
//
// # Metrics
//
// Metrics live on an isolated Prometheus registry and expose the run
// vocabulary: attempts_total, targets_total, polls_total,
// phase_duration_seconds, attempt_duration_seconds, run_active. All
// Record methods are nil-guarded so a disabled Metrics value can be
// passed around freely:
//
//	tel.Metrics.RecordAttempt("workloads", "kube", "shutdown", "succeeded", elapsed)
//	tel.Metrics.RecordTarget("converged")
//
// The optional HTTP endpoint serves the registry via promhttp when a
// listen address is configured.
package telemetry
