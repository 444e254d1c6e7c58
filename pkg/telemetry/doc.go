// Package telemetry provides observability instrumentation for the rangerd agent.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) for monitoring and debugging
// reconciliation behavior.
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//	    return err
//	}
//	reconcileLog := logger.NewComponentLogger("reconcile")
//	reconcileLog = reconcileLog.WithPassID("pass-123").WithTrigger("dependency-changed")
//	reconcileLog.Info("Starting reconciliation pass")
//	reconcileLog.WithError(err).Error("Apply failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Each reconciliation pass runs under a span with phase transition events:
//
//	ctx, span := tracer.StartPassSpan(ctx, passID, trigger)
//	defer span.End()
//
//	telemetry.AddPhaseEvent(span, "configuring")
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Key metrics exposed:
//
//   - rangerd_passes_started_total{trigger}
//   - rangerd_passes_completed_total{status}
//   - rangerd_pass_duration_seconds{status}
//   - rangerd_dependencies{kind,state}
//   - rangerd_dependencies_satisfied
//   - rangerd_applies_total{result}
//   - rangerd_workload_restarts_total{service}
//   - rangerd_health_checks_total{result}
//   - rangerd_fact_publishes_total{consumer,result}
//   - rangerd_errors_total{kind}
//   - rangerd_triggers_coalesced_total
//
// Metrics.Handler serves the registry; the agent mounts it on the admin HTTP
// listener at /metrics (default :9425).
//
// # Configuration
//
// DefaultConfig returns the baseline the agent adjusts from its options file:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//	cfg.Logging.Level = "debug"
//
// # Graceful Shutdown
//
// Shut the tracer down to flush pending spans:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//
//	if err := tracer.Shutdown(ctx); err != nil {
//	    logger.WithError(err).Warn("Trace flush incomplete")
//	}
//
// # Security Considerations
//
//   - Never log credential attribute values (bind passwords, database passwords)
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
