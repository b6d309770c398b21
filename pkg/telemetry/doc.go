// Package telemetry groups concord's observability packages.
//
//   - logging: slog setup, context attributes, credential redaction
//   - metrics: Prometheus collector for evaluation, cache, rules and replication
//   - tracing: OpenTelemetry spans exported over OTLP/gRPC
//   - health: liveness, readiness and version endpoints
package telemetry
