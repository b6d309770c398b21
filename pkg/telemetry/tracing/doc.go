// Package tracing configures OpenTelemetry tracing for concord.
//
// New installs a tracer provider exporting over OTLP/gRPC. The engine
// opens a span per evaluation and the replication coordinator one per
// peer sync cycle and emergency push; the HTTP transport propagates the
// W3C trace context to peers so a cycle shows up as one trace across
// nodes.
//
// Configuration:
//
//	telemetry:
//	  tracing:
//	    enabled: true
//	    endpoint: otel-collector:4317
//	    insecure: true
//	    sampler: ratio
//	    sample_ratio: 0.1
//	    service_name: concord
package tracing
