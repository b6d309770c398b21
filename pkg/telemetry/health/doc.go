// Package health serves liveness, readiness and version endpoints.
//
// The instance registers readiness checks for its backends (rule store,
// audit sink) and for replication (at least one peer not degraded when
// peers are configured). /ready answers 503 while any check fails.
package health
