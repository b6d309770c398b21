// Package server provides the HTTP front of a concord node.
//
// One listener carries the replication endpoint peers push to, the
// operator API for rules, evaluation and conflicts, and the health and
// metrics endpoints.
//
// # Basic Usage
//
//	node, err := concord.Open(ctx, cfg, concord.Deps{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer node.Close()
//
//	srv := server.NewServer(&cfg.Server, node, server.Options{Logger: logger})
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//
// Start blocks until ctx is done or Stop is called, then shuts down within
// the configured shutdown timeout.
//
// # Routes
//
//   - POST /v1/replication - peer sync cycles and emergency pushes
//   - GET /v1/status, GET /v1/peers - node and per-peer sync status
//   - POST /v1/sync?peer= - force a sync cycle with one peer or all
//   - GET, POST /v1/rules - list (level, type, tag, parent, scope, overrides) and create
//   - GET, PUT, DELETE /v1/rules/{id} - PUT requires ?version=, DELETE accepts ?cascade=true
//   - GET /v1/rules/{id}/history, GET /v1/rules/{id}/effective
//   - POST /v1/rules/{id}/overrides - create an override of the rule
//   - POST /v1/rules/{id}/emergency - push the rule to every peer now
//   - POST /v1/evaluate - evaluate a JSON context object
//   - GET /v1/tree?scope= - inheritance tree for a scope
//   - GET /v1/conflicts, POST /v1/conflicts/{id}/settle
//   - GET /v1/audit - query the audit trail
//   - GET /health, /ready, /version and the metrics path
//
// Errors are returned as {"error": {"code": ..., "message": ...}}.
//
// # Middleware Chain
//
// From outermost: recovery, access logging, request id, then the tracing
// span when a tracer is configured.
package server
