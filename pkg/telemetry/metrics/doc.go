// Package metrics exposes concord's Prometheus metrics.
//
// A Collector registers evaluation, cache, rule, conflict and replication
// metrics under the configured namespace (default "concord"). It implements
// engine.Observer and replication.Observer, and the instance wiring feeds it
// store change events and conflict records:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	eng := engine.New(idx, engine.Options{Observer: collector})
//	http.Handle("/metrics", collector.Handler())
//
// Peer labels are capped by a CardinalityLimiter; peers beyond the cap are
// reported as "other".
package metrics
