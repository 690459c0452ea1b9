// Package metrics exposes gateway counters and gauges in Prometheus format.
//
// A Collector owns its own registry, so several gateways (or tests) can run
// in one process. Every method is safe to call on a nil *Collector, which
// turns instrumentation off without nil checks at call sites.
package metrics
