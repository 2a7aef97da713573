// Package metrics defines and registers the executor's Prometheus
// metrics: oplog append latency, cache permit utilization, shard
// assignment gauges, and RPC latency. Metrics are exposed via an HTTP
// handler for scraping.
package metrics
