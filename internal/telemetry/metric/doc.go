// Package metric provides Prometheus metrics for Synap.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: Prometheus registry and HTTP handler
//   - collector.go: a scrape-time Collector for live gauges (KV key count,
//     queue depth, WAL size, goroutine count) that don't fit a simple
//     Inc()-at-the-call-site counter
//
// Metrics cover the four core subsystems (spec.md §2 C1-C6) plus the
// durability and replication layers (C7, C10-C12). Exposition itself
// (serving /metrics over HTTP) is glue the core leaves to spec.md §1's
// external collaborators; this package only builds and registers the
// metrics and hands back a handler a glue layer can mount.
//
// storage.Engine owns one Registry per instance (not the package-global
// Global()) and increments it directly from the KV/queue/stream command
// surface and from snapshot/recovery; storage.Engine.Metrics is what a glue
// layer mounts behind an HTTP handler.
//
// @req RQ-0403
// @design DS-0402
package metric
