// Package metrics exposes Prometheus instrumentation for capture, delivery and
// the pending upload queue.
package metrics
