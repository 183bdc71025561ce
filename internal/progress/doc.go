// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that workers and the proxy monitor use to report lifecycle
// milestones. It batches events on a background goroutine and fans them out to
// pluggable sinks such as structured logs or Prometheus metrics.
package progress
