// Package progress provides the milestone primitives, non-blocking hub, and
// emitter interface that job runs use to report operational progress. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics or structured logs. The ordered,
// client-facing event stream lives in package stream; this hub drops events
// under backpressure and is meant for operators.
package progress
