// Package sinks implements concrete progress consumers: Prometheus collectors,
// structured logging and run history persistence. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
