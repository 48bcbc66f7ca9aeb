// Package telemetry provides simple, production-ready metrics emission
// and span helpers for the gateway.
//
// The API is designed with progressive disclosure: the functions in this
// file cover nearly every use. Callers never check errors on emission;
// telemetry failures are absorbed so they can never break the dispatch
// path.
package telemetry

import (
	"time"
)

// Counter increments a counter metric by 1.
// Labels should be provided as key-value pairs.
// Example: Counter("mediagate.tasks.started", "task_type", "image")
func Counter(name string, labels ...string) {
	Emit(name, 1, labels...)
}

// Histogram records a value in a distribution.
// Use for latencies, byte sizes, queue depths.
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Gauge sets a current-value metric (values that go up and down).
func Gauge(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
func Duration(name string, startTime time.Time, labels ...string) {
	Emit(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// RecordError records an error occurrence with type classification.
func RecordError(name string, errorType string, labels ...string) {
	allLabels := append(labels, "error_type", errorType)
	Counter(name, allLabels...)
}

// RecordBytes records byte counts.
func RecordBytes(name string, bytes int64, labels ...string) {
	Emit(name, float64(bytes), labels...)
}
