// Package observe defines the observability sink consumed by the broker
// core. Implementations must be fire-and-forget and never block control
// flow.
package observe

import "time"

// Sink receives timing samples per broker operation and exceptions
// captured from worker handlers.
type Sink interface {
	ObserveDuration(operation string, d time.Duration)
	CaptureException(err error)
}

// NopSink discards everything. Useful in tests.
type NopSink struct{}

func (NopSink) ObserveDuration(string, time.Duration) {}
func (NopSink) CaptureException(error)                {}
