// Package metrics exposes pairing and store observability hooks.
package metrics

import "time"

// Recorder receives pairing and store observations. Implementations forward to
// Prometheus; NoopRecorder is the default when metrics are disabled.
type Recorder interface {
	IncAttempt(result string)
	ObserveAttemptDuration(result string, d time.Duration)
	ObserveCodeLatency(d time.Duration)
	IncTransition(from, to string)
	IncReconnect()
	SetActiveAttempts(n int)
	ObserveStoreOp(op, result string, d time.Duration)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) IncAttempt(string)                            {}
func (NoopRecorder) ObserveAttemptDuration(string, time.Duration) {}
func (NoopRecorder) ObserveCodeLatency(time.Duration)             {}
func (NoopRecorder) IncTransition(string, string)                 {}
func (NoopRecorder) IncReconnect()                                {}
func (NoopRecorder) SetActiveAttempts(int)                        {}
func (NoopRecorder) ObserveStoreOp(string, string, time.Duration) {}
