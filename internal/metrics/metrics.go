package metrics

import "time"

// Recorder abstracts metric emission so components never depend on a
// concrete backend. Production wires the prometheus recorder; tests use Noop.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
