package metrics

import "sync"

// Recorder increments counters for account and Spotify events.
type Recorder interface {
	Increment(event string)
}

// CounterMetrics implements Recorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

type noopRecorder struct{}

func (noopRecorder) Increment(string) {}

// NewNoop returns a Recorder that discards every event.
func NewNoop() Recorder {
	return noopRecorder{}
}

// OrNoop returns recorder, or a discarding Recorder when recorder is nil.
func OrNoop(recorder Recorder) Recorder {
	if recorder == nil {
		return noopRecorder{}
	}
	return recorder
}
