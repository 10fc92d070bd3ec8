package metrics

import (
	"sync"
	"time"
)

// IntervalTracker measures the mean gap between consecutive events over the
// window since the last Take.
type IntervalTracker struct {
	mu    sync.Mutex
	last  time.Time
	sum   time.Duration
	count int64
	mean  time.Duration
}

// Observe records an event at t.
func (it *IntervalTracker) Observe(t time.Time) {
	it.mu.Lock()
	if !it.last.IsZero() && t.After(it.last) {
		it.sum += t.Sub(it.last)
		it.count++
	}
	it.last = t
	it.mu.Unlock()
}

// Take returns the mean interval of the current window and starts a new one.
// When no interval was observed during the window the previous mean is
// returned so idle periods do not read as zero.
func (it *IntervalTracker) Take() time.Duration {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.count > 0 {
		it.mean = it.sum / time.Duration(it.count)
	}
	it.sum = 0
	it.count = 0
	return it.mean
}

// Last returns the time of the most recent event.
func (it *IntervalTracker) Last() time.Time {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.last
}
