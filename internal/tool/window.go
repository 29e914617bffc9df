package tool

import (
	"slices"
	"sync"
	"time"
)

// sample is one recorded call: its duration and whether it failed.
type sample struct {
	d      time.Duration
	failed bool
}

// latencyWindow keeps the most recent tool-call outcomes in a ring buffer
// for percentile and error-rate reporting. All methods are safe for
// concurrent use.
type latencyWindow struct {
	mu      sync.Mutex
	samples []sample
	pos     int // next write position
	total   int // samples ever written (may exceed capacity)
}

// newLatencyWindow creates a window holding up to size samples. A size of 0
// or less defaults to 100.
func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 100
	}
	return &latencyWindow{samples: make([]sample, size)}
}

// Record appends one call's outcome, overwriting the oldest sample once the
// ring is full. An overwritten error leaves the window with the sample that
// displaced it, so the error rate decays as failures rotate out.
func (w *latencyWindow) Record(d time.Duration, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = sample{d: d, failed: isError}
	w.pos = (w.pos + 1) % len(w.samples)
	w.total++
}

// filled returns how many ring slots hold real samples.
func (w *latencyWindow) filled() int {
	if w.total >= len(w.samples) {
		return len(w.samples)
	}
	return w.total
}

// sorted returns the meaningful durations in ascending order.
func (w *latencyWindow) sorted() []time.Duration {
	n := w.filled()
	if n == 0 {
		return nil
	}
	cp := make([]time.Duration, n)
	for i := range n {
		cp[i] = w.samples[i].d
	}
	slices.Sort(cp)
	return cp
}

// P50 returns the median duration, or 0 before the first sample.
func (w *latencyWindow) P50() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)/2]
}

// P99 returns the 99th-percentile duration, or 0 before the first sample.
func (w *latencyWindow) P99() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[int(float64(len(s)-1)*0.99)]
}

// ErrorRate returns the fraction of windowed calls that failed, in [0, 1].
// Only samples still in the ring count, so the rate recovers once failures
// rotate out.
func (w *latencyWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.filled()
	if n == 0 {
		return 0
	}
	var failed int
	for i := range n {
		if w.samples[i].failed {
			failed++
		}
	}
	return float64(failed) / float64(n)
}

// Count returns the total number of recorded calls, which may exceed the
// window capacity.
func (w *latencyWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
