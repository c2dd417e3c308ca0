package metrics

import (
	"math"
	"slices"
	"sync"
	"time"
)

// DefaultWindowSize is used when a non-positive window size is requested.
const DefaultWindowSize = 1000

// Histogram records latency samples into a ring buffer of the most recent
// windowSize values. It is safe for concurrent use: Record takes the write
// lock only long enough to store one value, and readers copy the window
// under the read lock and sort the copy outside it.
type Histogram struct {
	mu     sync.RWMutex
	window []time.Duration
	next   int   // ring position of the next write
	filled int   // number of valid samples in window
	total  int64 // samples recorded since creation
}

// Summary describes the current window.
type Summary struct {
	Count  int           `json:"count"`
	Total  int64         `json:"total"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P99    time.Duration `json:"p99"`
	NoData bool          `json:"no_data,omitempty"`
}

// NewHistogram creates a histogram retaining the last windowSize samples.
func NewHistogram(windowSize int) *Histogram {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Histogram{
		window: make([]time.Duration, windowSize),
	}
}

// WindowSize returns the maximum number of retained samples.
func (h *Histogram) WindowSize() int {
	return len(h.window)
}

// Record appends a sample, evicting the oldest one once the window is full.
func (h *Histogram) Record(d time.Duration) {
	h.mu.Lock()
	h.window[h.next] = d
	h.next = (h.next + 1) % len(h.window)
	if h.filled < len(h.window) {
		h.filled++
	}
	h.total++
	h.mu.Unlock()
}

// Len returns the number of samples currently retained.
func (h *Histogram) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.filled
}

// Percentile returns the sample at index floor(p*N) of the sorted window,
// with the index clamped to [0, N-1]. p is clamped to [0, 1]. The boolean is
// false when the window is empty.
func (h *Histogram) Percentile(p float64) (time.Duration, bool) {
	sorted, _ := h.sortedSnapshot()
	if len(sorted) == 0 {
		return 0, false
	}
	return sorted[percentileIndex(p, len(sorted))], true
}

// Summary computes window statistics in one pass over a single snapshot.
func (h *Histogram) Summary() Summary {
	sorted, total := h.sortedSnapshot()
	if len(sorted) == 0 {
		return Summary{Total: total, NoData: true}
	}

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)

	return Summary{
		Count: n,
		Total: total,
		Min:   sorted[0],
		Max:   sorted[n-1],
		Mean:  sum / time.Duration(n),
		P50:   sorted[percentileIndex(0.50, n)],
		P90:   sorted[percentileIndex(0.90, n)],
		P99:   sorted[percentileIndex(0.99, n)],
	}
}

// sortedSnapshot copies the window and the lifetime total under one lock
// and sorts the copy.
func (h *Histogram) sortedSnapshot() ([]time.Duration, int64) {
	h.mu.RLock()
	snapshot := make([]time.Duration, h.filled)
	if h.filled < len(h.window) {
		copy(snapshot, h.window[:h.filled])
	} else {
		copy(snapshot, h.window)
	}
	total := h.total
	h.mu.RUnlock()

	slices.Sort(snapshot)
	return snapshot, total
}

// percentileIndex maps p onto [0, n-1]. n must be positive.
func percentileIndex(p float64, n int) int {
	if math.IsNaN(p) || p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	idx := int(math.Floor(p * float64(n)))
	if idx < 0 {
		return 0
	}
	if idx > n-1 {
		return n - 1
	}
	return idx
}
