package host

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of stats samples kept for charts.
const DefaultHistorySize = 120

// Sample is one stats interval as seen by the host.
type Sample struct {
	At               time.Time `json:"at"`
	Received         int64     `json:"received"`
	Dispatched       int64     `json:"dispatched"`
	Filtered         int64     `json:"filtered"`
	Malformed        int64     `json:"malformed"`
	Evicted          int64     `json:"evicted"`
	ReadErrors       int64     `json:"read_errors"`
	PacketsPerSec    float64   `json:"packets_per_sec"`
	IntervalMeanMs   float64   `json:"interval_mean_ms"`
	IntervalStdDevMs float64   `json:"interval_stddev_ms"`
	QueueDepth       int       `json:"queue_depth"`
}

// Dropped is the number of datagrams that did not become queued packets
// or were evicted from the queue.
func (s Sample) Dropped() int64 {
	return s.Filtered + s.Malformed + s.Evicted
}

// History is a fixed-size ring of samples, oldest first.
type History struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool
}

// NewHistory creates a ring holding up to size samples.
func NewHistory(size int) *History {
	if size < 1 {
		size = DefaultHistorySize
	}
	return &History{samples: make([]Sample, size)}
}

// Add appends s, overwriting the oldest sample when full.
func (h *History) Add(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = s
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
}

// Samples returns a copy of the stored samples in chronological order.
func (h *History) Samples() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Sample(nil), h.samples[:h.next]...)
	}
	out := make([]Sample, 0, len(h.samples))
	out = append(out, h.samples[h.next:]...)
	return append(out, h.samples[:h.next]...)
}

// Latest returns the most recent sample.
func (h *History) Latest() (Sample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full && h.next == 0 {
		return Sample{}, false
	}
	i := (h.next - 1 + len(h.samples)) % len(h.samples)
	return h.samples[i], true
}
