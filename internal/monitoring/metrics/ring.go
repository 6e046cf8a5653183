// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"sort"
	"sync"
	"time"
)

// LatencyStats summarizes the samples held by a DurationRingBuffer.
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// DurationRingBuffer keeps the most recent duration samples.
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a ring buffer holding up to capacity samples.
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DurationRingBuffer{buffer: make([]time.Duration, capacity)}
}

// Push adds a sample, evicting the oldest one when full.
func (rb *DurationRingBuffer) Push(d time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	tail := (rb.head + rb.count) % len(rb.buffer)
	rb.buffer[tail] = d
	if rb.count < len(rb.buffer) {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % len(rb.buffer)
	}
}

// Stats computes min, max, mean and percentiles of the held samples.
func (rb *DurationRingBuffer) Stats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := range values {
		values[i] = rb.buffer[(rb.head+i)%len(rb.buffer)]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var total time.Duration
	for _, v := range values {
		total += v
	}
	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
	}
}

// percentile picks the pth percentile from sorted values.
func percentile(values []time.Duration, p float64) time.Duration {
	return values[int(float64(len(values)-1)*p)]
}
