package rtcManager

import (
	"sync"
)

// CircularMetricsBuffer keeps the last capacity quality samples of one peer.
type CircularMetricsBuffer struct {
	mu       sync.RWMutex
	data     []QualityMetrics
	capacity int
	size     int
	head     int // next write position
}

func NewCircularMetricsBuffer(capacity int) *CircularMetricsBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &CircularMetricsBuffer{
		data:     make([]QualityMetrics, capacity),
		capacity: capacity,
	}
}

// Add stores sample, overwriting the oldest one when full.
func (cb *CircularMetricsBuffer) Add(sample QualityMetrics) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.data[cb.head] = sample
	cb.head = (cb.head + 1) % cb.capacity
	if cb.size < cb.capacity {
		cb.size++
	}
}

// Latest returns the newest sample.
func (cb *CircularMetricsBuffer) Latest() (QualityMetrics, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.size == 0 {
		return QualityMetrics{}, false
	}
	return cb.data[(cb.head-1+cb.capacity)%cb.capacity], true
}

// GetRecent returns up to n samples, newest first.
func (cb *CircularMetricsBuffer) GetRecent(n int) []QualityMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if n > cb.size {
		n = cb.size
	}
	result := make([]QualityMetrics, n)
	pos := cb.head
	for i := range result {
		pos = (pos - 1 + cb.capacity) % cb.capacity
		result[i] = cb.data[pos]
	}
	return result
}

// GetAll returns every sample, oldest first.
func (cb *CircularMetricsBuffer) GetAll() []QualityMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.size == 0 {
		return nil
	}
	result := make([]QualityMetrics, cb.size)
	start := (cb.head - cb.size + cb.capacity) % cb.capacity
	for i := range result {
		result[i] = cb.data[(start+i)%cb.capacity]
	}
	return result
}

func (cb *CircularMetricsBuffer) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

func (cb *CircularMetricsBuffer) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.size = 0
	cb.head = 0
}
