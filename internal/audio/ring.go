package audio

import (
	"fmt"
	"sync"
)

// RingBuffer is a fixed-capacity sample store that overwrites its oldest
// samples once full. Push and Snapshot share a single mutex, so the capture
// producer and the session control path may call them concurrently.
type RingBuffer struct {
	samples []float32
	head    int // index of the oldest sample
	size    int // number of valid samples
	evicted uint64
	pushes  uint64

	mu sync.Mutex
}

// RingStats represents ring buffer statistics for monitoring
type RingStats struct {
	Capacity int    `json:"capacity_samples"`
	Size     int    `json:"size_samples"`
	Evicted  uint64 `json:"evicted_samples"`
	Pushes   uint64 `json:"pushes"`
}

// NewRingBuffer creates a ring buffer holding at most capacity samples
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be positive, got %d", capacity)
	}

	return &RingBuffer{
		samples: make([]float32, capacity),
	}, nil
}

// CapacityFor returns the number of samples needed to hold a window of the
// given length in seconds at the given sample rate.
func CapacityFor(windowSeconds float64, sampleRate int) int {
	return int(windowSeconds * float64(sampleRate))
}

// Push appends chunk, evicting the oldest samples until the buffer holds at
// most Cap() samples. Values outside [-1, 1] are clamped.
func (r *RingBuffer) Push(chunk []float32) {
	if len(chunk) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pushes++
	capacity := len(r.samples)

	// Only the tail of an oversized chunk can survive
	if len(chunk) >= capacity {
		dropped := len(chunk) - capacity
		r.evicted += uint64(r.size + dropped)
		for i, s := range chunk[dropped:] {
			r.samples[i] = Clamp(s)
		}
		r.head = 0
		r.size = capacity
		return
	}

	if overflow := r.size + len(chunk) - capacity; overflow > 0 {
		r.head = (r.head + overflow) % capacity
		r.size -= overflow
		r.evicted += uint64(overflow)
	}

	tail := (r.head + r.size) % capacity
	for _, s := range chunk {
		r.samples[tail] = Clamp(s)
		tail++
		if tail == capacity {
			tail = 0
		}
	}
	r.size += len(chunk)
}

// Snapshot returns a copy of the buffered samples, oldest first
func (r *RingBuffer) Snapshot() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]float32, r.size)
	if r.size == 0 {
		return out
	}

	end := r.head + r.size
	if end <= len(r.samples) {
		copy(out, r.samples[r.head:end])
	} else {
		n := copy(out, r.samples[r.head:])
		copy(out[n:], r.samples[:end-len(r.samples)])
	}

	return out
}

// Len returns the current number of buffered samples
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the fixed capacity in samples
func (r *RingBuffer) Cap() int {
	return len(r.samples)
}

// Evicted returns the total number of samples discarded by overwrites
func (r *RingBuffer) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// Reset empties the buffer without releasing its storage
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}

// GetStats returns current ring buffer statistics
func (r *RingBuffer) GetStats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RingStats{
		Capacity: len(r.samples),
		Size:     r.size,
		Evicted:  r.evicted,
		Pushes:   r.pushes,
	}
}
