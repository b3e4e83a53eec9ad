package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring that keeps the most recent data.
// When full, writes overwrite the oldest bytes.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	count  int
	mu     sync.Mutex
}

// NewRingBuffer creates a new ring buffer with the specified capacity
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write appends data and returns how many older bytes were overwritten.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(data) >= rb.size {
		dropped := rb.count + len(data) - rb.size
		copy(rb.buffer, data[len(data)-rb.size:])
		rb.read = 0
		rb.count = rb.size
		return dropped
	}

	dropped := 0
	if over := rb.count + len(data) - rb.size; over > 0 {
		rb.read = (rb.read + over) % rb.size
		rb.count -= over
		dropped = over
	}

	write := (rb.read + rb.count) % rb.size
	n := copy(rb.buffer[write:], data)
	copy(rb.buffer, data[n:])
	rb.count += len(data)
	return dropped
}

// Read reads up to len(data) of the oldest bytes
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(data)
}

func (rb *RingBuffer) readLocked(data []byte) int {
	n := len(data)
	if n > rb.count {
		n = rb.count
	}
	first := copy(data[:n], rb.buffer[rb.read:])
	if first < n {
		copy(data[first:n], rb.buffer)
	}
	rb.read = (rb.read + n) % rb.size
	rb.count -= n
	return n
}

// Drain removes and returns everything buffered.
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.count)
	rb.readLocked(out)
	return out
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.read = 0
	rb.count = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}

// IsFull returns true if the next write would overwrite data
func (rb *RingBuffer) IsFull() bool {
	return rb.Available() == rb.size
}
