package logging

import "sync"

// RingBuffer is a fixed-size circular buffer for process output.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write appends data to the ring buffer, overwriting the oldest bytes
// once the buffer is full.
func (rb *RingBuffer) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(p) >= rb.size {
		// Only the tail of p survives.
		copy(rb.buf, p[len(p)-rb.size:])
		rb.pos = 0
		rb.full = true
		return
	}

	n := copy(rb.buf[rb.pos:], p)
	if n < len(p) {
		copy(rb.buf, p[n:])
		rb.full = true
	}
	rb.pos = (rb.pos + len(p)) % rb.size
	if rb.pos == 0 {
		rb.full = true
	}
}

// Read returns the last n bytes from the buffer.
// If n exceeds available data, returns all available data.
func (rb *RingBuffer) Read(n int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	available := rb.pos
	if rb.full {
		available = rb.size
	}

	if n > available {
		n = available
	}
	if n == 0 {
		return nil
	}

	result := make([]byte, n)
	start := rb.pos - n
	if start < 0 {
		start += rb.size
	}

	m := copy(result, rb.buf[start:min(start+n, rb.size)])
	if m < n {
		copy(result[m:], rb.buf[:n-m])
	}
	return result
}

// Len returns the number of bytes stored.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return rb.size
	}
	return rb.pos
}

// Reset clears the buffer.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.pos = 0
	rb.full = false
}
