// Package tailbuf provides a fixed-capacity byte buffer that keeps only the
// most recently written bytes. It backs the log-tail capture of worker
// output: however much the worker writes, the tail never grows past its
// capacity and always holds the newest data.
package tailbuf

import "sync"

// Buffer is a bounded ring of bytes. Writes never fail and never block;
// older bytes are overwritten once the capacity is reached. Safe for
// concurrent use.
type Buffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	full  bool
}

// New creates a Buffer holding at most capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// Write appends p, discarding the oldest bytes when p pushes the buffer
// past its capacity. It always reports len(p) written and a nil error so it
// can sit behind an io.MultiWriter without disturbing the other sinks.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	capacity := cap(b.buf)

	// A single oversized write reduces to its own tail.
	if n >= capacity {
		b.buf = b.buf[:capacity]
		copy(b.buf, p[n-capacity:])
		b.start = 0
		b.full = true
		return n, nil
	}

	if !b.full {
		free := capacity - len(b.buf)
		if n <= free {
			b.buf = append(b.buf, p...)
			return n, nil
		}
		// Fill the remaining space, then wrap.
		b.buf = append(b.buf, p[:free]...)
		p = p[free:]
		b.full = true
	}

	for len(p) > 0 {
		c := copy(b.buf[b.start:], p)
		p = p[c:]
		b.start = (b.start + c) % capacity
	}
	return n, nil
}

// Bytes returns the buffered tail in write order. The returned slice is a
// copy and safe to retain.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]byte, len(b.buf))
		copy(out, b.buf)
		return out
	}
	out := make([]byte, cap(b.buf))
	n := copy(out, b.buf[b.start:])
	copy(out[n:], b.buf[:b.start])
	return out
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return cap(b.buf)
	}
	return len(b.buf)
}

// Reset discards the buffered bytes while keeping the capacity.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.start = 0
	b.full = false
}
