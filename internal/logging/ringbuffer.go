package logging

import (
	"os"
	"path/filepath"
	"sync"
)

// RingBuffer keeps the last size bytes written to it. It backs the crash
// dump written when the daemon exits on a fatal error.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of the oldest byte
	n     int // bytes held
}

// NewRingBuffer keeps the last size bytes written.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails; old bytes are overwritten.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := len(p)
	size := len(rb.buf)
	if len(p) >= size {
		copy(rb.buf, p[len(p)-size:])
		rb.start, rb.n = 0, size
		return written, nil
	}

	end := (rb.start + rb.n) % size
	for len(p) > 0 {
		c := copy(rb.buf[end:], p)
		p = p[c:]
		end = (end + c) % size
		rb.n += c
	}
	if rb.n > size {
		rb.start = (rb.start + rb.n - size) % size
		rb.n = size
	}
	return written, nil
}

// Bytes returns the held bytes oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.n)
	first := copy(out, rb.buf[rb.start:min(rb.start+rb.n, len(rb.buf))])
	copy(out[first:], rb.buf[:rb.n-first])
	return out
}

func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.n
}

// DumpToFile writes Bytes to path, creating the parent directory.
func (rb *RingBuffer) DumpToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
