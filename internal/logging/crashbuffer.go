package logging

import (
	"os"
	"sync"
)

// CrashBuffer is a thread-safe circular byte buffer holding the most recent
// log output. It implements io.Writer and overwrites the oldest data when
// full, so a crash dump always contains the tail of the log stream.
type CrashBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of oldest byte
	n     int // bytes currently held
}

// NewCrashBuffer creates a buffer with the given capacity in bytes.
func NewCrashBuffer(size int) *CrashBuffer {
	if size <= 0 {
		size = 4 * 1024 * 1024
	}
	return &CrashBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. Writes never fail; old data is dropped.
func (cb *CrashBuffer) Write(p []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	written := len(p)
	size := len(cb.buf)
	if len(p) >= size {
		// Only the final window of a huge write survives.
		copy(cb.buf, p[len(p)-size:])
		cb.start = 0
		cb.n = size
		return written, nil
	}

	end := (cb.start + cb.n) % size
	first := copy(cb.buf[end:], p)
	copy(cb.buf, p[first:])

	cb.n += len(p)
	if cb.n > size {
		cb.start = (cb.start + cb.n - size) % size
		cb.n = size
	}
	return written, nil
}

// Bytes returns the buffered contents in chronological order.
func (cb *CrashBuffer) Bytes() []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]byte, cb.n)
	first := copy(out, cb.buf[cb.start:min(cb.start+cb.n, len(cb.buf))])
	copy(out[first:], cb.buf[:cb.n-first])
	return out
}

// DumpToFile writes the buffered contents to a file.
func (cb *CrashBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, cb.Bytes(), 0o644)
}
