package supervisor

import (
	"sync"

	"github.com/rhuss/aufruf/pkg/tailbuf"
)

// LogTap sits on the worker's output streams and copies bytes into a
// per-invocation tail buffer while one is armed. Output always flows to the
// passthrough writers; the tap only decides whether a tail is kept.
type LogTap struct {
	mu  sync.Mutex
	buf *tailbuf.Buffer
}

// Arm directs subsequent worker output into buf.
func (t *LogTap) Arm(buf *tailbuf.Buffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = buf
}

// Disarm stops capturing and returns the buffer last armed, or nil.
func (t *LogTap) Disarm() *tailbuf.Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.buf
	t.buf = nil
	return buf
}

// Write implements io.Writer. Bytes are dropped when no buffer is armed.
func (t *LogTap) Write(p []byte) (int, error) {
	t.mu.Lock()
	buf := t.buf
	t.mu.Unlock()

	if buf != nil {
		buf.Write(p)
	}
	return len(p), nil
}
