package supervisor

import (
	"sync"

	"mindcraft-hub/internal/botlog"
)

const defaultTailSize = 200

// tail is a fixed-capacity circular buffer of the most recent log entries
// of one run.
type tail struct {
	mu   sync.RWMutex
	buf  []botlog.Entry
	pos  int
	full bool
}

func newTail(capacity int) *tail {
	if capacity <= 0 {
		capacity = defaultTailSize
	}
	return &tail{buf: make([]botlog.Entry, capacity)}
}

func (t *tail) write(e botlog.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf[t.pos] = e
	t.pos = (t.pos + 1) % len(t.buf)
	if t.pos == 0 {
		t.full = true
	}
}

// entries returns the buffered entries oldest first.
func (t *tail) entries() []botlog.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.full {
		out := make([]botlog.Entry, t.pos)
		copy(out, t.buf[:t.pos])
		return out
	}
	out := make([]botlog.Entry, len(t.buf))
	n := copy(out, t.buf[t.pos:])
	copy(out[n:], t.buf[:t.pos])
	return out
}
