package executor

import "sync"

// DefaultOutputCap is the number of output bytes kept per phase.
const DefaultOutputCap = 1 << 20

// TailBuffer keeps the last limit bytes written to it. Exceeding the limit is
// not an error; it is reported by Truncated.
type TailBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int64
}

// NewTailBuffer returns a buffer keeping at most limit bytes. A
// non-positive limit means DefaultOutputCap.
func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = DefaultOutputCap
	}
	return &TailBuffer{limit: limit}
}

// Write implements io.Writer. It never fails.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.dropped += int64(over)
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether output was dropped to respect the limit.
func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// Dropped returns how many bytes were discarded.
func (b *TailBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
