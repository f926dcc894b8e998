package executor

import (
	"fmt"
	"sync"
	"unicode/utf8"
)

// cappedBuffer keeps the first limit bytes written to it and counts the rest.
// Writes never fail so the child process is never blocked on a full pipe.
type cappedBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.buf)
	if room > 0 {
		take := min(room, len(p))
		b.buf = append(b.buf, p[:take]...)
		b.dropped += len(p) - take
	} else {
		b.dropped += len(p)
	}
	return len(p), nil
}

// Text returns the captured text, with a marker appended when output was dropped.
func (b *cappedBuffer) Text() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dropped == 0 {
		return string(b.buf), false
	}
	return trimPartialRune(b.buf) + fmt.Sprintf("\n...[output truncated, %d more bytes]", b.dropped), true
}

// trimPartialRune drops a rune split by the capture limit.
func trimPartialRune(buf []byte) string {
	for cut := 0; cut < utf8.UTFMax && cut < len(buf); cut++ {
		if utf8.Valid(buf[:len(buf)-cut]) {
			return string(buf[:len(buf)-cut])
		}
	}
	return string(buf)
}
