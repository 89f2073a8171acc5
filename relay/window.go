package relay

import "fmt"

// Window is a fixed-capacity ring holding the most recently appended bytes of
// a stream, addressed by absolute stream offset. It retains the range
// [Start, End); Append grows End, EvictTo advances Start. The zero capacity is
// invalid.
//
// Window is a passive structure: it performs no locking and no waiting. The
// owner serializes access and turns a short Append (the buffer-full case) into
// backpressure.
type Window struct {
	buf   []byte
	start uint64
	end   uint64
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		panic("window capacity must be positive")
	}
	return &Window{buf: make([]byte, capacity)}
}

// Start returns the offset of the oldest retained byte.
func (w *Window) Start() uint64 { return w.start }

// End returns the offset one past the newest retained byte. For a session
// window this is the stream's total accepted offset.
func (w *Window) End() uint64 { return w.end }

// Buffered returns the number of retained bytes.
func (w *Window) Buffered() int { return int(w.end - w.start) }

// Free returns the remaining capacity.
func (w *Window) Free() int { return len(w.buf) - w.Buffered() }

// Append copies as much of p as capacity allows and returns the number of
// bytes appended. A return value short of len(p) means the buffer is full and
// the caller must wait for eviction before offering the remainder again.
func (w *Window) Append(p []byte) int {
	n := len(p)
	if free := w.Free(); n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		w.buf[(w.end+uint64(i))%uint64(len(w.buf))] = p[i]
	}
	w.end += uint64(n)
	return n
}

// ReadAt copies retained bytes starting at off into p and returns the number
// copied, which is short when fewer than len(p) bytes exist past off. Offsets
// below Start fail with ErrOffsetTooOld; offsets past End are invalid.
func (w *Window) ReadAt(p []byte, off uint64) (int, error) {
	if off < w.start {
		return 0, fmt.Errorf("read at %d, window starts at %d: %w", off, w.start, ErrOffsetTooOld)
	}
	if off > w.end {
		return 0, fmt.Errorf("read at %d, window ends at %d: %w", off, w.end, ErrOffsetBeyondStream)
	}
	n := len(p)
	if avail := int(w.end - off); n > avail {
		n = avail
	}
	for i := 0; i < n; i++ {
		p[i] = w.buf[(off+uint64(i))%uint64(len(w.buf))]
	}
	return n, nil
}

// EvictTo discards retained bytes below off. Offsets at or below Start are a
// no-op; offsets past End are capped.
func (w *Window) EvictTo(off uint64) {
	if off > w.end {
		off = w.end
	}
	if off > w.start {
		w.start = off
	}
}
