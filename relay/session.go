package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxChunk bounds a single delivery handed to a receiver connection.
const maxChunk = 32 * 1024

type SessionState int

const (
	StateWaitingForPeers SessionState = iota
	StateStreaming
	StateAwaitingReconnect
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateWaitingForPeers:
		return "waiting"
	case StateStreaming:
		return "streaming"
	case StateAwaitingReconnect:
		return "awaiting-reconnect"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type SessionConfig struct {
	// WindowBytes is the capacity of the session's window buffer.
	WindowBytes int
	// SenderGrace is how long a dropped sender holds the session in
	// AwaitingReconnect before waiting receivers are released with
	// ErrUpstreamGone.
	SenderGrace time.Duration
	// ReceiverGrace is how long a dropped receiver's unread bytes are
	// protected from eviction. Zero disables the hold.
	ReceiverGrace time.Duration
	// IdleTimeout reaps sessions that have sat without any attachment.
	IdleTimeout time.Duration
}

type droppedReceiver struct {
	acked    uint64
	deadline time.Time
}

// Session is the state for one named pipe: at most one sender, any number of
// receivers, and the window buffer between them. All state is serialized
// behind one mutex; the two condition variables carry the bytes-available and
// space-available wakeups between attachments.
type Session struct {
	path string
	log  *zap.SugaredLogger
	cfg  SessionConfig

	mu       sync.Mutex
	readable *sync.Cond
	writable *sync.Cond

	window *Window
	state  SessionState

	sender        *SenderAttachment
	senderEOF     bool
	graceDeadline time.Time

	receivers map[string]*ReceiverAttachment
	dropped   map[string]droppedReceiver

	everStreamed bool
	drainedOnce  bool
	closeErr     error
	seq          uint64
	lastActive   time.Time
}

func newSession(log *zap.SugaredLogger, path string, cfg SessionConfig) *Session {
	s := &Session{
		path:       path,
		log:        log.With("path", path),
		cfg:        cfg,
		window:     NewWindow(cfg.WindowBytes),
		receivers:  make(map[string]*ReceiverAttachment),
		dropped:    make(map[string]droppedReceiver),
		lastActive: time.Now(),
	}
	s.readable = sync.NewCond(&s.mu)
	s.writable = sync.NewCond(&s.mu)
	return s
}

func (s *Session) Path() string { return s.path }

// Status reports the session state and the total accepted offset.
func (s *Session) Status() (SessionState, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.window.End()
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

func (s *Session) attachSender(resume *uint64) (*SenderAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, s.closeReasonLocked()
	}
	if s.sender != nil {
		return nil, ErrRoleConflict
	}
	if s.senderEOF {
		// The stream completed; only a fresh session may write again.
		return nil, ErrSessionClosed
	}

	// Absence of a resume offset means offset 0, so a sender joining a
	// session that already accepted bytes fails the same exact-match check
	// as a bad reconnect.
	var want uint64
	if resume != nil {
		want = *resume
	}
	if want != s.window.End() {
		return nil, fmt.Errorf("sender offset %d, accepted %d: %w", want, s.window.End(), ErrResumeOffsetMismatch)
	}

	s.seq++
	a := &SenderAttachment{s: s, id: uuid.NewString(), seq: s.seq}
	s.sender = a
	s.senderEOF = false
	s.graceDeadline = time.Time{}
	if len(s.receivers) > 0 || s.everStreamed {
		s.setStreamingLocked()
	} else {
		s.state = StateWaitingForPeers
	}
	s.touchLocked()
	s.readable.Broadcast()
	s.writable.Broadcast()
	s.log.Debugw("sender attached", "attachment", a.id, "offset", want)
	return a, nil
}

func (s *Session) attachReceiver(resume *uint64) (*ReceiverAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, s.closeReasonLocked()
	}

	var cursor uint64
	switch {
	case resume != nil:
		cursor = *resume
		if cursor < s.window.Start() {
			return nil, fmt.Errorf("resume at %d, window starts at %d: %w", cursor, s.window.Start(), ErrOffsetTooOld)
		}
		if cursor > s.window.End() {
			return nil, fmt.Errorf("resume at %d, accepted %d: %w", cursor, s.window.End(), ErrOffsetBeyondStream)
		}
		// The resuming receiver releases the eviction hold it left
		// behind when it dropped.
		s.releaseGraceHoldLocked(cursor)
	case s.everStreamed:
		// Late attach: live bytes only, no backfill.
		cursor = s.window.End()
	default:
		cursor = s.window.Start()
	}

	s.seq++
	a := &ReceiverAttachment{s: s, id: uuid.NewString(), seq: s.seq, start: cursor, cursor: cursor, acked: cursor}
	s.receivers[a.id] = a
	if s.sender != nil || s.senderEOF {
		s.setStreamingLocked()
	}
	s.touchLocked()
	s.readable.Broadcast()
	s.writable.Broadcast()
	s.log.Debugw("receiver attached", "attachment", a.id, "offset", cursor)
	return a, nil
}

func (s *Session) setStreamingLocked() {
	s.state = StateStreaming
	s.everStreamed = true
}

func (s *Session) closeReasonLocked() error {
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrSessionClosed
}

func (s *Session) touchLocked() {
	s.lastActive = time.Now()
}

// evictionFloorLocked returns the highest offset that may be evicted to: the
// minimum acked offset over live receivers and dropped receivers still within
// their grace window. Before the first receiver ever attaches the floor stays
// at the window start so a sender cannot outrun it.
func (s *Session) evictionFloorLocked(now time.Time) uint64 {
	s.pruneDroppedLocked(now)
	floor := s.window.End()
	tracked := false
	for _, r := range s.receivers {
		if r.acked < floor {
			floor = r.acked
		}
		tracked = true
	}
	for _, d := range s.dropped {
		if d.acked < floor {
			floor = d.acked
		}
		tracked = true
	}
	if !tracked && !s.everStreamed {
		return s.window.Start()
	}
	return floor
}

func (s *Session) pruneDroppedLocked(now time.Time) {
	pruned := false
	for id, d := range s.dropped {
		if now.After(d.deadline) {
			delete(s.dropped, id)
			pruned = true
		}
	}
	if pruned {
		s.writable.Broadcast()
	}
}

func (s *Session) releaseGraceHoldLocked(resume uint64) {
	var best string
	var bestAck uint64
	for id, d := range s.dropped {
		if d.acked <= resume && (best == "" || d.acked > bestAck) {
			best = id
			bestAck = d.acked
		}
	}
	if best != "" {
		delete(s.dropped, best)
		s.writable.Broadcast()
	}
}

func (s *Session) maybeCloseLocked() {
	if s.state == StateClosed {
		return
	}
	if s.senderEOF && s.drainedOnce && len(s.receivers) == 0 && len(s.dropped) == 0 {
		s.closeLocked(nil)
	}
}

func (s *Session) closeLocked(reason error) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.closeErr = reason
	s.readable.Broadcast()
	s.writable.Broadcast()
	s.log.Debugw("session closed", "offset", s.window.End(), "reason", reason)
}

// sweep advances time-driven transitions: pruning receiver grace holds,
// expiring the sender grace period, and reaping idle sessions. It reports
// whether the session is dead and can be removed from the registry.
func (s *Session) sweep(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneDroppedLocked(now)
	if s.state == StateAwaitingReconnect && !s.graceDeadline.IsZero() && now.After(s.graceDeadline) {
		s.log.Debugw("sender grace period expired", "offset", s.window.End())
		s.closeLocked(ErrUpstreamGone)
	}
	s.maybeCloseLocked()
	if s.state != StateClosed &&
		s.sender == nil && len(s.receivers) == 0 && len(s.dropped) == 0 &&
		s.cfg.IdleTimeout > 0 && now.Sub(s.lastActive) > s.cfg.IdleTimeout {
		s.log.Debugw("session idle, reaping", "offset", s.window.End())
		s.closeLocked(nil)
	}

	return s.state == StateClosed && s.sender == nil && len(s.receivers) == 0
}

// SenderAttachment is the sender role's handle on a session. It is owned by
// exactly one connection handler.
type SenderAttachment struct {
	s        *Session
	id       string
	seq      uint64
	detached bool // guarded by s.mu
}

func (a *SenderAttachment) ID() string { return a.id }

// Offset returns the session's total accepted offset.
func (a *SenderAttachment) Offset() uint64 {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return a.s.window.End()
}

// Write appends p to the session window, suspending while the window is full
// and no safe eviction exists. This is the engine's backpressure point: a
// slow receiver propagates here, and from here over TCP to the sending
// client. Blocks until all of p is accepted or ctx is done.
func (a *SenderAttachment) Write(ctx context.Context, p []byte) error {
	s := a.s
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.writable.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.state == StateClosed {
			return s.closeReasonLocked()
		}
		if a.detached {
			return ErrSessionClosed
		}
		s.window.EvictTo(s.evictionFloorLocked(time.Now()))
		n := s.window.Append(p)
		if n == 0 {
			s.writable.Wait()
			continue
		}
		p = p[n:]
		s.touchLocked()
		s.readable.Broadcast()
	}
	return nil
}

// CloseEOF signals explicit end-of-stream. The session stops accepting writes
// and closes once every receiver has drained through the final offset.
// Returns the final offset.
func (a *SenderAttachment) CloseEOF() uint64 {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !a.detached {
		a.detached = true
		if s.sender == a {
			s.sender = nil
		}
		if s.state != StateClosed {
			s.senderEOF = true
		}
		s.touchLocked()
		s.maybeCloseLocked()
		s.readable.Broadcast()
		s.log.Debugw("sender finished", "attachment", a.id, "offset", s.window.End())
	}
	return s.window.End()
}

// Drop detaches the sender after an unexpected connection end. The session
// moves to AwaitingReconnect and holds for the sender grace period.
func (a *SenderAttachment) Drop() {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.detached {
		return
	}
	a.detached = true
	if s.sender != a {
		return
	}
	s.sender = nil
	if s.state == StateClosed || s.senderEOF {
		return
	}
	s.state = StateAwaitingReconnect
	s.graceDeadline = time.Now().Add(s.cfg.SenderGrace)
	s.touchLocked()
	s.readable.Broadcast()
	s.log.Debugw("sender dropped, awaiting reconnect", "attachment", a.id, "offset", s.window.End())
}

// ReceiverAttachment is a receiver role's handle on a session. Each receiver
// tracks its own cursor, so independently-paced receivers each get an
// identical copy of the stream.
type ReceiverAttachment struct {
	s        *Session
	id       string
	seq      uint64
	start    uint64
	cursor   uint64 // next offset to hand to the connection
	acked    uint64 // confirmed on the wire; eviction floor
	released bool   // guarded by s.mu
}

func (a *ReceiverAttachment) ID() string { return a.id }

// StartOffset is the offset delivery began at for this attachment.
func (a *ReceiverAttachment) StartOffset() uint64 { return a.start }

// Offset returns the next undelivered offset.
func (a *ReceiverAttachment) Offset() uint64 {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return a.cursor
}

// Next returns the next chunk of the stream, blocking until bytes are
// available past the cursor. io.EOF marks a cleanly finished, fully drained
// stream; ErrUpstreamGone marks a sender grace expiry.
func (a *ReceiverAttachment) Next(ctx context.Context) ([]byte, error) {
	s := a.s
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.readable.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.released {
			return nil, ErrSessionClosed
		}
		if a.cursor < s.window.End() {
			p := make([]byte, min(maxChunk, int(s.window.End()-a.cursor)))
			n, err := s.window.ReadAt(p, a.cursor)
			if err != nil {
				return nil, err
			}
			a.cursor += uint64(n)
			s.touchLocked()
			return p[:n], nil
		}
		if s.senderEOF {
			s.drainedOnce = true
			return nil, io.EOF
		}
		if s.state == StateClosed {
			return nil, s.closeReasonLocked()
		}
		s.readable.Wait()
	}
}

// Ack confirms that everything handed out by Next reached the wire, letting
// the window evict past it.
func (a *ReceiverAttachment) Ack() {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.acked < a.cursor {
		a.acked = a.cursor
		s.touchLocked()
		s.writable.Broadcast()
	}
}

// Release detaches the receiver. A receiver that had not drained the stream
// leaves a bounded-grace eviction hold behind so it can reconnect and resume
// without loss; other receivers and the sender are unaffected.
func (a *ReceiverAttachment) Release() {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.released {
		return
	}
	a.released = true
	delete(s.receivers, a.id)
	drained := s.senderEOF && a.cursor == s.window.End()
	if !drained && s.state != StateClosed && s.cfg.ReceiverGrace > 0 {
		s.dropped[a.id] = droppedReceiver{acked: a.acked, deadline: time.Now().Add(s.cfg.ReceiverGrace)}
	}
	s.touchLocked()
	s.maybeCloseLocked()
	s.readable.Broadcast()
	s.writable.Broadcast()
	s.log.Debugw("receiver released", "attachment", a.id, "offset", a.cursor, "drained", drained)
}
