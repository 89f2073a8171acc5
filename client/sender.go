package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cww0614/http-pipe/relay"
)

// Send streams in (typically stdin) through the pipe until EOF. Transport
// faults are recovered by reconnecting with the relay's accepted offset and
// replaying the unacknowledged suffix from a local window buffer; protocol
// violations and an exhausted retry budget fail the pipe.
func Send(ctx context.Context, cfg Config, in io.Reader) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	s := &sender{
		cfg:    cfg,
		log:    cfg.Logger.Named("sender"),
		httpc:  cfg.HTTPClient,
		probec: probeClient(cfg),
		in:     in,
		window: relay.NewWindow(cfg.WindowBytes),
		quit:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s.run(ctx)
}

type sender struct {
	cfg    Config
	log    *zap.SugaredLogger
	httpc  *http.Client
	probec *http.Client
	in     io.Reader

	mu   sync.Mutex
	cond *sync.Cond
	// window retains [confirmed, produced): bytes read from the input that
	// the relay has not yet acknowledged via a probe. Reconnects replay
	// from here.
	window    *relay.Window
	confirmed uint64
	inEOF     bool
	inErr     error

	quit     chan struct{}
	quitOnce sync.Once
}

var errSessionLost = errors.New("relay no longer has the session")

func (s *sender) run(ctx context.Context) error {
	go s.pump()
	go s.probeLoop(ctx)
	defer s.shutdown()

	attempt := 0
	var lastResume uint64
	var resume *uint64
	for {
		err := s.attempt(ctx, resume)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ierr := s.inputErr(); ierr != nil {
			return fmt.Errorf("reading input: %w", ierr)
		}
		if isPermanent(err) {
			return err
		}

		attempt++
		if attempt > s.cfg.RetryMax {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		s.log.Debugw("transfer interrupted, backing off", "attempt", attempt, "error", err)
		if werr := backoffWait(ctx, s.cfg, attempt); werr != nil {
			return werr
		}

		off, perr := probeOffset(ctx, s.probec, s.cfg.URL)
		if perr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(perr, errNoSession) {
				if s.produced() > 0 {
					return permanent(errSessionLost)
				}
				// Nothing was ever accepted; start over fresh.
				resume = nil
				continue
			}
			s.log.Debugw("offset probe failed, will retry", "error", perr)
			continue
		}
		if aerr := s.adoptOffset(off); aerr != nil {
			return aerr
		}
		if off > lastResume {
			// Forward progress; reset the budget.
			attempt = 0
		}
		lastResume = off
		resume = &off
		s.log.Debugw("resuming transfer", "offset", off)
	}
}

func (s *sender) shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// attempt performs one streaming PUT. A nil error means the relay
// acknowledged the complete stream.
func (s *sender) attempt(ctx context.Context, resume *uint64) error {
	var cursor uint64
	if resume != nil {
		cursor = *resume
	}
	body := &sendBody{s: s, cursor: cursor, done: make(chan struct{})}
	defer body.abort()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.cfg.URL, body)
	if err != nil {
		return permanent(fmt.Errorf("building request: %w", err))
	}
	if resume != nil {
		req.Header.Set(relay.HeaderOffset, strconv.FormatUint(*resume, 10))
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("streaming to relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	total, err := strconv.ParseUint(resp.Header.Get(relay.HeaderOffset), 10, 64)
	if err != nil {
		return permanent(fmt.Errorf("parsing final offset: %w", err))
	}
	if total != s.produced() {
		return permanent(fmt.Errorf("relay accepted %d bytes, sent %d: %w", total, s.produced(), relay.ErrResumeOffsetMismatch))
	}
	s.log.Debugw("stream complete", "offset", total)
	return nil
}

func (s *sender) produced() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.End()
}

func (s *sender) inputErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inErr
}

// adoptOffset trims the replay window to the relay's accepted offset. The
// offset must fall inside the locally retained range; anything else means the
// two sides disagree about the stream and the pipe cannot continue safely.
func (s *sender) adoptOffset(off uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < s.window.Start() || off > s.window.End() {
		return permanent(fmt.Errorf("relay accepted offset %d outside local range [%d, %d]: %w",
			off, s.window.Start(), s.window.End(), relay.ErrResumeOffsetMismatch))
	}
	if off > s.confirmed {
		s.confirmed = off
		s.window.EvictTo(off)
		s.cond.Broadcast()
	}
	return nil
}

// pump moves input bytes into the replay window, suspending while the window
// is full of unacknowledged bytes. That suspension is what turns relay-side
// backpressure into backpressure on the local input.
func (s *sender) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.in.Read(buf)
		if n > 0 {
			s.mu.Lock()
			rem := buf[:n]
			for len(rem) > 0 {
				select {
				case <-s.quit:
					s.mu.Unlock()
					return
				default:
				}
				w := s.window.Append(rem)
				if w == 0 {
					s.cond.Wait()
					continue
				}
				rem = rem[w:]
				s.cond.Broadcast()
			}
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			if err == io.EOF {
				s.inEOF = true
			} else {
				s.inErr = err
			}
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		select {
		case <-s.quit:
			return
		default:
		}
	}
}

// probeLoop periodically asks the relay which offset it has accepted, letting
// the replay window evict acknowledged bytes during long healthy transfers.
func (s *sender) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		off, err := probeOffset(ctx, s.probec, s.cfg.URL)
		if err != nil {
			if !errors.Is(err, errNoSession) {
				s.log.Debugw("offset probe failed", "error", err)
			}
			continue
		}
		s.mu.Lock()
		if off > s.confirmed && off >= s.window.Start() && off <= s.window.End() {
			s.confirmed = off
			s.window.EvictTo(off)
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
}

var errAttemptAborted = errors.New("attempt aborted")

// sendBody is the streaming request body for one attempt: it replays the
// retained window from the resume offset, then follows live bytes as the pump
// appends them, and reports EOF once the input is exhausted and fully sent.
type sendBody struct {
	s      *sender
	cursor uint64
	done   chan struct{}
}

func (b *sendBody) Read(p []byte) (int, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case <-b.done:
			return 0, errAttemptAborted
		default:
		}
		if b.cursor < s.window.End() {
			n, err := s.window.ReadAt(p, b.cursor)
			if err != nil {
				return 0, err
			}
			b.cursor += uint64(n)
			return n, nil
		}
		if s.inErr != nil {
			return 0, s.inErr
		}
		if s.inEOF {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
}

// abort wakes a Read blocked on the condition variable so the attempt's
// goroutines can wind down.
func (b *sendBody) abort() {
	close(b.done)
	b.s.mu.Lock()
	b.s.cond.Broadcast()
	b.s.mu.Unlock()
}
