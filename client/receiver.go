package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/cww0614/http-pipe/relay"
)

// Receive streams the pipe into out (typically stdout). Transport faults are
// recovered by reconnecting with the number of bytes already written, so the
// output never contains duplicated or missing bytes. Returns nil once the
// sender's explicit end-of-stream has been fully delivered.
func Receive(ctx context.Context, cfg Config, out io.Writer) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	r := &receiver{
		cfg:   cfg,
		log:   cfg.Logger.Named("receiver"),
		httpc: cfg.HTTPClient,
		out:   out,
	}
	return r.run(ctx)
}

type receiver struct {
	cfg   Config
	log   *zap.SugaredLogger
	httpc *http.Client
	out   io.Writer

	// pos is the absolute stream offset confirmed into out.
	pos     uint64
	started bool
}

func (r *receiver) run(ctx context.Context) error {
	attempt := 0
	var resume *uint64
	for {
		before := r.pos
		done, err := r.attempt(ctx, resume)
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanent(err) {
			return err
		}
		if r.pos > before {
			// Forward progress; reset the budget.
			attempt = 0
		}
		attempt++
		if attempt > r.cfg.RetryMax {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		r.log.Debugw("transfer interrupted, backing off", "attempt", attempt, "offset", r.pos, "error", err)
		if werr := backoffWait(ctx, r.cfg, attempt); werr != nil {
			return werr
		}
		off := r.pos
		resume = &off
	}
}

// attempt performs one streaming GET. done is true only when the stream
// terminated with a clean completion trailer.
func (r *receiver) attempt(ctx context.Context, resume *uint64) (done bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return false, permanent(fmt.Errorf("building request: %w", err))
	}
	if resume != nil {
		req.Header.Set(relay.HeaderOffset, strconv.FormatUint(*resume, 10))
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("connecting to relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, statusError(resp)
	}

	start, err := strconv.ParseUint(resp.Header.Get(relay.HeaderOffset), 10, 64)
	if err != nil {
		return false, permanent(fmt.Errorf("parsing delivery start offset: %w", err))
	}
	if r.started && start != r.pos {
		return false, permanent(fmt.Errorf("relay resumed at %d, expected %d: %w", start, r.pos, relay.ErrResumeOffsetMismatch))
	}
	if !r.started {
		// A late attach may begin mid-stream; delivery starts wherever
		// the relay's live offset is.
		r.pos = start
		r.started = true
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := r.out.Write(buf[:n]); werr != nil {
				return false, permanent(fmt.Errorf("writing output: %w", werr))
			}
			r.pos += uint64(n)
		}
		if rerr == io.EOF {
			return r.finish(resp)
		}
		if rerr != nil {
			return false, fmt.Errorf("reading stream: %w", rerr)
		}
	}
}

// finish inspects the trailers after a cleanly terminated response body. A
// body that ends without any trailer is a mid-stream connection loss.
func (r *receiver) finish(resp *http.Response) (bool, error) {
	if v := resp.Trailer.Get(relay.TrailerError); v != "" {
		return false, permanent(fmt.Errorf("%s: %w", v, relay.ErrUpstreamGone))
	}
	if resp.Trailer.Get(relay.TrailerComplete) != "true" {
		return false, fmt.Errorf("stream cut off at offset %d", r.pos)
	}
	total, err := strconv.ParseUint(resp.Trailer.Get(relay.HeaderOffset), 10, 64)
	if err != nil {
		return false, permanent(fmt.Errorf("parsing final offset: %w", err))
	}
	if total != r.pos {
		return false, permanent(fmt.Errorf("stream ended at %d, delivered %d: %w", total, r.pos, relay.ErrResumeOffsetMismatch))
	}
	r.log.Debugw("stream complete", "offset", r.pos)
	return true, nil
}
