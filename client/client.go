package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/cww0614/http-pipe/relay"
)

// Config carries the settings shared by both client roles.
type Config struct {
	// URL is the full pipe URL, e.g. http://relay.example.com/mypipe.
	URL string

	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	// BackoffMin and BackoffMax bound the reconnect delay.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// RetryMax bounds consecutive reconnect attempts that make no forward
	// progress before the pipe is reported failed.
	RetryMax int

	// WindowBytes is the sender's local replay window capacity.
	WindowBytes int
	// ProbeInterval is how often the sender asks the relay which offset it
	// has accepted, to trim the replay window.
	ProbeInterval time.Duration
}

func (c Config) withDefaults() (Config, error) {
	if c.URL == "" {
		return c, errors.New("pipe URL required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return c, fmt.Errorf("parsing pipe URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return c, fmt.Errorf("unsupported pipe URL scheme %q", u.Scheme)
	}
	if c.Logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return c, fmt.Errorf("building logger: %w", err)
		}
		c.Logger = l.Sugar()
	}
	c.Logger = c.Logger.Named("httpipe")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10
	}
	if c.WindowBytes <= 0 {
		c.WindowBytes = 4 * 1024 * 1024
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 2 * time.Second
	}
	return c, nil
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// probeClient builds the retrying HTTP client used for offset probes. Probes
// are idempotent, so transport faults and 5xx responses retry transparently.
func probeClient(cfg Config) *http.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cfg.HTTPClient
	rc.RetryWaitMin = cfg.BackoffMin
	rc.RetryWaitMax = cfg.BackoffMax
	rc.RetryMax = cfg.RetryMax
	rc.Logger = &logAdapter{SugaredLogger: cfg.Logger}
	return rc.StandardClient()
}

// errNoSession reports a probe of a path the relay has no session for.
var errNoSession = errors.New("no session for pipe path")

func probeOffset(ctx context.Context, hc *http.Client, pipeURL string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, pipeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("building probe request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probing offset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, errNoSession
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	off, err := strconv.ParseUint(resp.Header.Get(relay.HeaderOffset), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing probe offset: %w", err)
	}
	return off, nil
}

func backoffWait(ctx context.Context, cfg Config, attempt int) error {
	d := retryablehttp.DefaultBackoff(cfg.BackoffMin, cfg.BackoffMax, attempt, nil)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// permanentError marks failures that must not be retried: retrying a protocol
// violation risks duplicated or missing bytes at the destination.
type permanentError struct {
	error
}

func permanent(err error) error { return permanentError{err} }

func (e permanentError) Unwrap() error { return e.error }

func isPermanent(err error) bool {
	var pe permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, relay.ErrRoleConflict) ||
		errors.Is(err, relay.ErrResumeOffsetMismatch) ||
		errors.Is(err, relay.ErrOffsetTooOld) ||
		errors.Is(err, relay.ErrOffsetBeyondStream) ||
		errors.Is(err, relay.ErrUpstreamGone)
}

// statusError maps a non-success response to an error, permanent for the
// protocol violation codes and retryable otherwise.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(msg))
	if perr := relay.ErrorForStatus(resp.StatusCode); perr != nil {
		if detail != "" {
			return permanent(fmt.Errorf("%s: %w", detail, perr))
		}
		return permanent(perr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, detail)
}
