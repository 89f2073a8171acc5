package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type RegistryConfig struct {
	WindowBytes   int
	SenderGrace   time.Duration
	ReceiverGrace time.Duration
	IdleTimeout   time.Duration
	// SweepInterval is how often time-driven session transitions (grace
	// expiry, idle reaping) are checked.
	SweepInterval time.Duration
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		WindowBytes:   4 * 1024 * 1024,
		SenderGrace:   30 * time.Second,
		ReceiverGrace: 30 * time.Second,
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 1 * time.Second,
	}
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	d := DefaultRegistryConfig()
	if c.WindowBytes <= 0 {
		c.WindowBytes = d.WindowBytes
	}
	if c.SenderGrace <= 0 {
		c.SenderGrace = d.SenderGrace
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Registry owns the path -> Session mapping. Sessions are created lazily on
// first attach and destroyed by the janitor once closed. The registry has an
// explicit lifetime: construct one per server, Stop it when done.
type Registry struct {
	log *zap.SugaredLogger
	cfg RegistryConfig

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func NewRegistry(log *zap.SugaredLogger, cfg RegistryConfig) *Registry {
	r := &Registry{
		log:      log.Named("registry"),
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.janitor()
	return r
}

// AttachSender attaches a sender connection to the session for path, creating
// the session if needed. resume is the client's confirmed offset; nil means a
// fresh attach at offset 0.
func (r *Registry) AttachSender(path string, resume *uint64) (*SenderAttachment, error) {
	return r.session(path).attachSender(resume)
}

// AttachReceiver attaches a receiver connection to the session for path,
// creating the session if needed.
func (r *Registry) AttachReceiver(path string, resume *uint64) (*ReceiverAttachment, error) {
	return r.session(path).attachReceiver(resume)
}

// session finds or creates the live session for path. A session that closed
// but has not been swept yet is replaced.
func (r *Registry) session(path string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[path]
	if !ok || s.IsClosed() {
		s = newSession(r.log, path, SessionConfig{
			WindowBytes:   r.cfg.WindowBytes,
			SenderGrace:   r.cfg.SenderGrace,
			ReceiverGrace: r.cfg.ReceiverGrace,
			IdleTimeout:   r.cfg.IdleTimeout,
		})
		r.sessions[path] = s
		r.log.Debugw("session created", "path", path)
	}
	return s
}

// Lookup returns the session for path without creating one.
func (r *Registry) Lookup(path string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[path]
	return s, ok
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stop shuts down the janitor. In-flight attachments keep working; no new
// time-driven transitions happen after Stop returns.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	<-r.done
}

func (r *Registry) janitor() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopped:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	sessions := make(map[string]*Session, len(r.sessions))
	for p, s := range r.sessions {
		sessions[p] = s
	}
	r.mu.Unlock()

	for p, s := range sessions {
		if s.sweep(now) {
			r.mu.Lock()
			if r.sessions[p] == s {
				delete(r.sessions, p)
			}
			r.mu.Unlock()
			r.log.Debugw("session removed", "path", p)
		}
	}
}
