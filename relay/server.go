package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Server is the HTTP front door of the relay. It exposes one resource per
// pipe path: PUT streams the request body in as the sender, GET streams the
// response body out as a receiver, HEAD probes the current offset.
type Server struct {
	logger     *zap.SugaredLogger
	registry   *Registry
	listenAddr string
	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// NewServer constructs a relay server around the given registry. The
// registry's lifetime belongs to the caller.
func NewServer(registry *Registry, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:     logger.Named("relay").Sugar(),
		registry:   registry,
		listenAddr: "0.0.0.0:8080",
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Handler returns the relay's HTTP handler, for mounting in tests or behind
// an external server.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.PUT("/:path", s.send)
	router.GET("/:path", s.receive)
	router.HEAD("/:path", s.probe)
	return router
}

// Run serves until the server is stopped.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.logger.Infof("relay listening on %s", s.listenAddr)

	server := http.Server{Handler: s.Handler()}
	s.httpServer = &server

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// resumeOffset parses the offset header; nil means a fresh attach.
func resumeOffset(r *http.Request) (*uint64, error) {
	v := r.Header.Get(HeaderOffset)
	if v == "" {
		return nil, nil
	}
	off, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", HeaderOffset, err)
	}
	return &off, nil
}

func (s *Server) writeError(w http.ResponseWriter, path string, err error) {
	status := StatusForError(err)
	s.logger.Debugw("rejecting attach", "path", path, "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

// send is the sender role: the request body streams into the session window
// until a clean end of the chunked body (explicit end-of-stream) or a body
// read error (mid-stream drop, opens the reconnect grace period).
func (s *Server) send(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	path := params.ByName("path")

	resume, err := resumeOffset(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sa, err := s.registry.AttachSender(path, resume)
	if err != nil {
		s.writeError(w, path, err)
		return
	}

	buf := make([]byte, maxChunk)
	for {
		n, rerr := r.Body.Read(buf)
		if n > 0 {
			if werr := sa.Write(r.Context(), buf[:n]); werr != nil {
				sa.Drop()
				s.writeError(w, path, werr)
				return
			}
		}
		if rerr == io.EOF {
			total := sa.CloseEOF()
			w.Header().Set(HeaderOffset, strconv.FormatUint(total, 10))
			w.WriteHeader(http.StatusOK)
			return
		}
		if rerr != nil {
			// The connection is gone; no response will make it out.
			s.logger.Debugw("sender body error", "path", path, "attachment", sa.ID(), "error", rerr)
			sa.Drop()
			return
		}
	}
}

// receive is the receiver role: the response body streams out of the session
// window, flushed per chunk, terminated through trailers.
func (s *Server) receive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	path := params.ByName("path")

	resume, err := resumeOffset(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ra, err := s.registry.AttachReceiver(path, resume)
	if err != nil {
		s.writeError(w, path, err)
		return
	}
	defer ra.Release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Warnw("response writer does not support flushing", "path", path)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Trailer", strings.Join([]string{TrailerComplete, TrailerError, HeaderOffset}, ", "))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(HeaderOffset, strconv.FormatUint(ra.StartOffset(), 10))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, rerr := ra.Next(r.Context())
		if rerr != nil {
			switch {
			case rerr == io.EOF:
				w.Header().Set(TrailerComplete, "true")
				w.Header().Set(HeaderOffset, strconv.FormatUint(ra.Offset(), 10))
			case errors.Is(rerr, ErrUpstreamGone):
				w.Header().Set(TrailerError, ErrorUpstreamGone)
			default:
				s.logger.Debugw("receiver detached", "path", path, "attachment", ra.ID(), "error", rerr)
			}
			return
		}
		if _, werr := w.Write(chunk); werr != nil {
			s.logger.Debugw("receiver write error", "path", path, "attachment", ra.ID(), "error", werr)
			return
		}
		flusher.Flush()
		ra.Ack()
	}
}

// probe reports the session's state and accepted offset. Probes never create
// sessions.
func (s *Server) probe(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	path := params.ByName("path")

	session, ok := s.registry.Lookup(path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	state, total := session.Status()
	w.Header().Set(HeaderOffset, strconv.FormatUint(total, 10))
	w.Header().Set(HeaderState, state.String())
	w.WriteHeader(http.StatusOK)
}
