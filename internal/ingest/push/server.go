package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pgonotify/internal/encounter"
	"pgonotify/internal/observability/metrics"
	logx "pgonotify/pkg/logx"
)

// Config controls the webhook listener.
type Config struct {
	Address      string
	Port         int
	MaxBodyBytes int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the push ingestor: an HTTP listener accepting webhook POSTs.
//
// Every POST whose body could be read is acknowledged with 200 OK, whether it
// parsed or not. Parsing and enqueueing happen before the response, but
// delivery to Telegram does not, so senders never wait on the bot.
type Server struct {
	cfg     Config
	parser  *Parser
	log     logx.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	addr string
}

var _ encounter.Ingestor = (*Server)(nil)

func NewServer(cfg Config, parser *Parser, log logx.Logger, m *metrics.Metrics) *Server {
	if strings.TrimSpace(cfg.Address) == "" {
		cfg.Address = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 4000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, parser: parser, log: log, metrics: m}
}

func (s *Server) Name() string { return string(encounter.SourcePush) }

// Addr returns the bound listen address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAddr is the configured host:port.
func (s *Server) ListenAddr() string {
	return net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context, sink encounter.Sink) error {
	ln, err := net.Listen("tcp", s.ListenAddr())
	if err != nil {
		return fmt.Errorf("push listen %s: %w", s.ListenAddr(), err)
	}
	return s.Serve(ctx, ln, sink)
}

// Serve runs the HTTP server on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, sink encounter.Sink) error {
	srv := &http.Server{
		Handler:      s.Handler(sink),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("push listener started", logx.String("addr", ln.Addr().String()))

	err := srv.Serve(ln)

	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()

	if ctx.Err() != nil {
		<-stopped
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("push server exited unexpectedly")
	}
	return err
}

// Handler returns the webhook handler. All paths are accepted.
func (s *Server) Handler(sink encounter.Sink) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.log.Warn("push body too large", logx.String("remote", r.RemoteAddr), logx.Int64("limit", tooLarge.Limit))
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			s.log.Warn("push body read failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		s.handle(context.WithoutCancel(r.Context()), r.RemoteAddr, body, sink)
		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) handle(ctx context.Context, remote string, body []byte, sink encounter.Sink) {
	e, err := s.parser.Parse(body)
	if err != nil {
		s.metrics.IncMalformed(s.Name())
		s.log.Warn("push payload dropped", logx.String("remote", remote), logx.Int("bytes", len(body)), logx.Err(err))
		return
	}
	if e == nil {
		s.log.Debug("push payload ignored (not an encounter)", logx.String("remote", remote))
		return
	}
	s.metrics.IncIngested(s.Name())
	if sink == nil {
		return
	}
	sink.Process(ctx, encounter.Batch{
		ID:         uuid.NewString(),
		Source:     encounter.SourcePush,
		Origin:     remote,
		Encounters: []encounter.Encounter{*e},
	})
}
