// Package ops serves the operator endpoints: liveness, Prometheus metrics and
// pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "pgonotify/pkg/logx"
)

// Config controls the ops server.
//
// Binding to a non-loopback address requires Token.
type Config struct {
	Addr  string
	Token string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HealthFunc reports component state for /healthz. A non-nil error turns the
// response into 503.
type HealthFunc func() (map[string]any, error)

type Server struct {
	cfg      Config
	log      logx.Logger
	registry *prometheus.Registry
	health   HealthFunc

	mu   sync.Mutex
	addr string
}

func New(cfg Config, registry *prometheus.Registry, health HealthFunc, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	// pprof profile/trace stream for up to 30s by default.
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, registry: registry, health: health}
}

// Addr returns the bound address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens on cfg.Addr and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if strings.TrimSpace(s.cfg.Token) == "" && !IsLoopbackAddr(addr) {
		return errors.New("ops server refused to start: non-loopback addr requires a token")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("ops listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))

	err := srv.Serve(ln)

	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

// Handler returns the ops mux with auth applied to every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(s.cfg.Token, h) }

	mux.Handle("/healthz", wrap(http.HandlerFunc(s.serveHealth)))
	if s.registry != nil {
		mux.Handle("/metrics", wrap(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})))
	}
	mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
	mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
	mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
	mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
	mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if s.health != nil {
		detail, err := s.health()
		for k, v := range detail {
			body[k] = v
		}
		if err != nil {
			code = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	want := []byte(tok)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token>, or ?token=<token> for browsers.
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// IsLoopbackAddr reports whether a host:port binds only to loopback. An empty
// host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
