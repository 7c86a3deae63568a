// Package httpserver is the node's HTTP surface: greeting, snapshot, quit,
// demo failure routes, health, stats and metrics.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gorilla/mux"

	"github.com/e7canasta/orion-camnode/framesource"
	"github.com/e7canasta/orion-camnode/throughput"
)

const (
	// QuitBody acknowledges a quit request.
	QuitBody = "Quit request received"

	// RestrictedBody is served with 403 on /restricted.
	RestrictedBody = "You have no permissions to access this page"

	DefaultGreeting = "Hello from camnode!"
)

// ErrFailRoute is the error /fail always returns.
var ErrFailRoute = errors.New("httpserver: demo handler failure")

// QuitRequester receives the shutdown request (shutdown.Signal).
type QuitRequester interface {
	Request(reason string) bool
}

// SourceStats provides frame source statistics (framesource.Source).
type SourceStats interface {
	Stats() framesource.Stats
}

// MonitorStats provides throughput monitor statistics (throughput.Monitor).
type MonitorStats interface {
	Stats() throughput.Stats
}

// Options configures the server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Greeting     string

	// Handlers and collaborators; nil ones leave their route unregistered
	// (Snapshot, Metrics) or report empty data (Source, Monitor).
	Snapshot http.Handler
	Metrics  http.Handler
	Quit     QuitRequester
	Source   SourceStats
	Monitor  MonitorStats

	Logger *slog.Logger
}

// Server owns the http.Server and the mux router.
type Server struct {
	opts    Options
	router  *mux.Router
	started time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	stopped  bool
}

// New builds the router. The server does not listen until Start.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.Greeting == "" {
		opts.Greeting = DefaultGreeting
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts:    opts,
		router:  mux.NewRouter(),
		started: time.Now(),
		logger:  opts.Logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/", s.root).Methods(http.MethodGet)
	if s.opts.Snapshot != nil {
		s.router.Handle("/snap", s.opts.Snapshot).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/quit", s.quit).Methods(http.MethodGet)
	s.router.HandleFunc("/restricted", s.restricted).Methods(http.MethodGet)
	s.router.HandleFunc("/fail", s.handleErr(s.fail)).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
}

// Handler returns the router (used directly in tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on Options.Addr and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return fmt.Errorf("httpserver: already started")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", s.opts.Addr, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("httpserver: serve failed", "error", err)
		}
	}(s.srv)

	s.logger.Info("httpserver: listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address ("" before Start).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections and drains in-flight requests until ctx
// expires, after which remaining connections are abandoned.
// Idempotent: safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	if srv == nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
		return fmt.Errorf("httpserver: shutdown: %w", err)
	}
	s.logger.Info("httpserver: stopped")
	return nil
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.opts.Greeting))
}

// quit acknowledges first, then pushes the shutdown signal.
func (s *Server) quit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(QuitBody))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if s.opts.Quit == nil {
		s.logger.Warn("httpserver: quit requested but no shutdown signal wired")
		return
	}
	delivered := s.opts.Quit.Request("http quit from " + r.RemoteAddr)
	s.logger.Info("httpserver: quit request received",
		"remote", r.RemoteAddr,
		"delivered", delivered,
	)
}

func (s *Server) restricted(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(RestrictedBody))
}

// handleErr adapts a handler that returns an error; the error becomes a 500
// with its message as the body.
func (s *Server) handleErr(fn func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			s.logger.Error("httpserver: handler failed", "path", r.URL.Path, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func (s *Server) fail(http.ResponseWriter, *http.Request) error {
	return ErrFailRoute
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := "alive"
	if s.opts.Source != nil && !s.opts.Source.Stats().Initialized {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// StatsResponse is the /stats body.
type StatsResponse struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	Source        *framesource.Stats `json:"source,omitempty"`
	Monitor       *throughput.Stats  `json:"monitor,omitempty"`

	// Human-readable sizes (datasize).
	MonitorBytes string `json:"monitor_bytes,omitempty"`
	LastAvgSize  string `json:"last_avg_size,omitempty"`
	LastMaxSize  string `json:"last_max_size,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.opts.Source != nil {
		st := s.opts.Source.Stats()
		resp.Source = &st
	}
	if s.opts.Monitor != nil {
		st := s.opts.Monitor.Stats()
		resp.Monitor = &st
		resp.MonitorBytes = datasize.ByteSize(st.Bytes).HumanReadable()
		if st.LastReport != nil {
			resp.LastAvgSize = datasize.ByteSize(st.LastReport.AvgSize).HumanReadable()
			resp.LastMaxSize = datasize.ByteSize(st.LastReport.MaxSize).HumanReadable()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
