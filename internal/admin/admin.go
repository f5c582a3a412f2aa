// Package admin serves the daemon's operational endpoints on a separate
// address: Prometheus metrics, the panel snapshot as JSON, a live panel
// stream over WebSocket and a health check.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rupy-dev/rupy/pkg/server"
)

// DefaultInterval is how often the live panel is pushed.
const DefaultInterval = time.Second

// Server is the admin HTTP server of one daemon.
type Server struct {
	daemon   *server.Server
	router   chi.Router
	hub      *hub
	interval time.Duration
	logger   *slog.Logger
}

// Option configures the admin server.
type Option func(*Server)

// WithInterval sets the live panel push interval.
func WithInterval(d time.Duration) Option {
	return func(a *Server) {
		if d > 0 {
			a.interval = d
		}
	}
}

// New returns an admin server for s.
func New(s *server.Server, opts ...Option) *Server {
	a := &Server{
		daemon:   s,
		interval: DefaultInterval,
		logger:   s.Logger().With("component", "admin"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.hub = newHub(a.logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{}))
	r.Get("/panel.json", a.panel)
	r.Get("/panel/ws", func(w http.ResponseWriter, req *http.Request) {
		a.hub.serve(w, req, s.Panel())
	})
	a.router = r
	return a
}

// Handler returns the admin router.
func (a *Server) Handler() http.Handler { return a.router }

func (a *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-a.daemon.Done():
		http.Error(w, "stopped", http.StatusServiceUnavailable)
		return
	default:
	}
	if a.daemon.Addr() == nil {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (a *Server) panel(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a.daemon.Panel()); err != nil {
		a.logger.Warn("panel encode failed", "error", err)
	}
}

// Run serves on addr until ctx is done.
func (a *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (a *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Info("admin listening", "addr", ln.Addr().String())

	go a.push(ctx)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		a.hub.close()
		return err
	case <-ctx.Done():
	}
	a.hub.close()
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// push sends a panel snapshot to the live clients every interval.
func (a *Server) push(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.hub.count() > 0 {
				a.hub.broadcast(a.daemon.Panel())
			}
		}
	}
}
