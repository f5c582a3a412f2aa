package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
	"github.com/rupy-dev/rupy/pkg/sandbox"
)

// Server is the request daemon.
type Server struct {
	config  *Config
	logger  *slog.Logger
	access  *slog.Logger
	errlog  *slog.Logger
	metrics *metrics
	sandbox *sandbox.Context

	ln       net.Listener
	limiter  *rate.Limiter
	accepted chan net.Conn
	ready    chan readiness
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup

	matchMu sync.Mutex
	workers []*Worker
	queue   []*Event

	events    *EventRegistry
	sessions  *SessionStore
	nextIndex atomic.Int64

	serviceMu sync.RWMutex
	service   map[string]*Chain
	roots     []Service

	archiveMu sync.RWMutex
	archives  map[string]Archive
	deployMu  sync.Mutex

	listenerMu    sync.RWMutex
	listener      Listener
	errorListener ErrorListener
	interceptors  []Interceptor
}

// readiness reports that an armed event has data, or failed.
type readiness struct {
	event *Event
	err   error
}

// Interceptor wraps the dispatch of one request; next runs the chain.
type Interceptor func(ev *Event, next func() error) error

// New creates a daemon. Zero config fields take their defaults.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
	}
	config.fill()

	logger := config.Logger.With("component", "daemon")
	s := &Server{
		config:   config,
		logger:   logger,
		access:   config.AccessLog,
		errlog:   config.ErrorLog,
		metrics:  newMetrics(config.Registry),
		sandbox:  sandbox.New("daemon", sandbox.Unrestricted()),
		accepted: make(chan net.Conn),
		ready:    make(chan readiness, config.Threads*4),
		done:     make(chan struct{}),
		events:   NewEventRegistry(),
		sessions: NewSessionStore(config.Cookie, config.Timeout, config.Logger),
		service:  make(map[string]*Chain),
		archives: make(map[string]Archive),
	}
	if s.errlog == nil {
		s.errlog = logger
	}
	if config.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.AcceptRate), config.AcceptBurst)
	}
	s.sessions.onChange = func(active int) { s.metrics.sessions.Set(float64(active)) }
	for i := 0; i < config.Threads; i++ {
		s.workers = append(s.workers, newWorker(s, i))
	}
	if config.Panel {
		if err := s.Add(&panelService{}); err != nil {
			logger.Warn("panel not added", "error", err)
		}
	}
	for _, warning := range config.GetConfigWarnings() {
		logger.Warn("config", "warning", warning)
	}
	return s
}

// Start binds the request port and starts the reactor, the workers and the
// heartbeat. Bind failures are fatal startup errors.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.ValidateConfig(); err != nil {
		return err
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server: already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.ListenAddress())
	if err != nil {
		return rerrors.New("R501").Wrap(err).
			WithSuggestion("Pick another port with --port or stop the process holding it")
	}
	s.ln = ln

	for _, w := range s.workers {
		s.wg.Add(1)
		go w.run()
	}
	s.wg.Add(3)
	go s.acceptLoop()
	go s.reactor()
	go s.heart()

	s.logger.Info("daemon started",
		"address", ln.Addr().String(),
		"threads", s.config.Threads,
		"timeout", s.config.Timeout,
		"host", s.config.Host)
	return nil
}

// Run starts the daemon and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.done:
		return ErrServerClosed
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// Stop closes the request port, disconnects every event, waits for the
// workers and destroys every service.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			s.ln.Close()
		}
		for _, ev := range s.events.Snapshot() {
			ev.Disconnect(ErrServerClosed)
		}

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			err = fmt.Errorf("server: stop: %w", ctx.Err())
		}

		s.archiveMu.Lock()
		archives := make([]Archive, 0, len(s.archives))
		for _, a := range s.archives {
			archives = append(archives, a)
		}
		s.archives = make(map[string]Archive)
		s.archiveMu.Unlock()
		for _, a := range archives {
			s.destroy(a.Sandbox(), a.Services())
		}

		s.serviceMu.RLock()
		roots := append([]Service(nil), s.roots...)
		s.serviceMu.RUnlock()
		s.destroy(s.sandbox, roots)

		s.logger.Info("daemon stopped")
	})
	return err
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Config returns the effective configuration.
func (s *Server) Config() *Config { return s.config }

// Logger returns the daemon logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore { return s.sessions }

// Events returns the event registry.
func (s *Server) Events() *EventRegistry { return s.events }

// Workers returns the worker pool.
func (s *Server) Workers() []*Worker { return s.workers }

// Done is closed when the daemon stops.
func (s *Server) Done() <-chan struct{} { return s.done }

// Use appends an interceptor around every chain dispatch. It must be called
// before Start.
func (s *Server) Use(i Interceptor) {
	s.interceptors = append(s.interceptors, i)
}

// Add registers a root service. Root services run unrestricted and take
// precedence over deployed archives.
func (s *Server) Add(svc Service) error {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()

	paths := Paths(svc)
	for _, p := range paths {
		if c := s.service[p]; c != nil {
			if existing := c.Get(svc.Index()); existing != nil {
				return &ConflictError{Path: p, Index: svc.Index(), Existing: ServiceName(existing), Incoming: ServiceName(svc)}
			}
		}
	}
	if cr, ok := svc.(Creator); ok {
		if err := s.sandbox.Run(func() error { return cr.Create(s) }); err != nil {
			return err
		}
	}

	for _, p := range paths {
		c := s.service[p]
		if c == nil {
			c = NewChain(p, s.sandbox)
			s.service[p] = c
		}
		c.Put(svc)
	}
	s.roots = append(s.roots, svc)
	return nil
}

func (s *Server) destroy(sb *sandbox.Context, services []Service) {
	for _, svc := range services {
		d, ok := svc.(Destroyer)
		if !ok {
			continue
		}
		if err := sb.Run(d.Destroy); err != nil {
			s.logger.Warn("service destroy failed",
				"service", ServiceName(svc),
				"sandbox", sb.Name(),
				"error", err)
		}
	}
}

// disconnected is called once per event by Event.Disconnect.
func (s *Server) disconnected(ev *Event, cause error) {
	if s.events.Remove(ev.index) {
		s.metrics.events.Dec()
	}
	reason := "close"
	switch {
	case cause == nil:
	case errors.Is(cause, ErrIdle):
		reason = "idle"
	case errors.Is(cause, ErrStuck):
		reason = "stuck"
	case errors.Is(cause, ErrServerClosed):
		reason = "shutdown"
	default:
		reason = "error"
	}
	s.metrics.disconnects.WithLabelValues(reason).Inc()
	s.logger.Debug("event disconnected", "event", ev.index, "remote", ev.remote, "cause", reason)
}
