package rupy

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rupy-dev/rupy/internal/admin"
	"github.com/rupy-dev/rupy/pkg/cluster"
	"github.com/rupy-dev/rupy/pkg/deploy"
	"github.com/rupy-dev/rupy/pkg/middleware"
	"github.com/rupy-dev/rupy/pkg/server"

	// Built-in unit kinds.
	_ "github.com/rupy-dev/rupy/pkg/units"
)

// App is a configured daemon with its deploy, cluster and admin parts.
type App struct {
	config  *Config
	server  *server.Server
	loader  *deploy.Loader
	deploy  *deploy.Service
	bus     *cluster.Bus
	admin   *admin.Server
	logger  *slog.Logger
	closers []io.Closer
}

type options struct {
	logger    *slog.Logger
	accessLog *slog.Logger
	errorLog  *slog.Logger
	mirror    deploy.Mirror
	transport cluster.Transport
	provider  trace.TracerProvider
}

// Option configures an App.
type Option func(*options)

// WithLogger sets the daemon logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAccessLog sets the logger receiving one record per request.
func WithAccessLog(l *slog.Logger) Option {
	return func(o *options) { o.accessLog = l }
}

// WithErrorLog sets the logger receiving failed requests.
func WithErrorLog(l *slog.Logger) Option {
	return func(o *options) { o.errorLog = l }
}

// WithMirror uses m instead of the configured S3 mirror.
func WithMirror(m deploy.Mirror) Option {
	return func(o *options) { o.mirror = m }
}

// WithTransport uses t instead of the configured Redis channel.
func WithTransport(t cluster.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithTracerProvider sets the provider for request tracing.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.provider = tp }
}

// NewApp builds the daemon described by cfg. Nothing listens until Run.
func NewApp(cfg *Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	sc := cfg.Server()
	sc.Logger = o.logger
	sc.AccessLog = o.accessLog
	sc.ErrorLog = o.errorLog
	s := server.New(sc)

	tracing := []middleware.TracingOption{}
	if o.provider != nil {
		tracing = append(tracing, middleware.WithTracerProvider(o.provider))
	}
	s.Use(middleware.Tracing(tracing...))
	s.Use(middleware.Metrics(middleware.WithRegistry(s.Registry())))

	a := &App{
		config: cfg,
		server: s,
		logger: o.logger.With("component", "app"),
	}

	mirror := o.mirror
	if mirror == nil && cfg.S3.Enabled() {
		m, err := deploy.NewS3Mirror(cfg.S3)
		if err != nil {
			return nil, err
		}
		mirror = m
	}
	var loaderOpts []deploy.Option
	if mirror != nil {
		loaderOpts = append(loaderOpts, deploy.WithMirror(mirror))
	}
	a.loader = deploy.NewLoader(s, loaderOpts...)

	transport := o.transport
	if transport == nil && cfg.Redis.Enabled() {
		rt := cluster.NewRedisTransport(cfg.Redis)
		a.closers = append(a.closers, rt)
		transport = rt
	}
	if transport != nil {
		a.bus = cluster.NewBus(transport, s,
			cluster.WithBusNode(cfg.Node),
			cluster.WithChannel(cfg.Redis.Channel),
			cluster.WithLoader(a.loader))
	}

	if cfg.Host || len(cfg.Nodes) > 0 {
		s.SetListener(cluster.NewPassport(cfg.Passport,
			cluster.WithNodes(cfg.Nodes...),
			cluster.WithPassportLogger(o.logger)))
	}

	serviceOpts := []deploy.ServiceOption{deploy.WithPassport(cfg.Passport)}
	if cfg.Node != "" {
		serviceOpts = append(serviceOpts, deploy.WithNode(cfg.Node))
	}
	if a.bus != nil {
		serviceOpts = append(serviceOpts, deploy.WithPropagator(a.bus))
	}
	a.deploy = deploy.NewService(a.loader, serviceOpts...)
	if err := s.Add(a.deploy); err != nil {
		return nil, err
	}

	if cfg.Admin != "" {
		a.admin = admin.New(s)
	}
	for _, w := range cfg.Warnings() {
		a.logger.Warn("config", "warning", w)
	}
	return a, nil
}

// Server returns the request daemon.
func (a *App) Server() *server.Server { return a.server }

// Loader returns the bundle loader.
func (a *App) Loader() *deploy.Loader { return a.loader }

// Bus returns the cluster bus, or nil without a transport.
func (a *App) Bus() *cluster.Bus { return a.bus }

// Admin returns the admin server, or nil when no admin address is set.
func (a *App) Admin() *admin.Server { return a.admin }

// Run restores and deploys the bundles, starts the daemon and serves until
// ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if n, err := a.loader.Restore(ctx); err != nil {
		a.logger.Warn("bundle restore failed", "restored", n, "error", err)
	}
	bundles, err := a.loader.LoadDir(ctx)
	if err != nil {
		a.logger.Warn("some bundles failed to load", "error", err)
	}
	a.logger.Info("bundles loaded", "count", len(bundles))

	if err := a.server.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.server.Done():
			return server.ErrServerClosed
		}
		stop, cancel := context.WithTimeout(context.Background(), a.server.Config().ShutdownTimeout)
		defer cancel()
		return a.server.Stop(stop)
	})
	if a.bus != nil {
		g.Go(func() error {
			if err := a.bus.Run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	if a.admin != nil {
		g.Go(func() error { return a.admin.Run(gctx, a.config.Admin) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
