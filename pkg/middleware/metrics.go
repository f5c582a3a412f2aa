package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
	"github.com/rupy-dev/rupy/pkg/sandbox"
	"github.com/rupy-dev/rupy/pkg/server"
)

// MetricsConfig configures the Prometheus metrics interceptor.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "rupy").
	Namespace string

	// Subsystem is the metrics subsystem (default: "host").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer

	// Hosts bounds the host label. Requests for other hosts are counted
	// as "other". If empty, every host gets its own series.
	Hosts []string
}

// MetricsOption configures the Prometheus metrics interceptor.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

// WithHosts limits the host label to the given hosts.
func WithHosts(hosts ...string) MetricsOption {
	return func(c *MetricsConfig) { c.Hosts = hosts }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "rupy",
		Subsystem: "host",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

type hostMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

func newHostMetrics(config MetricsConfig) *hostMetrics {
	factory := promauto.With(config.Registry)

	return &hostMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of requests by virtual host",
			ConstLabels: config.ConstLabels,
		}, []string{"host", "status"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Chain duration by virtual host in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"host"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of failed requests by virtual host and cause",
			ConstLabels: config.ConstLabels,
		}, []string{"host", "category"}),
	}
}

// Metrics returns an interceptor that records per-host request metrics.
// Each call registers a new set of collectors, so call it once per
// registry.
func Metrics(opts ...MetricsOption) server.Interceptor {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	m := newHostMetrics(config)

	var known map[string]bool
	if len(config.Hosts) > 0 {
		known = make(map[string]bool, len(config.Hosts))
		for _, h := range config.Hosts {
			known[strings.ToLower(h)] = true
		}
	}

	return func(ev *server.Event, next func() error) error {
		host := ev.Query().Host()
		if known != nil && !known[host] {
			host = "other"
		}
		start := time.Now()

		err := next()

		m.duration.WithLabelValues(host).Observe(time.Since(start).Seconds())
		code := ev.Reply().Code()
		if err != nil {
			code = http.StatusInternalServerError
			m.errors.WithLabelValues(host, categorizeError(err)).Inc()
		}
		m.requests.WithLabelValues(host, strconv.Itoa(code)).Inc()
		return err
	}
}

// categorizeError returns a low-cardinality label for err.
func categorizeError(err error) string {
	var pe *sandbox.PanicError
	switch {
	case errors.Is(err, sandbox.ErrDenied):
		return "denied"
	case errors.As(err, &pe):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	if c := rerrors.CategoryOf(err); c != "" {
		return string(c)
	}
	return "internal"
}
