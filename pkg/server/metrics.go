package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rupy"

// metrics holds the Prometheus collectors of one daemon.
type metrics struct {
	accepted        prometheus.Counter
	events          prometheus.Gauge
	queueLength     prometheus.Gauge
	busyWorkers     prometheus.Gauge
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	disconnects     *prometheus.CounterVec
	deploys         *prometheus.CounterVec
	sessions        prometheus.Gauge
	sessionsExpired prometheus.Counter
}

func newMetrics(registry prometheus.Registerer) *metrics {
	factory := promauto.With(registry)

	return &metrics{
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_total",
			Help:      "Total number of accepted connections",
		}),

		events: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events",
			Help:      "Number of open connection events",
		}),

		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Number of events waiting for a worker",
		}),

		busyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy_workers",
			Help:      "Number of workers serving an event",
		}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of served requests",
		}, []string{"path", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),

		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of closed connections by cause",
		}, []string{"cause"}),

		deploys: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploys_total",
			Help:      "Total number of bundle deploys by result",
		}, []string{"result"}),

		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of live sessions",
		}),

		sessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions expired by the heartbeat",
		}),
	}
}

// ObserveDeploy counts a deploy attempt with result "ok", "rejected",
// "denied" or "failed".
func (s *Server) ObserveDeploy(result string) {
	s.metrics.deploys.WithLabelValues(result).Inc()
}

// Registry returns the Prometheus registry holding the daemon metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.config.Registry
}
