// Package middleware provides interceptors for the rupy daemon.
//
// Interceptors wrap every chain dispatch. Install them before Start:
//
//	s.Use(middleware.Tracing())
//	s.Use(middleware.Metrics(middleware.WithRegistry(s.Registry())))
//
// # Tracing
//
// Tracing starts one OpenTelemetry span per request, named after the
// method and path, and stores it in the event's context so HTTP clients and
// other instrumented calls made by services join the trace:
//
//	func (s *Search) Filter(ev *server.Event) error {
//	    req, _ := http.NewRequestWithContext(ev.Context(), "GET", s.backend, nil)
//	    ...
//	}
//
// The tracer comes from the global provider unless WithTracerProvider is
// given. Configure it in main before starting the daemon.
//
// # Metrics
//
// Metrics counts requests per virtual host, which the daemon's own
// collectors do not break down:
//   - rupy_host_requests_total{host,status}
//   - rupy_host_request_duration_seconds{host}
//   - rupy_host_errors_total{host,category}
package middleware
