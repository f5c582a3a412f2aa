package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rupy-dev/rupy/pkg/server"
)

const defaultTracerName = "github.com/rupy-dev/rupy"

// TracingConfig configures the tracing interceptor.
type TracingConfig struct {
	// TracerName is the instrumentation name (default: the module path).
	TracerName string

	// Provider supplies the tracer. Default: the global provider.
	Provider trace.TracerProvider

	// Filter determines which events to trace. If nil, all are traced.
	Filter func(ev *server.Event) bool

	// IncludeSession adds the session key to spans.
	IncludeSession bool

	// AttributeExtractor adds custom attributes to each span.
	AttributeExtractor func(ev *server.Event) []attribute.KeyValue
}

// TracingOption configures the tracing interceptor.
type TracingOption func(*TracingConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) { c.TracerName = name }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(c *TracingConfig) { c.Provider = tp }
}

// WithEventFilter sets a filter function for events.
func WithEventFilter(filter func(ev *server.Event) bool) TracingOption {
	return func(c *TracingConfig) { c.Filter = filter }
}

// WithIncludeSession adds the session key to spans. Session keys are
// credentials; leave this off unless traces are private.
func WithIncludeSession(include bool) TracingOption {
	return func(c *TracingConfig) { c.IncludeSession = include }
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(ev *server.Event) []attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) { c.AttributeExtractor = extractor }
}

// Tracing returns an interceptor that traces every request.
func Tracing(opts ...TracingOption) server.Interceptor {
	config := TracingConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Provider == nil {
		config.Provider = otel.GetTracerProvider()
	}
	tracer := config.Provider.Tracer(config.TracerName)

	return func(ev *server.Event, next func() error) error {
		if config.Filter != nil && !config.Filter(ev) {
			return next()
		}
		q := ev.Query()
		attrs := []attribute.KeyValue{
			attribute.String("rupy.method", q.Method()),
			attribute.String("rupy.path", q.Path()),
			attribute.String("rupy.host", q.Host()),
			attribute.String("rupy.remote", ev.Remote()),
			attribute.Int64("rupy.event", ev.Index()),
		}
		if config.IncludeSession {
			if sess := ev.Session(); sess != nil {
				attrs = append(attrs, attribute.String("rupy.session", sess.Key()))
			}
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(ev)...)
		}

		parent := ev.Context()
		ctx, span := tracer.Start(parent, spanName(q),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()
		ev.SetContext(ctx)
		defer ev.SetContext(parent)

		err := next()

		code := ev.Reply().Code()
		if err != nil {
			code = http.StatusInternalServerError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if code >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(code))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Int("rupy.status", code), attribute.Bool("rupy.push", ev.Push()))
		return err
	}
}

func spanName(q *server.Query) string {
	path := q.Path()
	if path == "" {
		path = "/"
	}
	return q.Method() + " " + path
}

// SpanFromEvent returns the span of the current request. Outside the
// tracing interceptor it returns a non-recording span.
func SpanFromEvent(ev *server.Event) trace.Span {
	return trace.SpanFromContext(ev.Context())
}
