package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging,
// tracing, and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the
// context. If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// The metrics server keeps serving until the process exits so the
	// final scrape still lands.
	return t.Tracer.Shutdown(ctx)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext carries a context with telemetry, logger fields,
// and a trace span for one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging,
// tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordErrorSpan(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// WithRequestContext creates a context enriched with request-scoped
// telemetry: a lifecycle span and a logger carrying the request id.
func WithRequestContext(ctx context.Context, requestID, kind string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRequestSpan(ctx, requestID, kind)

	logger := tel.Logger.WithRequestID(requestID).WithField("kind", kind)
	spanCtx = logger.WithContext(spanCtx)

	return context.WithValue(spanCtx, requestSpanKey{}, span)
}

// requestSpanKey is the context key for request spans.
type requestSpanKey struct{}

// EndRequestContext completes the request context, settling the span.
func EndRequestContext(ctx context.Context, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	if span, ok := ctx.Value(requestSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRequestStatus.String(status))
		if err != nil {
			RecordErrorSpan(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}
}

// RecordBackendOperation runs one backend call attempt under a span.
// Call metrics stay with the invoker, which sees the whole retry loop;
// the span records the single attempt and its outcome.
func RecordBackendOperation(ctx context.Context, strategy, operation string, fn func(context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartBackendSpan(ctx, strategy, operation)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		RecordErrorSpan(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
