package tracing

import "context"

type spanKey struct{}

type traceKey struct{}

// ContextWithSpan returns a copy of ctx carrying span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanKey{}, span)
}

// SpanFromContext returns the span carried by ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// ContextWithTrace returns a copy of ctx carrying tc.
func ContextWithTrace(ctx context.Context, tc *TraceContext) context.Context {
	return context.WithValue(ctx, traceKey{}, tc)
}

// TraceFromContext returns the trace context carried by ctx, or nil.
func TraceFromContext(ctx context.Context) *TraceContext {
	tc, _ := ctx.Value(traceKey{}).(*TraceContext)
	return tc
}

// StartSpan starts a span named op under the span in ctx, else under the
// trace in ctx, else as the root span of a new trace from t. The returned context
// carries the new span.
func (t *Tracer) StartSpan(ctx context.Context, op string) (context.Context, *Span) {
	var span *Span
	switch {
	case SpanFromContext(ctx) != nil:
		span = SpanFromContext(ctx).ChildSpan(op)
	case TraceFromContext(ctx) != nil:
		span = TraceFromContext(ctx).ChildSpan(op)
	default:
		span = t.startSpan(nextTraceID(), 0, t.service, op, nil)
	}
	return ContextWithSpan(ctx, span), span
}
