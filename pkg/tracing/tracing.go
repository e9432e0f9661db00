// ============================================================================
// Beaver-Async Tracing - 任務追蹤
// ============================================================================
//
// Package: pkg/tracing
// 文件: tracing.go
// 功能: TraceContext / Span 建立、屬性與事件記錄、已完成 span 收集
//
// ID 分配:
//   trace id 與 span id 由兩個全域計數器分配，從 1 開始單調遞增，
//   在整個行程生命週期內唯一。0 代表「沒有 parent」。
//
// 流程:
//   tracer.NewTraceContext("svc") ──► ctx.ChildSpan("op") ──► span.End()
//                                                              │
//                                   Tracer.Completed() ◄───────┤ 追加到日誌
//                                   Sink.Append()      ◄───────┘ 轉送
//   ctx.End() 記錄根 span（children 的 CHILD_OF 目標）
//
// ============================================================================

package tracing

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	traceIDs atomic.Uint64
	spanIDs  atomic.Uint64
)

// TraceID identifies a trace.
type TraceID uint64

func (id TraceID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

// SpanID identifies a span. Zero means "no span".
type SpanID uint64

func (id SpanID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

func nextTraceID() TraceID { return TraceID(traceIDs.Add(1)) }

func nextSpanID() SpanID { return SpanID(spanIDs.Add(1)) }

// Attribute is a key/value pair.
type Attribute struct {
	Key   string `json:"key" cbor:"1,keyasint"`
	Value string `json:"value" cbor:"2,keyasint"`
}

// Attr builds an Attribute.
func Attr(key, value string) Attribute { return Attribute{Key: key, Value: value} }

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string      `json:"name" cbor:"1,keyasint"`
	Timestamp  time.Time   `json:"timestamp" cbor:"2,keyasint"`
	Attributes []Attribute `json:"attributes,omitempty" cbor:"3,keyasint,omitempty"`
}

// setAttr updates key in place or appends it.
func setAttr(attrs []Attribute, key, value string) []Attribute {
	for i := range attrs {
		if attrs[i].Key == key {
			attrs[i].Value = value
			return attrs
		}
	}
	return append(attrs, Attribute{Key: key, Value: value})
}

// ============================================================================
// TraceContext
// ============================================================================

// TraceContext is the root of a trace. Its attributes are copied to every
// child span created from it. The root span itself is recorded by End, so
// until then child spans reference a parent that is not in the log yet.
type TraceContext struct {
	tracer  *Tracer
	root    *Span
	service string

	mu    sync.Mutex
	attrs []Attribute
}

func (tc *TraceContext) TraceID() TraceID { return tc.root.traceID }
func (tc *TraceContext) SpanID() SpanID { return tc.root.spanID }
func (tc *TraceContext) Service() string { return tc.service }

// SetAttribute sets a context attribute. The last write for a key keeps
// the key's original position.
func (tc *TraceContext) SetAttribute(key, value string) {
	tc.mu.Lock()
	tc.attrs = setAttr(tc.attrs, key, value)
	tc.mu.Unlock()
}

// Attributes returns a copy of the context attributes in insertion order.
func (tc *TraceContext) Attributes() []Attribute {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]Attribute(nil), tc.attrs...)
}

// ChildSpan starts a span whose parent is the context's root span.
func (tc *TraceContext) ChildSpan(operation string) *Span {
	return tc.tracer.startSpan(tc.root.traceID, tc.root.spanID, tc.service, operation, tc.Attributes())
}

// End records the root span, covering the time since NewTraceContext and
// carrying the context attributes. Later calls return the same record.
func (tc *TraceContext) End() CompletedSpan {
	for _, a := range tc.Attributes() {
		tc.root.SetAttribute(a.Key, a.Value)
	}
	return tc.root.End()
}

// Ended reports whether End has been called.
func (tc *TraceContext) Ended() bool { return tc.root.Ended() }

// ============================================================================
// Span
// ============================================================================

// Span is an in-progress unit of work.
type Span struct {
	tracer  *Tracer
	traceID TraceID
	spanID  SpanID
	parent  SpanID
	service string
	op      string
	start   time.Time

	mu     sync.Mutex
	attrs  []Attribute
	events []Event
	done   *CompletedSpan
}

func (s *Span) TraceID() TraceID { return s.traceID }
func (s *Span) SpanID() SpanID { return s.spanID }
func (s *Span) ParentSpanID() SpanID { return s.parent }
func (s *Span) Operation() string { return s.op }
func (s *Span) StartTime() time.Time { return s.start }

// SetAttribute sets key on the span. Writes after End are ignored.
func (s *Span) SetAttribute(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.attrs = setAttr(s.attrs, key, value)
}

// AddEvent appends a timestamped event. Events after End are ignored.
func (s *Span) AddEvent(name string, attrs ...Attribute) {
	now := s.tracer.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.events = append(s.events, Event{
		Name:       name,
		Timestamp:  now,
		Attributes: append([]Attribute(nil), attrs...),
	})
}

// ChildSpan starts a span in the same trace whose parent is s.
func (s *Span) ChildSpan(operation string) *Span {
	return s.tracer.startSpan(s.traceID, s.spanID, s.service, operation, nil)
}

// Ended reports whether End has been called.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// End finishes the span, records it and forwards it to the sinks. Calling
// End again returns the same record without recording it twice.
func (s *Span) End() CompletedSpan {
	end := s.tracer.now()
	s.mu.Lock()
	if s.done != nil {
		cs := *s.done
		s.mu.Unlock()
		return cs
	}
	cs := CompletedSpan{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: s.parent,
		Service:      s.service,
		Operation:    s.op,
		Start:        s.start,
		Duration:     end.Sub(s.start),
		Attributes:   append([]Attribute(nil), s.attrs...),
		Events:       append([]Event(nil), s.events...),
	}
	s.done = &cs
	s.mu.Unlock()

	s.tracer.Record(cs)
	return cs
}

// CompletedSpan is the immutable record of an ended span.
type CompletedSpan struct {
	TraceID      TraceID       `json:"trace_id" cbor:"1,keyasint"`
	SpanID       SpanID        `json:"span_id" cbor:"2,keyasint"`
	ParentSpanID SpanID        `json:"parent_span_id,omitempty" cbor:"3,keyasint,omitempty"`
	Service      string        `json:"service" cbor:"4,keyasint"`
	Operation    string        `json:"operation" cbor:"5,keyasint"`
	Start        time.Time     `json:"start" cbor:"6,keyasint"`
	Duration     time.Duration `json:"duration_ns" cbor:"7,keyasint"`
	Attributes   []Attribute   `json:"attributes,omitempty" cbor:"8,keyasint,omitempty"`
	Events       []Event       `json:"events,omitempty" cbor:"9,keyasint,omitempty"`
}

// Attribute returns the value for key.
func (c CompletedSpan) Attribute(key string) (string, bool) {
	for _, a := range c.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

func (c CompletedSpan) String() string {
	parent := "none"
	if c.ParentSpanID != 0 {
		parent = c.ParentSpanID.String()
	}
	return fmt.Sprintf("Span[trace=%s span=%s parent=%s] %s %s",
		c.TraceID, c.SpanID, parent, c.Operation, c.Duration)
}

// ============================================================================
// Tracer
// ============================================================================

// Sink receives every completed span, for example a durable archive.
type Sink interface {
	Append(span CompletedSpan) error
}

// Tracer collects completed spans. It is safe for concurrent use.
type Tracer struct {
	service  string
	logger   *zap.Logger
	maxSpans int
	now      func() time.Time

	mu    sync.Mutex
	spans []CompletedSpan
	sinks []Sink
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithService sets the default service name used by NewTraceContext("").
func WithService(name string) Option {
	return func(t *Tracer) { t.service = name }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracer) { t.logger = l }
}

// WithSink forwards every completed span to sink.
func WithSink(sink Sink) Option {
	return func(t *Tracer) { t.sinks = append(t.sinks, sink) }
}

// WithMaxSpans bounds the in-memory log; the oldest spans are dropped
// first. Zero keeps everything.
func WithMaxSpans(n int) Option {
	return func(t *Tracer) { t.maxSpans = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// NewTracer 創建追蹤器
func NewTracer(opts ...Option) *Tracer {
	t := &Tracer{
		service: "beaver-async",
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RootOperation names the root span of every trace context.
const RootOperation = "trace"

// NewTraceContext starts a new trace with a fresh root span. Call End on
// the context to record the root span.
func (t *Tracer) NewTraceContext(service string) *TraceContext {
	if service == "" {
		service = t.service
	}
	return &TraceContext{
		tracer:  t,
		root:    t.startSpan(nextTraceID(), 0, service, RootOperation, nil),
		service: service,
	}
}

func (t *Tracer) startSpan(trace TraceID, parent SpanID, service, op string, attrs []Attribute) *Span {
	return &Span{
		tracer:  t,
		traceID: trace,
		spanID:  nextSpanID(),
		parent:  parent,
		service: service,
		op:      op,
		start:   t.now(),
		attrs:   attrs,
	}
}

// AddSink registers another sink.
func (t *Tracer) AddSink(sink Sink) {
	t.mu.Lock()
	t.sinks = append(t.sinks, sink)
	t.mu.Unlock()
}

// Record appends a completed span to the log and forwards it to the sinks.
func (t *Tracer) Record(cs CompletedSpan) {
	t.mu.Lock()
	t.spans = append(t.spans, cs)
	if t.maxSpans > 0 && len(t.spans) > t.maxSpans {
		drop := len(t.spans) - t.maxSpans
		t.spans = append(t.spans[:0:0], t.spans[drop:]...)
	}
	sinks := t.sinks
	t.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Append(cs); err != nil {
			t.logger.Warn("span sink failed",
				zap.Stringer("trace_id", cs.TraceID),
				zap.Stringer("span_id", cs.SpanID),
				zap.Error(err))
		}
	}
}

// Completed returns a copy of the completed-span log in completion order.
func (t *Tracer) Completed() []CompletedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]CompletedSpan(nil), t.spans...)
}

// Len returns the number of spans in the log.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Clear empties the in-memory log. Sinks are unaffected.
func (t *Tracer) Clear() {
	t.mu.Lock()
	t.spans = nil
	t.mu.Unlock()
}
