package telemetry

import (
	"context"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	awerrors "github.com/vinayprograms/awarekit/errors"
)

// Tracer wraps OpenTelemetry tracing with relay-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include per-peer detail in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer on an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Frame Spans ---

// Frame outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeMalformed = "malformed"
	OutcomeThrottled = "throttled"
)

// FrameSpanOptions describes one inbound awareness frame.
type FrameSpanOptions struct {
	Room    string
	Conn    string
	Source  string // "ws" or "bus"
	Bytes   int
	Entries int
	Outcome string
	Peers   []string // Only included if debug=true
}

// StartFrameSpan starts a span for an inbound frame.
func (t *Tracer) StartFrameSpan(ctx context.Context, room string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "relay.frame", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("awareness.room", room))
	return ctx, span
}

// EndFrameSpan ends a frame span with attributes.
func (t *Tracer) EndFrameSpan(span trace.Span, opts FrameSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("relay.source", opts.Source),
		attribute.Int("awareness.bytes", opts.Bytes),
		attribute.Int("awareness.entries", opts.Entries),
		attribute.String("relay.outcome", opts.Outcome),
	}
	if opts.Conn != "" {
		attrs = append(attrs, attribute.String("relay.conn", opts.Conn))
	}
	if t.debug && len(opts.Peers) > 0 {
		attrs = append(attrs, attribute.StringSlice("awareness.peers", opts.Peers))
	}

	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Broadcast Spans ---

// StartBroadcastSpan starts a span for fanning one update out to a room.
func (t *Tracer) StartBroadcastSpan(ctx context.Context, room string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "relay.broadcast", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(attribute.String("awareness.room", room))
	return ctx, span
}

// EndBroadcastSpan ends a broadcast span.
func (t *Tracer) EndBroadcastSpan(span trace.Span, origin string, conns int, err error) {
	span.SetAttributes(
		attribute.String("awareness.origin", origin),
		attribute.Int("relay.recipients", conns),
	)
	endSpan(span, err)
}

// endSpan sets the span status from err and ends it. Coded errors also
// record their code, category and metadata as attributes.
func endSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		span.End()
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if coded := awerrors.AsCoded(err); coded != nil {
		attrs := []attribute.KeyValue{
			attribute.String("error.code", awerrors.Code(err).String()),
			attribute.String("error.category", awerrors.Category(err).String()),
			attribute.Bool("error.retryable", awerrors.IsRetryable(err)),
		}
		if room := coded.Room(); room != "" {
			attrs = append(attrs, attribute.String("error.room", room))
		}
		meta := coded.Metadata()
		for _, k := range slices.Sorted(maps.Keys(meta)) {
			attrs = append(attrs, attribute.String("error."+k, meta[k]))
		}
		span.SetAttributes(attrs...)
	}
	span.End()
}
