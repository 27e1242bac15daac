package consistency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-consistency/consistency/log"
)

// ErrNilParentContext indicates that a nil parent context was provided.
var ErrNilParentContext = errors.New("cannot create context from nil parent")

const defaultTracerName = "consistency.default"

type customContextKey string

// CustomContextKey is the context key used to store CustomContextKeyValue.
var CustomContextKey = customContextKey("custom_context")

// CustomContextKeyValue holds all request-scoped facilities we attach to context.
type CustomContextKeyValue struct {
	HeaderID string
	Tracer   trace.Tracer
	Logger   log.Logger

	// AttrBag holds request-wide attributes to be applied to every span.
	// Keep low/medium cardinality attributes here (tenant.id, aggregate.type, request_id).
	AttrBag []attribute.KeyValue
}

// NewLoggerFromContext extracts the Logger stored in ctx, or a NopLogger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if customContext, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok &&
		customContext.Logger != nil {
		return customContext.Logger
	}

	return &log.NopLogger{}
}

// ContextWithLogger returns a context carrying the given Logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if values == nil {
		values = &CustomContextKeyValue{}
	}

	values.Logger = logger

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithTracer returns a context carrying the given trace.Tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if values == nil {
		values = &CustomContextKeyValue{}
	}

	values.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithHeaderID returns a context carrying the given correlation ID.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	values, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if values == nil {
		values = &CustomContextKeyValue{}
	}

	values.HeaderID = headerID

	return context.WithValue(ctx, CustomContextKey, values)
}

// TrackingComponents is the set of tracking facilities extracted from context.
type TrackingComponents struct {
	Logger   log.Logger
	Tracer   trace.Tracer
	HeaderID string
}

// NewTrackingFromContext extracts tracking components from context with
// fallback: valid components are preserved, missing ones get safe defaults.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	components := extractTrackingComponents(ctx)

	return components.Logger, components.Tracer, components.HeaderID
}

func extractTrackingComponents(ctx context.Context) TrackingComponents {
	customContext, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if !ok || customContext == nil {
		return newDefaultTrackingComponents()
	}

	return TrackingComponents{
		Logger:   resolveLogger(customContext.Logger),
		Tracer:   resolveTracer(customContext.Tracer),
		HeaderID: resolveHeaderID(customContext.HeaderID),
	}
}

func resolveLogger(logger log.Logger) log.Logger {
	if logger != nil {
		return logger
	}

	return &log.NopLogger{}
}

func resolveTracer(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}

	return otel.Tracer(defaultTracerName)
}

// resolveHeaderID falls back to a fresh UUID so every operation has a
// correlation ID even when the caller never set one.
func resolveHeaderID(headerID string) string {
	if trimmed := strings.TrimSpace(headerID); trimmed != "" {
		return trimmed
	}

	return uuid.New().String()
}

func newDefaultTrackingComponents() TrackingComponents {
	return TrackingComponents{
		Logger:   &log.NopLogger{},
		Tracer:   otel.Tracer(defaultTracerName),
		HeaderID: uuid.New().String(),
	}
}

// ContextWithSpanAttributes appends one or more attributes to the request's
// AttrBag. Call once at the ingress and avoid per-layer duplication.
func ContextWithSpanAttributes(ctx context.Context, kv ...attribute.KeyValue) context.Context {
	if len(kv) == 0 {
		return ctx
	}

	values, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if values == nil {
		values = &CustomContextKeyValue{}
	}

	values.AttrBag = append(values.AttrBag, kv...)

	return context.WithValue(ctx, CustomContextKey, values)
}

// AttributesFromContext returns a shallow copy of the AttrBag slice, safe to
// reuse by processors.
func AttributesFromContext(ctx context.Context) []attribute.KeyValue {
	if values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && values != nil && len(values.AttrBag) > 0 {
		out := make([]attribute.KeyValue, len(values.AttrBag))
		copy(out, values.AttrBag)

		return out
	}

	return nil
}

// WithTimeoutSafe creates a context with the specified timeout, but respects
// any existing deadline in the parent context. Returns an error if parent is nil.
//
// When the parent's deadline is shorter than the requested timeout, the
// returned context inherits the parent's deadline rather than creating a new one.
func WithTimeoutSafe(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if parent == nil {
		return nil, nil, ErrNilParentContext
	}

	if deadline, ok := parent.Deadline(); ok {
		timeUntilDeadline := time.Until(deadline)

		if timeUntilDeadline < timeout {
			ctx, cancel := context.WithCancel(parent)
			return ctx, cancel, nil
		}
	}

	ctx, cancel := context.WithTimeout(parent, timeout)

	return ctx, cancel, nil
}
