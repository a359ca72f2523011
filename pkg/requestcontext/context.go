// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values. Middleware and CLI commands set them; services read them.
//
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
package requestcontext

import (
	"context"
	"time"
)

type (
	requestIDKey   struct{}
	requestTimeKey struct{}
	triggerKey     struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
	ContextKeyTrigger     = triggerKey{}
)

// RequestID returns the correlation id for the current unit of work.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Trigger names what started a check: "http", "cli", "recheck".
func Trigger(ctx context.Context) string {
	if trigger, ok := ctx.Value(ContextKeyTrigger).(string); ok {
		return trigger
	}
	return "unknown"
}

func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, ContextKeyTrigger, trigger)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() for workers, CLI runs and tests that did not set one.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime pins "now" for everything downstream of ctx.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
