// Package tracing propagates per-turn correlation identifiers through
// context and into structured log output.
package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for the turn's trace ID.
	TraceIDKey ContextKey = "trace_id"
	// SessionKeyKey is the context key for the session key.
	SessionKeyKey ContextKey = "session_key"
	// ChannelKey is the context key for the originating channel.
	ChannelKey ContextKey = "channel"
)

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionKey adds a session key to the context.
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithChannel adds the originating channel to the context.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// GetTraceID retrieves the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetSessionKey retrieves the session key from the context.
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// GetChannel retrieves the originating channel from the context.
func GetChannel(ctx context.Context) string {
	if channel, ok := ctx.Value(ChannelKey).(string); ok {
		return channel
	}
	return ""
}

// NewRequestContext returns ctx carrying a fresh trace ID.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// LoggerFromContext returns baseLogger annotated with the correlation
// fields present in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		baseLogger = baseLogger.With().Str("trace_id", traceID).Logger()
	}
	if sessionKey := GetSessionKey(ctx); sessionKey != "" {
		baseLogger = baseLogger.With().Str("session_key", sessionKey).Logger()
	}
	if channel := GetChannel(ctx); channel != "" {
		baseLogger = baseLogger.With().Str("channel", channel).Logger()
	}
	return baseLogger
}
