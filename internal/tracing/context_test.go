package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextPropagation(t *testing.T) {
	t.Run("should round-trip trace ID and session key", func(t *testing.T) {
		ctx := context.Background()
		ctx = WithTraceID(ctx, "trace-1")
		ctx = WithSessionKey(ctx, "session-1")
		ctx = WithChannel(ctx, "direct")

		assert.Equal(t, "trace-1", GetTraceID(ctx))
		assert.Equal(t, "session-1", GetSessionKey(ctx))
		assert.Equal(t, "direct", GetChannel(ctx))
	})

	t.Run("should return empty strings on a bare context", func(t *testing.T) {
		ctx := context.Background()
		assert.Equal(t, "", GetTraceID(ctx))
		assert.Equal(t, "", GetSessionKey(ctx))
	})

	t.Run("should generate a trace ID for a request context", func(t *testing.T) {
		ctx := NewRequestContext(context.Background())
		assert.NotEmpty(t, GetTraceID(ctx))
	})
}

func TestLoggerFromContext(t *testing.T) {
	t.Run("should annotate log output with correlation fields", func(t *testing.T) {
		var buf bytes.Buffer
		base := zerolog.New(&buf)

		ctx := WithSessionKey(WithTraceID(context.Background(), "trace-9"), "sess-9")
		logger := LoggerFromContext(ctx, base)
		logger.Info().Msg("hello")

		assert.Contains(t, buf.String(), "trace-9")
		assert.Contains(t, buf.String(), "sess-9")
	})
}
