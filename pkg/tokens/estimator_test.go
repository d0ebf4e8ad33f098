package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateText(t *testing.T) {
	e := NewEstimator()

	t.Run("should return zero for empty text", func(t *testing.T) {
		assert.Equal(t, 0, e.EstimateText("gpt-4-turbo", ""))
	})

	t.Run("should use default ratio for unknown models", func(t *testing.T) {
		text := strings.Repeat("a", 400)
		assert.Equal(t, 100, e.EstimateText("some-future-model", text))
	})

	t.Run("should use family ratio for known models", func(t *testing.T) {
		text := strings.Repeat("a", 380)
		assert.Equal(t, 100, e.EstimateText("claude-sonnet-4", text))
	})

	t.Run("should round to nearest token", func(t *testing.T) {
		assert.Equal(t, 1, e.EstimateText("gpt-4-turbo", "ab"))
	})
}

func TestCharsForTokens(t *testing.T) {
	e := NewEstimator()

	t.Run("should invert the default ratio", func(t *testing.T) {
		assert.Equal(t, 400, e.CharsForTokens("unknown-model", 100))
	})

	t.Run("should return zero for non-positive counts", func(t *testing.T) {
		assert.Equal(t, 0, e.CharsForTokens("gpt-4-turbo", 0))
		assert.Equal(t, 0, e.CharsForTokens("gpt-4-turbo", -5))
	})
}
