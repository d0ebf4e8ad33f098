package toolexec

import (
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/harun/kera/internal/observability"
	"github.com/harun/kera/pkg/tokens"
)

const (
	// DefaultTruncateShare is the fraction of the context window a
	// single tool result may occupy before truncation.
	DefaultTruncateShare = 0.30

	// keepFraction of the threshold survives a truncation, leaving
	// headroom for the warning block and the rest of the turn.
	keepFraction = 0.8
)

// Truncator bounds tool results against a share of the model's context
// window. It never returns an error: when in doubt it passes the text
// through with a warning appended.
type Truncator struct {
	estimator *tokens.Estimator
	model     string
	window    int
	share     float64
	logger    zerolog.Logger
}

// NewTruncator creates a Truncator for the given model and window size.
func NewTruncator(estimator *tokens.Estimator, model string, window int, logger zerolog.Logger) *Truncator {
	return &Truncator{
		estimator: estimator,
		model:     model,
		window:    window,
		share:     DefaultTruncateShare,
		logger:    logger.With().Str("component", "truncator").Logger(),
	}
}

// Truncate returns result unchanged when it fits within the threshold,
// otherwise the leading 80% of the threshold plus a warning block the
// model can recognize.
func (t *Truncator) Truncate(result, toolName string) string {
	threshold := int(float64(t.window) * t.share)
	if threshold <= 0 {
		return result
	}

	count := t.count(result)
	if count <= threshold {
		return result
	}

	keepTokens := int(keepFraction * float64(threshold))
	keepChars := t.charsFor(keepTokens)
	if keepChars > len(result) {
		keepChars = len(result)
	}
	// Back off to a rune boundary so the cut never emits invalid UTF-8.
	for keepChars > 0 && keepChars < len(result) && !utf8.RuneStart(result[keepChars]) {
		keepChars--
	}

	t.logger.Warn().
		Str("tool", toolName).
		Int("original_tokens", count).
		Int("threshold_tokens", threshold).
		Int("kept_tokens", keepTokens).
		Msg("Tool result truncated")
	observability.RecordTruncation(toolName)

	return result[:keepChars] + fmt.Sprintf(
		"\n\n[tool result truncated: tool=%s original_tokens=%d threshold_tokens=%d kept_tokens=%d]",
		toolName, count, threshold, keepTokens)
}

func (t *Truncator) count(text string) int {
	if t.estimator != nil {
		return t.estimator.EstimateText(t.model, text)
	}
	return int(float64(len(text))/tokens.DefaultCharsPerToken + 0.5)
}

func (t *Truncator) charsFor(tokenCount int) int {
	if t.estimator != nil {
		return t.estimator.CharsForTokens(t.model, tokenCount)
	}
	return int(float64(tokenCount) * tokens.DefaultCharsPerToken)
}
