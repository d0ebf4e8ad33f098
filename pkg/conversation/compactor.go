package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/kera/internal/observability"
)

// summaryPrompt frames the old conversation prefix for the summarizer.
const summaryPrompt = `Summarize the following conversation concisely, preserving key facts, decisions, and any pending tasks needed to continue it. Reply with prose only.

Conversation:
%s

Summary:`

// maxSummaryInputChars bounds the prompt sent to the summarizer.
const maxSummaryInputChars = 8000

// DefaultKeepRecent is the number of trailing messages preserved verbatim.
const DefaultKeepRecent = 10

// Summarizer produces a prose summary of formatted conversation history.
// Implementations are expected to be LLM-backed, capped at a small output
// budget and low temperature.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Compactor collapses older conversation turns into a single summary
// message when the context guard signals overflow.
type Compactor struct {
	summarizer Summarizer
	keepRecent int
	logger     zerolog.Logger
}

// NewCompactor creates a compactor. keepRecent <= 0 selects
// DefaultKeepRecent.
func NewCompactor(summarizer Summarizer, keepRecent int, logger zerolog.Logger) *Compactor {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	return &Compactor{
		summarizer: summarizer,
		keepRecent: keepRecent,
		logger:     logger,
	}
}

// Compact returns the conversation with its old prefix replaced by one
// system-role summary message. The recent suffix is returned untouched.
// If summarization fails for any reason the recent suffix alone is
// returned; continuity is preferred over completeness.
func (c *Compactor) Compact(ctx context.Context, conv Conversation) Conversation {
	if len(conv) <= c.keepRecent {
		return conv
	}

	old := conv[:len(conv)-c.keepRecent]
	recent := conv[len(conv)-c.keepRecent:].Clone()

	summary, err := c.summarize(ctx, old)
	if err != nil {
		c.logger.Warn().Err(err).
			Int("dropped", len(old)).
			Msg("Summarization failed, dropping old turns")
		return recent
	}

	observability.RecordCompaction()
	c.logger.Info().
		Int("compacted", len(old)).
		Int("kept", len(recent)).
		Msg("Conversation compacted")

	result := make(Conversation, 0, len(recent)+1)
	result = append(result, Message{
		Role:    RoleSystem,
		Content: fmt.Sprintf("Summary of the earlier conversation: %s", summary),
	})
	return append(result, recent...)
}

// summarize formats old turns into a bounded prompt and asks the
// summarizer for a prose summary.
func (c *Compactor) summarize(ctx context.Context, old Conversation) (string, error) {
	if c.summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}

	var b strings.Builder
	for _, msg := range old {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}

	formatted := b.String()
	if len(formatted) > maxSummaryInputChars {
		formatted = formatted[len(formatted)-maxSummaryInputChars:]
	}

	summary, err := c.summarizer.Summarize(ctx, fmt.Sprintf(summaryPrompt, formatted))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(summary) == "" {
		return "", fmt.Errorf("summarizer returned empty summary")
	}
	return strings.TrimSpace(summary), nil
}
