package conversation

import "github.com/harun/kera/pkg/tokens"

// DefaultContextWindow is assumed for models without a configured window.
const DefaultContextWindow = 128000

// DefaultReplyBuffer is the token margin reserved for the model's reply.
const DefaultReplyBuffer = 4096

// Guard decides whether a conversation exceeds a model's usable context
// budget. The budget is the context window minus a reserved reply buffer.
type Guard struct {
	estimator   *tokens.Estimator
	windows     map[string]int
	replyBuffer int
}

// NewGuard creates a context guard. windows maps model names to context
// window sizes; models not listed use DefaultContextWindow. A replyBuffer
// of zero selects DefaultReplyBuffer.
func NewGuard(estimator *tokens.Estimator, windows map[string]int, replyBuffer int) *Guard {
	if estimator == nil {
		estimator = tokens.NewEstimator()
	}
	if replyBuffer <= 0 {
		replyBuffer = DefaultReplyBuffer
	}
	return &Guard{
		estimator:   estimator,
		windows:     windows,
		replyBuffer: replyBuffer,
	}
}

// Window returns the context window for a model.
func (g *Guard) Window(model string) int {
	if w, ok := g.windows[model]; ok && w > 0 {
		return w
	}
	return DefaultContextWindow
}

// TotalTokens estimates the token count of the whole conversation,
// including per-message formatting overhead. Recomputed on every call;
// never cached across compaction.
func (g *Guard) TotalTokens(conv Conversation, model string) int {
	total := 0
	for _, msg := range conv {
		total += g.estimator.EstimateText(model, msg.Content) + tokens.MessageOverhead
	}
	return total
}

// Overflow reports whether the conversation exceeds the model's usable
// budget. A conversation exactly at the threshold does not overflow.
func (g *Guard) Overflow(conv Conversation, model string) bool {
	return g.TotalTokens(conv, model) > g.Window(model)-g.replyBuffer
}
