package tokens

import "strings"

// DefaultCharsPerToken is the fallback ratio used when no tuned ratio is
// known for a model family. Roughly 4 characters per token holds across
// current English-language models.
const DefaultCharsPerToken = 4.0

// MessageOverhead is the fixed per-message token cost for role and
// formatting scaffolding added by provider chat templates.
const MessageOverhead = 4

// familyRatios maps model-family prefixes to tuned characters-per-token
// ratios. Missing families fall back to DefaultCharsPerToken.
var familyRatios = map[string]float64{
	"claude": 3.8,
	"gpt":    4.0,
	"o1":     4.0,
	"gemini": 4.2,
}

// Estimator converts text into approximate token counts for a model family.
// The zero value is usable.
type Estimator struct{}

// NewEstimator creates a token estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// ratioFor returns the characters-per-token ratio for a model.
func (e *Estimator) ratioFor(model string) float64 {
	model = strings.ToLower(model)
	for family, ratio := range familyRatios {
		if strings.HasPrefix(model, family) {
			return ratio
		}
	}
	return DefaultCharsPerToken
}

// EstimateText returns the approximate token count of text for a model.
// It never fails; unknown models use the default ratio.
func (e *Estimator) EstimateText(model, text string) int {
	if text == "" {
		return 0
	}
	ratio := e.ratioFor(model)
	return int(float64(len(text))/ratio + 0.5)
}

// CharsForTokens returns the number of characters that approximately hold
// the given token count for a model. Used when truncating by token budget.
func (e *Estimator) CharsForTokens(model string, tokenCount int) int {
	if tokenCount <= 0 {
		return 0
	}
	return int(float64(tokenCount) * e.ratioFor(model))
}
