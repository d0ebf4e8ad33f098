// Package provider abstracts LLM backends behind a small chat capability
// and drives resilience around them: error classification, credential
// rotation with cooldowns, and ordered model fallback with retry/backoff.
package provider

import (
	"context"
	"fmt"

	"github.com/harun/kera/pkg/conversation"
)

// Provider is a single LLM backend bound to one credential.
type Provider interface {
	// Chat issues one model call. Errors are classified (see Classify).
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Name returns the provider family name ("anthropic", "openai").
	Name() string
}

// ChatRequest carries one model call's inputs.
type ChatRequest struct {
	Model        string
	Messages     []conversation.Message
	Tools        []ToolSpec
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// ChatResponse is the provider-neutral model reply.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
}

// ToolCall is a model-requested tool invocation.
type ToolCall = conversation.ToolCall

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Factory creates providers from a provider family and credential.
type Factory interface {
	New(providerID, apiKey string) (Provider, error)
}

// DefaultFactory builds the built-in providers.
type DefaultFactory struct{}

// New creates a provider for the given family bound to apiKey.
func (DefaultFactory) New(providerID, apiKey string) (Provider, error) {
	switch providerID {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
