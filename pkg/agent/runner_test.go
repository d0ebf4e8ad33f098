package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kera/pkg/channels"
	"github.com/harun/kera/pkg/conversation"
	"github.com/harun/kera/pkg/firewall"
	"github.com/harun/kera/pkg/provider"
	"github.com/harun/kera/pkg/session"
	"github.com/harun/kera/pkg/tokens"
	"github.com/harun/kera/pkg/toolexec"
)

// scriptedProvider replays canned responses and records what it saw.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*provider.ChatResponse
	errs      []error
	requests  []provider.ChatRequest
	calls     int
}

func (p *scriptedProvider) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.calls
	p.calls++
	p.requests = append(p.requests, req)

	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx < len(p.responses) {
		return p.responses[idx], nil
	}
	return &provider.ChatResponse{Content: "fallthrough"}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type scriptedFactory struct {
	prov *scriptedProvider
}

func (f scriptedFactory) New(providerID, apiKey string) (provider.Provider, error) {
	return f.prov, nil
}

type harness struct {
	runner   *Runner
	prov     *scriptedProvider
	policy   *firewall.PolicySet
	sessions *session.Manager
}

func newHarness(t *testing.T, prov *scriptedProvider, doc firewall.Document, opts func(*Config)) *harness {
	t.Helper()

	pool, err := provider.NewCredentialPool("scripted", []provider.Credential{
		{ID: "key-1", APIKey: "k1"},
	}, time.Second)
	require.NoError(t, err)

	chain, err := provider.NewFallbackChain(provider.ChainConfig{
		Pools:   map[string]*provider.CredentialPool{"scripted": pool},
		Factory: scriptedFactory{prov: prov},
		Retry:   provider.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	policyPath := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, firewall.WriteDocument(policyPath, doc))
	policies, err := firewall.Load(policyPath, zerolog.Nop())
	require.NoError(t, err)

	sessions, err := session.New(t.TempDir())
	require.NoError(t, err)

	estimator := tokens.NewEstimator()
	executor := toolexec.New(zerolog.Nop())

	cfg := Config{
		Chain:      chain,
		Candidates: []provider.Candidate{{ProviderID: "scripted", Model: "test-model"}},
		Executor:   executor,
		Truncator:  toolexec.NewTruncator(estimator, "test-model", 128000, zerolog.Nop()),
		Policies:   policies,
		Sessions:   sessions,
		Guard:      conversation.NewGuard(estimator, nil, conversation.DefaultReplyBuffer),
		Estimator:  estimator,
		Logger:     zerolog.Nop(),
	}
	if opts != nil {
		opts(&cfg)
	}

	runner, err := NewRunner(cfg)
	require.NoError(t, err)

	return &harness{runner: runner, prov: prov, policy: policies, sessions: sessions}
}

func allowAll() firewall.Document {
	return firewall.Document{DefaultMode: firewall.ModeAllow}
}

func inbound(text string) channels.InboundMessage {
	return channels.InboundMessage{
		SessionKey: "chat-1",
		Channel:    "cli",
		Sender:     "tester",
		Text:       text,
		Timestamp:  time.Now(),
	}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("should answer a plain message in one model call", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			responses: []*provider.ChatResponse{{Content: "hello back"}},
		}, allowAll(), nil)

		out, err := h.runner.Process(ctx, inbound("hello"))
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, "hello back", out.Text)
		assert.Equal(t, "cli", out.Channel)
		assert.Equal(t, "tester", out.Recipient)
		assert.Equal(t, 1, h.prov.calls)
	})

	t.Run("should stay silent on an empty message", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{}, allowAll(), nil)

		out, err := h.runner.Process(ctx, inbound("   "))
		require.NoError(t, err)
		assert.Nil(t, out)
		assert.Equal(t, 0, h.prov.calls)
	})

	t.Run("should strip directives and prepend the reasoning instruction", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			responses: []*provider.ChatResponse{{Content: "summary"}},
		}, allowAll(), nil)

		out, err := h.runner.Process(ctx, inbound("/think /verbose summarize this"))
		require.NoError(t, err)
		require.NotNil(t, out)

		req := h.prov.requests[0]
		assert.Contains(t, req.SystemPrompt, "step by step")
		last := req.Messages[len(req.Messages)-1]
		assert.Equal(t, "summarize this", last.Content)
	})

	t.Run("should inherit directives from the previous message", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			responses: []*provider.ChatResponse{{Content: "a"}, {Content: "b"}},
		}, allowAll(), nil)

		_, err := h.runner.Process(ctx, inbound("/think first"))
		require.NoError(t, err)
		_, err = h.runner.Process(ctx, inbound("second"))
		require.NoError(t, err)

		assert.Contains(t, h.prov.requests[1].SystemPrompt, "step by step")
	})

	t.Run("should run a tool and feed its result back to the model", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			responses: []*provider.ChatResponse{
				{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "lookup", Parameters: map[string]interface{}{"key": "x"}}}},
				{Content: "the value is 42"},
			},
		}, allowAll(), func(cfg *Config) {
			require.NoError(t, cfg.Executor.Register(toolexec.Definition{
				Name:        "lookup",
				Description: "Look up a value",
				Parameters: []toolexec.Parameter{
					{Name: "key", Type: "string", Description: "Key", Required: true},
				},
				Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
					return "42", nil
				},
			}))
		})

		out, err := h.runner.Process(ctx, inbound("what is x"))
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, "the value is 42", out.Text)
		assert.Equal(t, 2, h.prov.calls)

		// Second call must see the tool result appended.
		second := h.prov.requests[1]
		last := second.Messages[len(second.Messages)-1]
		assert.Equal(t, conversation.RoleTool, last.Role)
		assert.Equal(t, "42", last.Content)
		assert.Equal(t, "tc-1", last.ToolCallID)
	})

	t.Run("should append a debug block in verbose mode", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			responses: []*provider.ChatResponse{
				{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "lookup", Parameters: map[string]interface{}{"key": "x"}}}},
				{Content: "done"},
			},
		}, allowAll(), func(cfg *Config) {
			require.NoError(t, cfg.Executor.Register(toolexec.Definition{
				Name:        "lookup",
				Description: "Look up a value",
				Parameters: []toolexec.Parameter{
					{Name: "key", Type: "string", Description: "Key", Required: true},
				},
				Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
					return "42", nil
				},
			}))
		})

		out, err := h.runner.Process(ctx, inbound("/verbose what is x"))
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Contains(t, out.Text, "done")
		assert.Contains(t, out.Text, "[debug] tool=lookup")
		assert.Contains(t, out.Text, "result=42")
	})

	t.Run("should refuse a denied tool call without another model call", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			responses: []*provider.ChatResponse{
				{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "exec", Parameters: map[string]interface{}{"command": "rm -rf /"}}}},
			},
		}, firewall.Document{
			DefaultMode: firewall.ModeAllow,
			Rules: []firewall.Rule{
				{ID: "no-rm", Mode: firewall.ModeDeny, Pattern: "rm *", Priority: 100},
			},
		}, func(cfg *Config) {
			require.NoError(t, cfg.Executor.Register(toolexec.ExecTool("")))
		})

		out, err := h.runner.Process(ctx, inbound("clean up my disk"))
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Contains(t, out.Text, "not permitted")
		assert.Equal(t, 1, h.prov.calls)
	})

	t.Run("should treat an unanswered ask as a refusal unless elevated", func(t *testing.T) {
		doc := firewall.Document{DefaultMode: firewall.ModeAsk}
		register := func(cfg *Config) {
			require.NoError(t, cfg.Executor.Register(toolexec.ExecTool("")))
		}
		script := func() *scriptedProvider {
			return &scriptedProvider{
				responses: []*provider.ChatResponse{
					{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "exec", Parameters: map[string]interface{}{"command": "echo hi"}}}},
					{Content: "ran it"},
				},
			}
		}

		plain := newHarness(t, script(), doc, register)
		out, err := plain.runner.Process(ctx, inbound("run echo"))
		require.NoError(t, err)
		assert.Contains(t, out.Text, "not permitted")

		elevated := newHarness(t, script(), doc, register)
		out, err = elevated.runner.Process(ctx, inbound("/elevated run echo"))
		require.NoError(t, err)
		assert.Equal(t, "ran it", out.Text)
	})

	t.Run("should surface a tool error to the model instead of failing the turn", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			responses: []*provider.ChatResponse{
				{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "flaky", Parameters: map[string]interface{}{}}}},
				{Content: "the tool failed, sorry"},
			},
		}, allowAll(), func(cfg *Config) {
			require.NoError(t, cfg.Executor.Register(toolexec.Definition{
				Name:        "flaky",
				Description: "Always fails",
				Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
					return "", fmt.Errorf("backend unavailable")
				},
			}))
		})

		out, err := h.runner.Process(ctx, inbound("try the flaky tool"))
		require.NoError(t, err)
		assert.Equal(t, "the tool failed, sorry", out.Text)

		second := h.prov.requests[1]
		last := second.Messages[len(second.Messages)-1]
		assert.Equal(t, conversation.RoleTool, last.Role)
		assert.Contains(t, last.Content, "tool error")
	})

	t.Run("should apologize when the chain is exhausted", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			errs: []error{fmt.Errorf("invalid api key (status 401)")},
		}, allowAll(), nil)

		out, err := h.runner.Process(ctx, inbound("hello"))
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Contains(t, out.Text, "Sorry")

		history, err := h.sessions.Load(ctx, "chat-1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, conversation.RoleAssistant, history[1].Role)
		assert.Equal(t, out.Text, history[1].Content)
	})

	t.Run("should stop with a partial answer at the iteration limit", func(t *testing.T) {
		loop := &scriptedProvider{}
		for i := 0; i < 10; i++ {
			loop.responses = append(loop.responses, &provider.ChatResponse{
				Content:   fmt.Sprintf("thinking %d", i),
				ToolCalls: []provider.ToolCall{{ID: fmt.Sprintf("tc-%d", i), Name: "noop", Parameters: map[string]interface{}{}}},
			})
		}

		h := newHarness(t, loop, allowAll(), func(cfg *Config) {
			cfg.MaxIterations = 3
			require.NoError(t, cfg.Executor.Register(toolexec.Definition{
				Name:        "noop",
				Description: "Does nothing",
				Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
					return "ok", nil
				},
			}))
		})

		out, err := h.runner.Process(ctx, inbound("loop forever"))
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Contains(t, out.Text, "limit")
		assert.Equal(t, 3, h.prov.calls)
	})

	t.Run("should persist the turn for the next message", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			responses: []*provider.ChatResponse{{Content: "first answer"}, {Content: "second answer"}},
		}, allowAll(), nil)

		_, err := h.runner.Process(ctx, inbound("first"))
		require.NoError(t, err)
		_, err = h.runner.Process(ctx, inbound("second"))
		require.NoError(t, err)

		second := h.prov.requests[1]
		var contents []string
		for _, m := range second.Messages {
			contents = append(contents, m.Content)
		}
		joined := strings.Join(contents, "|")
		assert.Contains(t, joined, "first")
		assert.Contains(t, joined, "first answer")
		assert.Contains(t, joined, "second")
	})

	t.Run("should deny every tool call once the policy is tampered", func(t *testing.T) {
		h := newHarness(t, &scriptedProvider{
			responses: []*provider.ChatResponse{
				{ToolCalls: []provider.ToolCall{{ID: "tc-1", Name: "exec", Parameters: map[string]interface{}{"command": "echo hi"}}}},
			},
		}, allowAll(), func(cfg *Config) {
			require.NoError(t, cfg.Executor.Register(toolexec.ExecTool("")))
		})

		h.policy.MarkTampered()

		out, err := h.runner.Process(ctx, inbound("run echo"))
		require.NoError(t, err)
		assert.Contains(t, out.Text, "not permitted")
	})
}
