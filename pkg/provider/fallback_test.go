package provider

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/harun/kera/pkg/conversation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns canned responses/errors per call.
type scriptedProvider struct {
	name    string
	script  func(call int, apiKey string) (*ChatResponse, error)
	calls   int
	callsMu sync.Mutex
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.callsMu.Lock()
	call := p.calls
	p.calls++
	p.callsMu.Unlock()
	return p.script(call, "")
}

// scriptedFactory hands out one scriptedProvider per provider family and
// records which API keys were used.
type scriptedFactory struct {
	providers map[string]*scriptedProvider
	mu        sync.Mutex
	keysUsed  map[string][]string
}

func (f *scriptedFactory) New(providerID, apiKey string) (Provider, error) {
	f.mu.Lock()
	if f.keysUsed == nil {
		f.keysUsed = map[string][]string{}
	}
	f.keysUsed[providerID] = append(f.keysUsed[providerID], apiKey)
	f.mu.Unlock()

	p, ok := f.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
	return p, nil
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func chainWith(t *testing.T, factory Factory, pools map[string]*CredentialPool) *FallbackChain {
	t.Helper()
	chain, err := NewFallbackChain(ChainConfig{
		Pools:   pools,
		Factory: factory,
		Retry:   fastRetry(),
		Logger:  zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	return chain
}

func userReq(text string) ChatRequest {
	return ChatRequest{
		Messages: []conversation.Message{{Role: conversation.RoleUser, Content: text}},
	}
}

func TestFallbackChain(t *testing.T) {
	t.Run("should return the first candidate's success", func(t *testing.T) {
		prov := &scriptedProvider{name: "anthropic", script: func(int, string) (*ChatResponse, error) {
			return &ChatResponse{Content: "hi"}, nil
		}}
		factory := &scriptedFactory{providers: map[string]*scriptedProvider{"anthropic": prov}}
		chain := chainWith(t, factory, map[string]*CredentialPool{
			"anthropic": newTestPool(t, 1, time.Minute),
		})

		response, err := chain.Call(context.Background(), userReq("hello"), []Candidate{
			{ProviderID: "anthropic", Model: "claude-sonnet-4"},
		})

		require.NoError(t, err)
		assert.Equal(t, "hi", response.Content)
		assert.Equal(t, 1, prov.calls)
	})

	t.Run("should attempt earlier candidates before the third succeeds", func(t *testing.T) {
		failA := &scriptedProvider{name: "anthropic", script: func(int, string) (*ChatResponse, error) {
			return nil, NewClassifiedError(ClassUnavailable, fmt.Errorf("503 service unavailable"))
		}}
		failB := &scriptedProvider{name: "openai", script: func(int, string) (*ChatResponse, error) {
			return nil, NewClassifiedError(ClassUnavailable, fmt.Errorf("connection refused"))
		}}
		winC := &scriptedProvider{name: "spare", script: func(int, string) (*ChatResponse, error) {
			return &ChatResponse{Content: "third wins"}, nil
		}}
		factory := &scriptedFactory{providers: map[string]*scriptedProvider{
			"anthropic": failA, "openai": failB, "spare": winC,
		}}
		chain := chainWith(t, factory, map[string]*CredentialPool{
			"anthropic": newTestPool(t, 1, time.Minute),
			"openai":    newTestPool(t, 1, time.Minute),
			"spare":     newTestPool(t, 1, time.Minute),
		})

		response, err := chain.Call(context.Background(), userReq("x"), []Candidate{
			{ProviderID: "anthropic", Model: "claude-sonnet-4"},
			{ProviderID: "openai", Model: "gpt-4-turbo"},
			{ProviderID: "spare", Model: "m3"},
		})

		require.NoError(t, err)
		assert.Equal(t, "third wins", response.Content)
		assert.Equal(t, 3, failA.calls, "first candidate retried to exhaustion")
		assert.Equal(t, 3, failB.calls, "second candidate retried to exhaustion")
		assert.Equal(t, 1, winC.calls)
	})

	t.Run("should rotate credentials on auth failure before falling back", func(t *testing.T) {
		prov := &scriptedProvider{name: "anthropic", script: func(call int, _ string) (*ChatResponse, error) {
			if call == 0 {
				return nil, NewClassifiedError(ClassAuth, fmt.Errorf("401 unauthorized"))
			}
			return &ChatResponse{Content: "second key works"}, nil
		}}
		factory := &scriptedFactory{providers: map[string]*scriptedProvider{"anthropic": prov}}
		pool := newTestPool(t, 2, time.Minute)
		chain := chainWith(t, factory, map[string]*CredentialPool{"anthropic": pool})

		response, err := chain.Call(context.Background(), userReq("x"), []Candidate{
			{ProviderID: "anthropic", Model: "claude-sonnet-4"},
		})

		require.NoError(t, err)
		assert.Equal(t, "second key works", response.Content)
		require.Len(t, factory.keysUsed["anthropic"], 2)
		assert.NotEqual(t, factory.keysUsed["anthropic"][0], factory.keysUsed["anthropic"][1])
	})

	t.Run("should return the last error when the chain is exhausted", func(t *testing.T) {
		prov := &scriptedProvider{name: "anthropic", script: func(int, string) (*ChatResponse, error) {
			return nil, NewClassifiedError(ClassUnavailable, fmt.Errorf("backend down"))
		}}
		factory := &scriptedFactory{providers: map[string]*scriptedProvider{"anthropic": prov}}
		chain := chainWith(t, factory, map[string]*CredentialPool{
			"anthropic": newTestPool(t, 1, time.Minute),
		})

		_, err := chain.Call(context.Background(), userReq("x"), []Candidate{
			{ProviderID: "anthropic", Model: "claude-sonnet-4"},
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend down")
	})

	t.Run("should not retry non-retryable errors", func(t *testing.T) {
		prov := &scriptedProvider{name: "anthropic", script: func(int, string) (*ChatResponse, error) {
			return nil, NewClassifiedError(ClassOther, fmt.Errorf("malformed request"))
		}}
		factory := &scriptedFactory{providers: map[string]*scriptedProvider{"anthropic": prov}}
		chain := chainWith(t, factory, map[string]*CredentialPool{
			"anthropic": newTestPool(t, 1, time.Minute),
		})

		_, err := chain.Call(context.Background(), userReq("x"), []Candidate{
			{ProviderID: "anthropic", Model: "claude-sonnet-4"},
		})

		require.Error(t, err)
		assert.Equal(t, 1, prov.calls)
	})

	t.Run("should stop on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		prov := &scriptedProvider{name: "anthropic", script: func(int, string) (*ChatResponse, error) {
			cancel()
			return nil, NewClassifiedError(ClassUnavailable, fmt.Errorf("503"))
		}}
		factory := &scriptedFactory{providers: map[string]*scriptedProvider{"anthropic": prov}}
		chain := chainWith(t, factory, map[string]*CredentialPool{
			"anthropic": newTestPool(t, 1, time.Minute),
		})

		_, err := chain.Call(ctx, userReq("x"), []Candidate{
			{ProviderID: "anthropic", Model: "claude-sonnet-4"},
			{ProviderID: "anthropic", Model: "claude-opus-4"},
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestClassify(t *testing.T) {
	t.Run("should classify by error text", func(t *testing.T) {
		assert.Equal(t, ClassAuth, Classify(fmt.Errorf("401 unauthorized")))
		assert.Equal(t, ClassRateLimit, Classify(fmt.Errorf("429 rate limit exceeded")))
		assert.Equal(t, ClassUnavailable, Classify(fmt.Errorf("dial tcp: connection refused")))
		assert.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded))
		assert.Equal(t, ClassOther, Classify(fmt.Errorf("model does not exist")))
	})

	t.Run("should keep explicit classifications", func(t *testing.T) {
		err := NewClassifiedError(ClassAuth, fmt.Errorf("nothing in the text says so"))
		assert.Equal(t, ClassAuth, Classify(err))
	})

	t.Run("should map classes to behavior", func(t *testing.T) {
		assert.True(t, ClassRateLimit.Retryable())
		assert.True(t, ClassRateLimit.CredentialLevel())
		assert.True(t, ClassAuth.CredentialLevel())
		assert.False(t, ClassAuth.Retryable())
		assert.True(t, ClassUnavailable.Retryable())
		assert.False(t, ClassOther.Retryable())
	})
}
