package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/kera/internal/observability"
	"github.com/harun/kera/pkg/conversation"
	"github.com/rs/zerolog"
)

// Candidate is one (provider, model) pair in a fallback list. Traversal
// order over a list is fixed per call.
type Candidate struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
}

// RetryPolicy controls how a single candidate is retried before the chain
// advances. Rotation (which credential) and retry (whether the same call
// repeats) are orthogonal.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries each candidate three times with exponential
// backoff starting at one second, capped at ten.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// delayFor returns the backoff delay before attempt (zero-based).
func (rp RetryPolicy) delayFor(attempt int) time.Duration {
	delay := rp.BaseDelay << attempt
	if delay > rp.MaxDelay || delay <= 0 {
		delay = rp.MaxDelay
	}
	return delay
}

// FallbackChain drives retry, credential rotation, and model fallback
// across an ordered candidate list.
type FallbackChain struct {
	pools       map[string]*CredentialPool
	factory     Factory
	retry       RetryPolicy
	callTimeout time.Duration
	logger      zerolog.Logger
}

// ChainConfig configures a FallbackChain.
type ChainConfig struct {
	Pools       map[string]*CredentialPool
	Factory     Factory
	Retry       RetryPolicy
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

// NewFallbackChain creates a fallback chain over the given pools.
func NewFallbackChain(cfg ChainConfig) (*FallbackChain, error) {
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("at least one credential pool is required")
	}
	factory := cfg.Factory
	if factory == nil {
		factory = DefaultFactory{}
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &FallbackChain{
		pools:       cfg.Pools,
		factory:     factory,
		retry:       retry,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
	}, nil
}

// Call iterates candidates in order, retrying transient failures on the
// same candidate with backoff and rotating credentials on auth/rate-limit
// failures, before advancing to the next candidate. An exhausted chain
// returns the last observed error; that is terminal for the turn.
func (fc *FallbackChain) Call(ctx context.Context, req ChatRequest, candidates []Candidate) (*ChatResponse, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("empty fallback list")
	}

	var lastErr error

	for _, candidate := range candidates {
		pool, ok := fc.pools[candidate.ProviderID]
		if !ok {
			lastErr = fmt.Errorf("no credential pool for provider %s", candidate.ProviderID)
			fc.logger.Warn().Str("provider", candidate.ProviderID).Msg("Skipping candidate without pool")
			continue
		}

		response, err := fc.callCandidate(ctx, req, candidate, pool)
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		fc.logger.Warn().
			Str("provider", candidate.ProviderID).
			Str("model", candidate.Model).
			Err(err).
			Msg("Candidate exhausted, falling back")
	}

	return nil, fmt.Errorf("all candidates exhausted: %w", lastErr)
}

// callCandidate attempts one candidate up to MaxAttempts times.
func (fc *FallbackChain) callCandidate(ctx context.Context, req ChatRequest, candidate Candidate, pool *CredentialPool) (*ChatResponse, error) {
	req.Model = candidate.Model

	var lastErr error

	for attempt := 0; attempt < fc.retry.MaxAttempts; attempt++ {
		credential := pool.Current()

		prov, err := fc.factory.New(candidate.ProviderID, credential.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", candidate.ProviderID, err)
		}

		response, err := fc.chatOnce(ctx, prov, req)
		if err == nil {
			pool.MarkHealthy(credential.ID)
			observability.RecordProviderCall(candidate.ProviderID, candidate.Model, true)
			return response, nil
		}

		lastErr = err
		class := Classify(err)
		observability.RecordProviderCall(candidate.ProviderID, candidate.Model, false)
		observability.RecordProviderError(candidate.ProviderID, class.String())

		fc.logger.Warn().
			Str("provider", candidate.ProviderID).
			Str("model", candidate.Model).
			Str("credential", credential.ID).
			Str("class", class.String()).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Provider call failed")

		if class.CredentialLevel() {
			pool.MarkFailed(credential.ID)
			observability.RecordCredentialRotation(candidate.ProviderID)
		}

		if !class.Retryable() && !class.CredentialLevel() {
			return nil, err
		}

		// Auth failures rotate and go straight to the next attempt;
		// transient classes back off first.
		if class != ClassAuth && attempt < fc.retry.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(fc.retry.delayFor(attempt)):
			}
		}
	}

	return nil, fmt.Errorf("candidate %s/%s failed after %d attempts: %w",
		candidate.ProviderID, candidate.Model, fc.retry.MaxAttempts, lastErr)
}

// chatOnce issues one provider call under the per-call timeout.
func (fc *FallbackChain) chatOnce(ctx context.Context, prov Provider, req ChatRequest) (*ChatResponse, error) {
	if fc.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fc.callTimeout)
		defer cancel()
	}
	return prov.Chat(ctx, req)
}

// ChainSummarizer adapts the fallback chain to conversation.Summarizer:
// one low-temperature call with a small output budget through the same
// retry/rotation machinery.
type ChainSummarizer struct {
	Chain      *FallbackChain
	Candidates []Candidate
}

// Summarize asks the chain for a prose summary of the prompt.
func (s *ChainSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	response, err := s.Chain.Call(ctx, ChatRequest{
		Messages: []conversation.Message{
			{Role: conversation.RoleUser, Content: prompt},
		},
		Temperature: 0.2,
		MaxTokens:   500,
	}, s.Candidates)
	if err != nil {
		return "", err
	}
	return response.Content, nil
}
