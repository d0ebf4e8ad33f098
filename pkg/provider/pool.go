package provider

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCooldown is how long a failed credential stays out of rotation.
const DefaultCooldown = 300 * time.Second

// Credential is one API key in a provider's pool.
type Credential struct {
	ID     string
	APIKey string

	// failedUntil is zero for healthy credentials.
	failedUntil time.Time
}

// CredentialPool holds the credentials for one provider family. Reads and
// rotation are safe for concurrent use; exactly one credential is current
// at a time.
type CredentialPool struct {
	provider    string
	credentials []Credential
	cursor      int
	cooldown    time.Duration
	now         func() time.Time
	mu          sync.RWMutex
}

// NewCredentialPool creates a pool for a provider family. cooldown <= 0
// selects DefaultCooldown.
func NewCredentialPool(provider string, credentials []Credential, cooldown time.Duration) (*CredentialPool, error) {
	if len(credentials) == 0 {
		return nil, fmt.Errorf("credential pool for %s needs at least one credential", provider)
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CredentialPool{
		provider:    provider,
		credentials: credentials,
		cooldown:    cooldown,
		now:         time.Now,
	}, nil
}

// Provider returns the provider family this pool serves.
func (p *CredentialPool) Provider() string {
	return p.provider
}

// Size returns the number of credentials in the pool.
func (p *CredentialPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.credentials)
}

// Current returns the credential at the cursor, advancing past unhealthy
// entries first. With every credential in cooldown the cursor entry is
// returned anyway as a last resort.
func (p *CredentialPool) Current() Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for i := 0; i < len(p.credentials); i++ {
		idx := (p.cursor + i) % len(p.credentials)
		if p.credentials[idx].failedUntil.Before(now) {
			p.cursor = idx
			return p.credentials[idx]
		}
	}

	log.Warn().
		Str("provider", p.provider).
		Msg("All credentials in cooldown, using current as last resort")
	return p.credentials[p.cursor]
}

// MarkFailed puts a credential into cooldown and advances the cursor to
// the next healthy entry.
func (p *CredentialPool) MarkFailed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.credentials {
		if p.credentials[i].ID == id {
			p.credentials[i].failedUntil = p.now().Add(p.cooldown)
			log.Warn().
				Str("provider", p.provider).
				Str("credential", id).
				Dur("cooldown", p.cooldown).
				Msg("Credential marked failed")
			break
		}
	}

	p.advanceLocked()
}

// MarkHealthy clears a credential's cooldown after a successful call.
func (p *CredentialPool) MarkHealthy(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.credentials {
		if p.credentials[i].ID == id {
			p.credentials[i].failedUntil = time.Time{}
			return
		}
	}
}

// Rotate advances the cursor to the next healthy credential.
func (p *CredentialPool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advanceLocked()
}

// advanceLocked moves the cursor forward modulo pool size, skipping
// credentials in cooldown. Caller holds p.mu.
func (p *CredentialPool) advanceLocked() {
	now := p.now()
	for i := 1; i <= len(p.credentials); i++ {
		idx := (p.cursor + i) % len(p.credentials)
		if p.credentials[idx].failedUntil.Before(now) {
			p.cursor = idx
			return
		}
	}
	// Everything is cooling down; step once so repeated failures still
	// spread across the pool.
	p.cursor = (p.cursor + 1) % len(p.credentials)
}

// HealthyCount returns the number of credentials not in cooldown.
func (p *CredentialPool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	count := 0
	for _, c := range p.credentials {
		if c.failedUntil.Before(now) {
			count++
		}
	}
	return count
}
