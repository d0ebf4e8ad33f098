package firewall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/kera/internal/observability"
	"github.com/harun/kera/internal/tracing"
)

// HashSuffix is appended to the policy path to locate the content hash
// file written alongside the document.
const HashSuffix = ".sha256"

// PolicySet is the loaded policy document plus its integrity state.
// Decisions fail closed once tampering is suspected, until Reload.
type PolicySet struct {
	mu            sync.RWMutex
	path          string
	doc           Document
	expectedHash  string
	tamperSuspect bool
	logger        zerolog.Logger
}

// Load reads the policy document at path and verifies it against the
// co-located hash file. The returned set is ready for decisions.
func Load(path string, logger zerolog.Logger) (*PolicySet, error) {
	p := &PolicySet{
		path:   path,
		logger: logger.With().Str("component", "firewall").Logger(),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PolicySet) load() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	expected, err := readHashFile(p.path + HashSuffix)
	if err != nil {
		return fmt.Errorf("read policy hash: %w", err)
	}
	if got := contentHash(raw); got != expected {
		return fmt.Errorf("policy hash mismatch: have %s, want %s", got, expected)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("validate policy: %w", err)
	}
	p.mu.Lock()
	p.doc = doc
	p.expectedHash = expected
	p.tamperSuspect = false
	p.mu.Unlock()
	p.logger.Info().
		Str("path", p.path).
		Int("rules", len(doc.Rules)).
		Str("default_mode", string(doc.DefaultMode)).
		Msg("Policy loaded")
	return nil
}

// Document returns a copy of the loaded policy document.
func (p *PolicySet) Document() Document {
	p.mu.RLock()
	defer p.mu.RUnlock()
	doc := p.doc
	doc.Rules = append([]Rule(nil), p.doc.Rules...)
	return doc
}

// Reload re-reads and re-verifies the document. It is the only way to
// clear a tamper-suspect state.
func (p *PolicySet) Reload() error {
	if err := p.load(); err != nil {
		p.mu.Lock()
		p.tamperSuspect = true
		p.mu.Unlock()
		p.logger.Error().Err(err).Msg("Policy reload failed, denying all")
		return err
	}
	return nil
}

// Verify recomputes the on-disk content hash against the one recorded
// at load time. Any divergence, including a missing file, flags the set
// tamper-suspect.
func (p *PolicySet) Verify() bool {
	p.mu.RLock()
	expected := p.expectedHash
	suspect := p.tamperSuspect
	p.mu.RUnlock()
	if suspect {
		return false
	}
	raw, err := os.ReadFile(p.path)
	if err != nil || contentHash(raw) != expected {
		p.markTampered()
		return false
	}
	return true
}

// MarkTampered forces the fail-closed state. The fsnotify watcher calls
// this when the policy file changes on disk outside of Reload.
func (p *PolicySet) MarkTampered() {
	p.markTampered()
}

func (p *PolicySet) markTampered() {
	p.mu.Lock()
	already := p.tamperSuspect
	p.tamperSuspect = true
	p.mu.Unlock()
	if !already {
		p.logger.Warn().Str("path", p.path).Msg("Policy tamper suspected, denying all commands")
	}
}

// TamperSuspect reports whether the set is currently failing closed.
func (p *PolicySet) TamperSuspect() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tamperSuspect
}

// Decide resolves the outcome for a command under ctx. The document
// hash is verified first; a mismatch denies regardless of rules.
func (p *PolicySet) Decide(ctx context.Context, command string, ic InvocationContext) Decision {
	log := tracing.LoggerFromContext(ctx, p.logger)
	if !p.Verify() {
		p.audit(ctx, command, ic, "", DecisionDeny, "integrity check failed")
		log.Warn().Str("command", command).Msg("Command denied, policy integrity check failed")
		return DecisionDeny
	}

	p.mu.RLock()
	doc := p.doc
	p.mu.RUnlock()

	rule, mode := selectRule(doc, command, ic)

	decision := Decision(mode)
	if ic.AutoApprove && decision == DecisionAsk {
		decision = DecisionAllow
	}

	ruleID := ""
	reason := "default mode"
	if rule != nil {
		ruleID = rule.ID
		reason = "matched rule"
	}
	p.audit(ctx, command, ic, ruleID, decision, reason)
	observability.RecordFirewallDecision(string(decision))
	log.Debug().
		Str("command", command).
		Str("tool", ic.Tool).
		Str("rule", ruleID).
		Str("decision", string(decision)).
		Msg("Firewall decision")
	return decision
}

// selectRule picks the winning rule, or nil when the default mode
// applies. Selection considers scope only, ordered by (priority,
// specificity); a tie between rules carrying different modes resolves
// to deny. The winner's pattern is applied afterwards, so a pattern
// miss on the winning rule falls to the default mode rather than to a
// lower-ranked rule.
func selectRule(doc Document, command string, ic InvocationContext) (*Rule, Mode) {
	var (
		best     *Rule
		bestSpec int
		tied     bool
	)
	for i := range doc.Rules {
		r := &doc.Rules[i]
		ok, spec := matchScope(r.Scope, ic)
		if !ok {
			continue
		}
		switch {
		case best == nil,
			r.Priority > best.Priority,
			r.Priority == best.Priority && spec > bestSpec:
			best, bestSpec, tied = r, spec, false
		case r.Priority == best.Priority && spec == bestSpec && r.Mode != best.Mode:
			tied = true
		}
	}
	if best == nil {
		return nil, doc.DefaultMode
	}
	if tied {
		return best, ModeDeny
	}
	if !matchPattern(best.Pattern, command) {
		return nil, doc.DefaultMode
	}
	return best, best.Mode
}

func (p *PolicySet) audit(ctx context.Context, command string, ic InvocationContext, ruleID string, decision Decision, reason string) {
	observability.RecordFirewallAudit(ctx, uuid.NewString(), command, ic.SessionKey, ruleID, string(decision), map[string]interface{}{
		"channel":  ic.Channel,
		"tool":     ic.Tool,
		"elevated": ic.AutoApprove,
		"reason":   reason,
	})
}

// WriteDocument marshals doc to path and writes the matching hash file.
// Intended for provisioning and tests.
func WriteDocument(path string, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	if err := os.WriteFile(path+HashSuffix, []byte(contentHash(raw)+"\n"), 0600); err != nil {
		return fmt.Errorf("write policy hash: %w", err)
	}
	return nil
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func readHashFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := string(raw)
	for len(h) > 0 && (h[len(h)-1] == '\n' || h[len(h)-1] == '\r' || h[len(h)-1] == ' ') {
		h = h[:len(h)-1]
	}
	return h, nil
}
