package firewall

import (
	"fmt"
	"strings"
)

// Mode is the effect a matching rule applies to a command.
type Mode string

const (
	ModeAllow Mode = "allow"
	ModeDeny  Mode = "deny"
	ModeAsk   Mode = "ask"
)

// Valid reports whether m is one of the three recognized modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeAllow, ModeDeny, ModeAsk:
		return true
	}
	return false
}

// Decision is the final outcome after rule selection and elevation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// Scope narrows a rule to a subset of invocations. Empty fields match
// anything; each populated field that matches contributes to the rule's
// specificity.
type Scope struct {
	Channel string `json:"channel,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Session string `json:"session,omitempty"`
}

// Rule binds a mode to a scope and an optional command pattern. Higher
// priority wins over lower; among equal priorities the more specific
// scope wins.
type Rule struct {
	ID       string `json:"id"`
	Scope    Scope  `json:"scope"`
	Mode     Mode   `json:"mode"`
	Pattern  string `json:"pattern,omitempty"`
	Priority int    `json:"priority"`
}

// Document is the on-disk policy shape.
type Document struct {
	DefaultMode Mode   `json:"default_mode"`
	Rules       []Rule `json:"rules"`
}

// Validate checks modes and rule IDs.
func (d *Document) Validate() error {
	if !d.DefaultMode.Valid() {
		return fmt.Errorf("invalid default_mode %q", d.DefaultMode)
	}
	seen := make(map[string]struct{}, len(d.Rules))
	for i, r := range d.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d: missing id", i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = struct{}{}
		if !r.Mode.Valid() {
			return fmt.Errorf("rule %q: invalid mode %q", r.ID, r.Mode)
		}
	}
	return nil
}

// DefaultDocument is a conservative starter policy: shell commands ask
// for approval with a hard block on rm, read-only tools are allowed.
// Shell commands carry at most one pattern rule because the winning
// rule is selected by scope before its pattern is consulted.
func DefaultDocument() Document {
	return Document{
		DefaultMode: ModeAsk,
		Rules: []Rule{
			{ID: "deny-destructive", Scope: Scope{Tool: "exec"}, Mode: ModeDeny, Pattern: "rm *", Priority: 100},
			{ID: "allow-read-file", Scope: Scope{Tool: "read_file"}, Mode: ModeAllow, Priority: 10},
			{ID: "allow-memory-search", Scope: Scope{Tool: "memory_search"}, Mode: ModeAllow, Priority: 10},
			{ID: "allow-memory-remember", Scope: Scope{Tool: "memory_remember"}, Mode: ModeAllow, Priority: 10},
		},
	}
}

// InvocationContext describes the execution scope of a single tool call.
type InvocationContext struct {
	Channel     string
	Tool        string
	SessionKey  string
	AutoApprove bool
}

// matchScope reports whether the rule's scope covers ctx and how many
// populated scope fields matched. A populated field that does not match
// disqualifies the rule entirely.
func matchScope(s Scope, ctx InvocationContext) (bool, int) {
	specificity := 0
	if s.Channel != "" {
		if s.Channel != ctx.Channel {
			return false, 0
		}
		specificity++
	}
	if s.Tool != "" {
		if s.Tool != ctx.Tool {
			return false, 0
		}
		specificity++
	}
	if s.Session != "" {
		if s.Session != ctx.SessionKey {
			return false, 0
		}
		specificity++
	}
	return true, specificity
}

// matchPattern matches command against a glob-style pattern where '*'
// matches any run of characters. An empty pattern matches everything.
func matchPattern(pattern, command string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == command
	}
	if parts[0] != "" && !strings.HasPrefix(command, parts[0]) {
		return false
	}
	rest := command[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	if last != "" && !strings.HasSuffix(rest, last) {
		return false
	}
	return true
}
