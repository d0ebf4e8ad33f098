// Package config defines the daemon configuration and its loader.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	// Providers holds credential pools per provider family.
	Providers map[string]ProviderConfig `json:"providers" mapstructure:"providers"`

	// Models selects the primary model and its fallbacks.
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Agent configures the orchestration loop.
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Policy configures the command firewall.
	Policy PolicyConfig `json:"policy" mapstructure:"policy"`

	// Heartbeat configures the cron-scheduled self-check.
	Heartbeat HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`

	// Logging configures sinks, level, and redaction.
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// DataDir is the base directory for sessions, memory, and logs.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// WorkspacePath is the working directory for the exec tool.
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// ProviderConfig is one provider family's credentials.
type ProviderConfig struct {
	APIKeys    []string `json:"api_keys" mapstructure:"api_keys"`
	CooldownMs int64    `json:"cooldown_ms" mapstructure:"cooldown_ms"`
}

// Cooldown returns the credential cooldown, defaulting to 300s.
func (p ProviderConfig) Cooldown() time.Duration {
	if p.CooldownMs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(p.CooldownMs) * time.Millisecond
}

// ModelCandidate names one (provider, model) pair of the fallback list.
type ModelCandidate struct {
	Provider string `json:"provider" mapstructure:"provider"`
	Model    string `json:"model" mapstructure:"model"`
}

// ModelsConfig orders the fallback list and sizes context windows.
type ModelsConfig struct {
	Primary  ModelCandidate   `json:"primary" mapstructure:"primary"`
	Fallback []ModelCandidate `json:"fallback" mapstructure:"fallback"`
	Windows  map[string]int   `json:"windows" mapstructure:"windows"`
}

// Candidates returns primary plus fallbacks in traversal order.
func (m ModelsConfig) Candidates() []ModelCandidate {
	return append([]ModelCandidate{m.Primary}, m.Fallback...)
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	SystemPrompt  string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations int    `json:"max_iterations" mapstructure:"max_iterations"`
	MaxTokens     int    `json:"max_tokens" mapstructure:"max_tokens"`
	KeepRecent    int    `json:"keep_recent" mapstructure:"keep_recent"`
	CallTimeoutMs int64  `json:"call_timeout_ms" mapstructure:"call_timeout_ms"`
}

// CallTimeout returns the per-LLM-call timeout, defaulting to 120s.
func (a AgentConfig) CallTimeout() time.Duration {
	if a.CallTimeoutMs <= 0 {
		return 120 * time.Second
	}
	return time.Duration(a.CallTimeoutMs) * time.Millisecond
}

// PolicyConfig locates the firewall policy document.
type PolicyConfig struct {
	Path string `json:"path" mapstructure:"path"`

	// Watch enables the fsnotify tamper watcher.
	Watch bool `json:"watch" mapstructure:"watch"`
}

// HeartbeatConfig schedules the synthetic self-check turn.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
	Prompt   string `json:"prompt" mapstructure:"prompt"`
}

// LoggingConfig configures sinks, level, and redaction.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a working default configuration.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{},
		Models: ModelsConfig{
			Primary: ModelCandidate{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
		Agent: AgentConfig{
			MaxIterations: 16,
			MaxTokens:     4096,
			KeepRecent:    10,
		},
		Heartbeat: HeartbeatConfig{
			Schedule: "@every 30m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
		},
	}
}

// Validate checks the configuration for wiring mistakes.
func (c *Config) Validate() error {
	if c.Models.Primary.Provider == "" || c.Models.Primary.Model == "" {
		return fmt.Errorf("models.primary must name a provider and a model")
	}
	for _, candidate := range c.Models.Candidates() {
		if _, ok := c.Providers[candidate.Provider]; !ok {
			return fmt.Errorf("candidate %s/%s has no providers entry", candidate.Provider, candidate.Model)
		}
	}
	for name, p := range c.Providers {
		if len(p.APIKeys) == 0 {
			return fmt.Errorf("provider %s has no api keys", name)
		}
	}
	if c.Policy.Path == "" {
		return fmt.Errorf("policy.path is required")
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations cannot be negative")
	}
	return nil
}
