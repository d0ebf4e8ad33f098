// Package daemon wires the runtime together: credential pools, the
// fallback chain, the command firewall, tools, sessions, channels, and
// the orchestration loop.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kera/internal/config"
	"github.com/harun/kera/internal/observability"
	"github.com/harun/kera/pkg/agent"
	"github.com/harun/kera/pkg/channels"
	"github.com/harun/kera/pkg/commandqueue"
	"github.com/harun/kera/pkg/conversation"
	"github.com/harun/kera/pkg/firewall"
	"github.com/harun/kera/pkg/heartbeat"
	"github.com/harun/kera/pkg/memory"
	"github.com/harun/kera/pkg/provider"
	"github.com/harun/kera/pkg/session"
	"github.com/harun/kera/pkg/tokens"
	"github.com/harun/kera/pkg/toolexec"
)

// Daemon is the assembled runtime.
type Daemon struct {
	cfg       *config.Config
	logger    zerolog.Logger
	runner    *agent.Runner
	policies  *firewall.PolicySet
	watcher   *firewall.PolicyWatcher
	heartbeat *heartbeat.Service
	memory    *memory.Store
	sessions  *session.Manager
	queue     *commandqueue.CommandQueue
	direct    *channels.Direct
	metrics   *http.Server
}

// New assembles a daemon from cfg. Nothing is started yet.
func New(cfg *config.Config, logger zerolog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	observability.EnsureRegistered()
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl")); err != nil {
		return nil, fmt.Errorf("failed to init audit log: %w", err)
	}

	pools := make(map[string]*provider.CredentialPool, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		credentials := make([]provider.Credential, 0, len(pc.APIKeys))
		for i, key := range pc.APIKeys {
			credentials = append(credentials, provider.Credential{
				ID:     fmt.Sprintf("%s-%d", name, i),
				APIKey: key,
			})
		}
		pool, err := provider.NewCredentialPool(name, credentials, pc.Cooldown())
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		pools[name] = pool
	}

	chain, err := provider.NewFallbackChain(provider.ChainConfig{
		Pools:       pools,
		CallTimeout: cfg.Agent.CallTimeout(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]provider.Candidate, 0, len(cfg.Models.Candidates()))
	for _, c := range cfg.Models.Candidates() {
		candidates = append(candidates, provider.Candidate{ProviderID: c.Provider, Model: c.Model})
	}

	policies, err := firewall.Load(cfg.Policy.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	var watcher *firewall.PolicyWatcher
	if cfg.Policy.Watch {
		watcher, err = firewall.NewPolicyWatcher(policies, logger)
		if err != nil {
			return nil, err
		}
	}

	sessions, err := session.New(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return nil, err
	}

	store, err := memory.Open(filepath.Join(cfg.DataDir, "memory.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	estimator := tokens.NewEstimator()
	model := cfg.Models.Primary.Model
	guard := conversation.NewGuard(estimator, cfg.Models.Windows, conversation.DefaultReplyBuffer)

	executor := toolexec.New(logger)
	for _, def := range []toolexec.Definition{
		toolexec.ExecTool(cfg.WorkspacePath),
		toolexec.ReadFileTool(),
		memory.SearchTool(store),
		memory.RememberTool(store),
	} {
		if err := executor.Register(def); err != nil {
			return nil, err
		}
	}

	queue := commandqueue.New()

	summarizer := &provider.ChainSummarizer{Chain: chain, Candidates: candidates}
	compactor := conversation.NewCompactor(summarizer, cfg.Agent.KeepRecent, logger)

	runner, err := agent.NewRunner(agent.Config{
		Chain:         chain,
		Candidates:    candidates,
		Executor:      executor,
		Truncator:     toolexec.NewTruncator(estimator, model, guard.Window(model), logger),
		Policies:      policies,
		Sessions:      sessions,
		Guard:         guard,
		Compactor:     compactor,
		Estimator:     estimator,
		Queue:         queue,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxIterations: cfg.Agent.MaxIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	direct := channels.NewDirect("cli")

	d := &Daemon{
		cfg:      cfg,
		logger:   logger.With().Str("component", "daemon").Logger(),
		runner:   runner,
		policies: policies,
		watcher:  watcher,
		memory:   store,
		sessions: sessions,
		queue:    queue,
		direct:   direct,
	}

	if cfg.Heartbeat.Enabled {
		hb := channels.NewDirect("heartbeat")
		if err := hb.Start(context.Background(), runner.Process); err != nil {
			return nil, err
		}
		d.heartbeat = heartbeat.New(hb, "heartbeat", cfg.Heartbeat.Prompt, logger)
	}

	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.direct.Start(ctx, d.runner.Process); err != nil {
		return err
	}
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return err
		}
	}
	if d.heartbeat != nil {
		if err := d.heartbeat.Start(d.cfg.Heartbeat.Schedule); err != nil {
			return err
		}
	}
	if d.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		d.metrics = &http.Server{Addr: d.cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := d.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		d.logger.Info().Str("addr", d.cfg.Metrics.Addr).Msg("Metrics endpoint up")
	}

	d.logger.Info().Msg("Daemon running")
	<-ctx.Done()
	return d.shutdown()
}

func (d *Daemon) shutdown() error {
	d.logger.Info().Msg("Daemon shutting down")

	if d.heartbeat != nil {
		d.heartbeat.Stop()
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Policy watcher stop failed")
		}
	}
	if d.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	d.queue.Close()
	d.sessions.Close()
	if err := d.memory.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Memory store close failed")
	}
	observability.GetAuditLogger().Close()

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Chat injects one message through the CLI channel and returns the
// reply, nil when the turn was silent.
func (d *Daemon) Chat(ctx context.Context, sessionKey, sender, text string) (*channels.OutboundMessage, error) {
	return d.direct.Inject(ctx, sessionKey, sender, text)
}

// ReloadPolicy re-reads and re-verifies the firewall policy. This is
// the only way out of a tamper-suspect deny-all state.
func (d *Daemon) ReloadPolicy() error {
	return d.policies.Reload()
}

// Abort cancels a session's running and queued turns.
func (d *Daemon) Abort(sessionKey string) int {
	return d.runner.Abort(sessionKey)
}
