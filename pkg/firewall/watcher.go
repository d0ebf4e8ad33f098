package firewall

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/kera/internal/observability"
)

// PolicyWatcher monitors the policy file on disk and flags the policy
// set tamper-suspect on any write or removal. Legitimate updates go
// through Reload, which clears the flag after re-verifying the hash.
type PolicyWatcher struct {
	watcher  *fsnotify.Watcher
	policies *PolicySet
	path     string
	done     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewPolicyWatcher creates a watcher for the policy set's backing file.
func NewPolicyWatcher(policies *PolicySet, logger zerolog.Logger) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &PolicyWatcher{
		watcher:  watcher,
		policies: policies,
		path:     policies.path,
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "firewall_watcher").Logger(),
	}, nil
}

// Start begins monitoring. The parent directory is watched rather than
// the file itself so atomic replace (write temp, rename) is still seen.
func (w *PolicyWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch policy dir: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Policy watcher started")
	return nil
}

// Stop stops the watcher.
func (w *PolicyWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.logger.Info().Msg("Policy watcher stopped")
	return nil
}

func (w *PolicyWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *PolicyWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create|fsnotify.Chmod) == 0 {
		return
	}
	w.logger.Warn().
		Str("path", event.Name).
		Str("op", event.Op.String()).
		Msg("Policy file changed on disk")
	w.policies.MarkTampered()
	observability.RecordSecurityAudit(context.Background(), "policy_change_detected", "watcher", "tamper_suspect", map[string]interface{}{
		"path": event.Name,
		"op":   event.Op.String(),
	})
}
