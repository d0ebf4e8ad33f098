package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/kera/internal/observability"
	"github.com/harun/kera/internal/tracing"
	"github.com/harun/kera/pkg/conversation"
	"github.com/harun/kera/pkg/directive"
)

// Entry represents a persisted message with its session key.
type Entry struct {
	SessionKey string               `json:"sessionKey"`
	Message    conversation.Message `json:"message"`
}

// Manager persists conversation history as JSONL, one file per session,
// plus a sidecar file carrying the session's sticky directives.
type Manager struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.RWMutex
}

// New creates a Manager rooted at sessionsDir, defaulting to
// ~/.kera/sessions.
func New(sessionsDir string) (*Manager, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".kera", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	sm := &Manager{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", sessionsDir).Msg("Session manager initialized")
	sm.updateActiveSessionsMetric()

	return sm, nil
}

// validateSessionKey rejects keys that could escape the sessions
// directory.
func validateSessionKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (sm *Manager) sessionPath(sessionKey string) string {
	return filepath.Join(sm.sessionsDir, sessionKey+".jsonl")
}

func (sm *Manager) directivesPath(sessionKey string) string {
	return filepath.Join(sm.sessionsDir, sessionKey+".directives.json")
}

func (sm *Manager) updateActiveSessionsMetric() {
	sessions, err := sm.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

func (sm *Manager) writeLock(sessionKey string) *sync.Mutex {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()

	if lock, exists := sm.writeLocks[sessionKey]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	sm.writeLocks[sessionKey] = lock
	return lock
}

// Append appends a message to a session, creating the file on first
// write.
func (sm *Manager) Append(ctx context.Context, sessionKey string, message conversation.Message) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := validateSessionKey(sessionKey); err != nil {
		return err
	}
	if message.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if message.Content == "" && len(message.ToolCalls) == 0 {
		return fmt.Errorf("message content cannot be empty")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	created := false
	if _, err := os.Stat(sm.sessionPath(sessionKey)); os.IsNotExist(err) {
		created = true
	}

	file, err := os.OpenFile(sm.sessionPath(sessionKey), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(Entry{SessionKey: sessionKey, Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if created {
		sm.updateActiveSessionsMetric()
	}
	logger.Debug().
		Str("session_key", sessionKey).
		Str("role", message.Role).
		Msg("Message appended")

	return nil
}

// Load returns all messages of a session in order. A missing session
// is an empty history, not an error. Corrupt lines are skipped.
func (sm *Manager) Load(ctx context.Context, sessionKey string) ([]conversation.Message, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := validateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	file, err := os.Open(sm.sessionPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return []conversation.Message{}, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var messages []conversation.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().
				Str("session_key", sessionKey).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}
		if entry.Message.Role == "" {
			logger.Warn().
				Str("session_key", sessionKey).
				Int("line", lineNum).
				Msg("Invalid entry, skipping")
			continue
		}

		messages = append(messages, entry.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().
		Str("session_key", sessionKey).
		Int("messages", len(messages)).
		Msg("Session loaded")

	return messages, nil
}

// SaveDirectives persists the session's sticky directive set.
func (sm *Manager) SaveDirectives(sessionKey string, set directive.Set) error {
	if err := validateSessionKey(sessionKey); err != nil {
		return err
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal directives: %w", err)
	}
	if err := os.WriteFile(sm.directivesPath(sessionKey), data, 0600); err != nil {
		return fmt.Errorf("failed to write directives: %w", err)
	}
	return nil
}

// LoadDirectives returns the session's sticky directive set, zero when
// none has been saved yet.
func (sm *Manager) LoadDirectives(sessionKey string) (directive.Set, error) {
	if err := validateSessionKey(sessionKey); err != nil {
		return directive.Set{}, err
	}

	data, err := os.ReadFile(sm.directivesPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return directive.Set{}, nil
		}
		return directive.Set{}, fmt.Errorf("failed to read directives: %w", err)
	}

	var set directive.Set
	if err := json.Unmarshal(data, &set); err != nil {
		return directive.Set{}, fmt.Errorf("failed to parse directives: %w", err)
	}
	return set, nil
}

// Delete removes a session's history and directives.
func (sm *Manager) Delete(ctx context.Context, sessionKey string) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := validateSessionKey(sessionKey); err != nil {
		return err
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(sm.sessionPath(sessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	if err := os.Remove(sm.directivesPath(sessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete directives file: %w", err)
	}

	sm.locksMu.Lock()
	delete(sm.writeLocks, sessionKey)
	sm.locksMu.Unlock()
	sm.updateActiveSessionsMetric()

	logger.Info().Str("session_key", sessionKey).Msg("Session deleted")
	return nil
}

// List lists all session keys with history on disk.
func (sm *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(sm.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}
	return sessions, nil
}

// Close clears in-memory state. Files stay on disk.
func (sm *Manager) Close() error {
	sm.locksMu.Lock()
	sm.writeLocks = make(map[string]*sync.Mutex)
	sm.locksMu.Unlock()

	log.Info().Msg("Session manager closed")
	return nil
}
