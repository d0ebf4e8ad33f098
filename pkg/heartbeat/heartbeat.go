// Package heartbeat schedules synthetic inbound messages so the agent
// periodically reviews its own state. Heartbeat turns flow through the
// same orchestration loop as user messages and may stay silent.
package heartbeat

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/kera/pkg/channels"
)

// DefaultPrompt is sent when the configuration does not override it.
const DefaultPrompt = "Heartbeat: review pending work and open loops. Reply with HEARTBEAT_OK if nothing needs attention."

// Service fires cron-scheduled heartbeat messages into a channel.
type Service struct {
	cron       *cron.Cron
	channel    *channels.Direct
	sessionKey string
	prompt     string
	entryID    cron.EntryID
	logger     zerolog.Logger
	mu         sync.Mutex
	started    bool
}

// New creates a heartbeat service injecting into ch under sessionKey.
func New(ch *channels.Direct, sessionKey, prompt string, logger zerolog.Logger) *Service {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Service{
		cron:       cron.New(),
		channel:    ch,
		sessionKey: sessionKey,
		prompt:     prompt,
		logger:     logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Start schedules the heartbeat with a standard cron expression.
func (s *Service) Start(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("heartbeat already started")
	}

	entryID, err := s.cron.AddFunc(expr, s.beat)
	if err != nil {
		return fmt.Errorf("invalid heartbeat schedule: %w", err)
	}
	s.entryID = entryID
	s.cron.Start()
	s.started = true

	s.logger.Info().Str("schedule", expr).Msg("Heartbeat started")
	return nil
}

func (s *Service) beat() {
	out, err := s.channel.Inject(context.Background(), s.sessionKey, "heartbeat", s.prompt)
	if err != nil {
		s.logger.Error().Err(err).Msg("Heartbeat turn failed")
		return
	}
	if out == nil {
		s.logger.Debug().Msg("Heartbeat silent")
		return
	}
	s.logger.Info().Str("reply", out.Text).Msg("Heartbeat reply")
}

// Stop halts the schedule and waits for a running beat to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.started = false

	s.logger.Info().Msg("Heartbeat stopped")
}
