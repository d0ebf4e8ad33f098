package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Direct is an in-process channel. The CLI and the heartbeat scheduler
// inject messages through it without any transport.
type Direct struct {
	name     string
	dispatch DispatchFunc
	mu       sync.RWMutex
}

// NewDirect creates a direct channel with the given name.
func NewDirect(name string) *Direct {
	return &Direct{name: name}
}

// Name returns the channel name.
func (d *Direct) Name() string {
	return d.name
}

// Start wires the dispatcher. The direct channel has no listener loop.
func (d *Direct) Start(ctx context.Context, dispatch DispatchFunc) error {
	d.mu.Lock()
	d.dispatch = dispatch
	d.mu.Unlock()

	log.Info().Str("channel", d.name).Msg("Direct channel started")
	return nil
}

// Stop detaches the dispatcher.
func (d *Direct) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.dispatch = nil
	d.mu.Unlock()
	return nil
}

// Inject pushes one message through the loop and returns the reply.
// A nil reply means the step was silent.
func (d *Direct) Inject(ctx context.Context, sessionKey, sender, text string) (*OutboundMessage, error) {
	d.mu.RLock()
	dispatch := d.dispatch
	d.mu.RUnlock()

	if dispatch == nil {
		return nil, fmt.Errorf("channel %s is not started", d.name)
	}

	return dispatch(ctx, InboundMessage{
		SessionKey: sessionKey,
		Channel:    d.name,
		Sender:     sender,
		Text:       text,
		Timestamp:  time.Now(),
	})
}
