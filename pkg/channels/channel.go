package channels

import (
	"context"
	"time"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	SessionKey string
	Channel    string
	Sender     string
	Text       string
	Timestamp  time.Time
}

// OutboundMessage is the reply routed back to a channel. A nil outbound
// from the dispatcher means a silent step: nothing is delivered.
type OutboundMessage struct {
	Channel   string
	Recipient string
	Text      string
}

// DispatchFunc routes an inbound message through the orchestration loop.
type DispatchFunc func(ctx context.Context, msg InboundMessage) (*OutboundMessage, error)

// Channel is a channel runtime abstraction (cli, heartbeat, webhook, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
}
