package channel

import (
	"context"
	"strings"

	"github.com/stellarlinkco/deckbot/internal/bus"
	"github.com/stellarlinkco/deckbot/pkg/logger"
)

// Channel is one chat transport. Start must not block; inbound messages are
// pushed onto the bus and replies arrive through Send.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries the state every transport shares.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
	log       *logger.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		id = strings.TrimSpace(id)
		if id != "" {
			allowed[id] = struct{}{}
		}
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allowed,
		log:       logger.Global().Named(name),
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether senderID may talk to the bot. An empty allow
// list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

func (c *BaseChannel) publish(msg bus.InboundMessage) {
	c.bus.Inbound <- msg
}
