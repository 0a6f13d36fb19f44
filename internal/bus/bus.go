package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/deckbot/pkg/logger"
)

// MessageBus carries messages between channels and the gateway.
// Channels write to Inbound; the gateway writes replies to Outbound and
// DispatchOutbound routes each reply to the subscribers of its channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]func(OutboundMessage)
	log         *logger.Logger
}

func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, size),
		Outbound:    make(chan OutboundMessage, size),
		subscribers: make(map[string][]func(OutboundMessage)),
		log:         logger.Global().Named("bus"),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// DispatchOutbound delivers outbound messages until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			subs := b.subscribers[msg.Channel]
			b.mu.RUnlock()

			if len(subs) == 0 {
				b.log.Warn("no subscriber for outbound message", zap.String("channel", msg.Channel))
				continue
			}
			for _, fn := range subs {
				fn(msg)
			}
		}
	}
}
