package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/stellarlinkco/deckbot/internal/bus"
	"github.com/stellarlinkco/deckbot/internal/config"
	"github.com/stellarlinkco/deckbot/pkg/logger"
	"github.com/stellarlinkco/deckbot/pkg/metrics"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	webui    *WebUIChannel
	log      *logger.Logger
}

// NewChannelManager builds every enabled channel and subscribes it to the
// bus's outbound side.
func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		log:      logger.Global().Named("channel-mgr"),
	}

	if cfg.WhatsApp.Enabled {
		ch, err := NewWhatsApp(cfg.WhatsApp, b)
		if err != nil {
			return nil, fmt.Errorf("create whatsapp channel: %w", err)
		}
		m.register(ch)
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.register(ch)
	}

	if cfg.WebUI.Enabled {
		ch, err := NewWebUIChannel(cfg.WebUI, b)
		if err != nil {
			return nil, fmt.Errorf("init webui channel: %w", err)
		}
		m.webui = ch
		m.register(ch)
	}

	return m, nil
}

func (m *ChannelManager) register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			metrics.OutboundErrorsTotal.WithLabelValues(ch.Name()).Inc()
			m.log.Error("send failed", zap.String("channel", ch.Name()), zap.String("chat_id", msg.ChatID), zap.Error(err))
		}
	})
}

// WebUI returns the web chat channel, or nil when it is disabled. The
// gateway mounts its routes on the ops server.
func (m *ChannelManager) WebUI() *WebUIChannel {
	return m.webui
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.EnabledChannels() {
		m.log.Info("starting channel", zap.String("channel", name))
		if err := m.channels[name].Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *ChannelManager) StopAll() error {
	for _, name := range m.EnabledChannels() {
		m.log.Info("stopping channel", zap.String("channel", name))
		if err := m.channels[name].Stop(); err != nil {
			m.log.Warn("stop failed", zap.String("channel", name), zap.Error(err))
		}
	}
	return nil
}

// EnabledChannels returns channel names in sorted order.
func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
