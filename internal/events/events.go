// Package events publishes notifications about created decks.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/stellarlinkco/deckbot/pkg/logger"
)

// DefaultSubject is the NATS subject used when none is configured.
const DefaultSubject = "deckbot.deck.created"

// DeckCreated is emitted once per successfully synthesized deck.
type DeckCreated struct {
	OwnerID        string    `json:"ownerId"`
	PresentationID string    `json:"presentationId"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Slides         int       `json:"slides"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Publisher delivers DeckCreated events.
type Publisher interface {
	PublishDeckCreated(ctx context.Context, evt DeckCreated) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishDeckCreated(context.Context, DeckCreated) error { return nil }

// conn is the subset of *nats.Conn used for publishing.
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

// NATSPublisher publishes events as JSON on a core NATS subject.
type NATSPublisher struct {
	conn    conn
	subject string
}

// Connect dials url and returns a publisher for subject.
func Connect(url, subject string, log *logger.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = logger.Global()
	}
	log = log.Named("events")

	nc, err := nats.Connect(url,
		nats.Name("deckbot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATSPublisher(nc, subject), nil
}

func newNATSPublisher(c conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: c, subject: subject}
}

func (p *NATSPublisher) PublishDeckCreated(ctx context.Context, evt DeckCreated) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal deck event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (p *NATSPublisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
