// Package history persists chat turns and created presentations per owner.
package history

import (
	"context"
	"errors"
	"time"
)

// DefaultChatTurnLimit caps ListChatTurns when the caller passes no limit.
const DefaultChatTurnLimit = 50

// ErrNotSupported is returned by backends that cannot perform an operation.
var ErrNotSupported = errors.New("history: operation not supported by backend")

// Direction tells whether a chat turn came from the user or from the bot.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ChatTurn is one logged message.
type ChatTurn struct {
	ID        string
	OwnerID   string
	Text      string
	Direction Direction
	CreatedAt time.Time
}

// PresentationRecord is one created deck.
type PresentationRecord struct {
	ID             string
	OwnerID        string
	Title          string
	RawContent     string
	PresentationID string
	URL            string
	CreatedAt      time.Time
}

// Store is the append-only history log. List methods return newest first.
type Store interface {
	SaveChatTurn(ctx context.Context, turn ChatTurn) error
	ListChatTurns(ctx context.Context, ownerID string, limit int) ([]ChatTurn, error)
	ClearChatTurns(ctx context.Context, ownerID string) error
	PruneChatTurns(ctx context.Context, before time.Time) (int64, error)

	SavePresentation(ctx context.Context, rec PresentationRecord) error
	ListPresentations(ctx context.Context, ownerID string) ([]PresentationRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC()
}
