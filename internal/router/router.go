// Package router classifies inbound chat messages and produces exactly one
// reply per message.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stellarlinkco/deckbot/internal/deck"
	"github.com/stellarlinkco/deckbot/internal/events"
	"github.com/stellarlinkco/deckbot/internal/history"
	"github.com/stellarlinkco/deckbot/internal/slides"
	"github.com/stellarlinkco/deckbot/pkg/logger"
	"github.com/stellarlinkco/deckbot/pkg/metrics"
	"github.com/stellarlinkco/deckbot/pkg/tracing"
)

const (
	DefaultStoreTimeout = 10 * time.Second

	historyDateLayout = "Jan 2, 2006 15:04"
)

// Message is one inbound chat message addressed to the router.
type Message struct {
	ConversationID string
	Channel        string
	ChatID         string
	Text           string
}

// Reply is the single response produced for a Message.
type Reply struct {
	Intent Intent
	Text   string
}

// Synthesizer turns a compiled deck into a remote presentation.
type Synthesizer interface {
	Synthesize(ctx context.Context, d deck.Deck) (slides.Reference, error)
}

type Options struct {
	Replies      Replies
	Rules        []Rule
	LogChatTurns bool
	StoreTimeout time.Duration
	Sessions     *Sessions
	Publisher    events.Publisher
	Logger       *logger.Logger
}

type Router struct {
	synth        Synthesizer
	store        history.Store
	replies      Replies
	rules        []Rule
	logTurns     bool
	storeTimeout time.Duration
	sessions     *Sessions
	publisher    events.Publisher
	log          *logger.Logger
	now          func() time.Time
}

func New(synth Synthesizer, store history.Store, opts Options) *Router {
	r := &Router{
		synth:        synth,
		store:        store,
		replies:      opts.Replies.withDefaults(),
		rules:        opts.Rules,
		logTurns:     opts.LogChatTurns,
		storeTimeout: opts.StoreTimeout,
		sessions:     opts.Sessions,
		publisher:    opts.Publisher,
		log:          opts.Logger,
		now:          time.Now,
	}
	if len(r.rules) == 0 {
		r.rules = DefaultRules()
	}
	if r.storeTimeout <= 0 {
		r.storeTimeout = DefaultStoreTimeout
	}
	if r.sessions == nil {
		r.sessions = NewSessions(DefaultSessionCapacity)
	}
	if r.publisher == nil {
		r.publisher = events.Nop{}
	}
	if r.log == nil {
		r.log = logger.Global()
	}
	r.log = r.log.Named("router")
	return r
}

func (r *Router) Sessions() *Sessions {
	return r.sessions
}

// Handle classifies msg, runs its side effects and returns the reply.
// It never panics and always returns a non-empty reply.
func (r *Router) Handle(ctx context.Context, msg Message) (reply Reply) {
	log := r.log.WithConversation(msg.ConversationID, uuid.NewString())
	ctx, span := tracing.Tracer("github.com/stellarlinkco/deckbot/internal/router").Start(ctx, "router.Handle")
	defer span.End()

	intent := Fallback
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while handling message", zap.Any("panic", p), zap.Stack("stack"))
			reply = Reply{Intent: intent, Text: r.replies.Internal}
		}
		if r.logTurns {
			r.logTurn(ctx, log, msg.ConversationID, reply.Text, history.Outbound)
		}
	}()

	if r.logTurns {
		r.logTurn(ctx, log, msg.ConversationID, msg.Text, history.Inbound)
	}

	text := strings.TrimSpace(msg.Text)
	intent = Classify(r.rules, text)
	r.sessions.Touch(msg.ConversationID, intent)
	metrics.MessagesTotal.WithLabelValues(intent.String()).Inc()
	span.SetAttributes(attribute.String("intent", intent.String()))
	log.Debug("classified message", zap.String("intent", intent.String()))

	switch intent {
	case Greeting, Help:
		return Reply{Intent: intent, Text: r.replies.Help}
	case History:
		return Reply{Intent: intent, Text: r.history(ctx, log, msg.ConversationID)}
	case Clear:
		return Reply{Intent: intent, Text: r.clear(ctx, log, msg.ConversationID)}
	case Create:
		return Reply{Intent: intent, Text: r.create(ctx, log, msg.ConversationID, text)}
	default:
		return Reply{Intent: intent, Text: r.replies.Fallback}
	}
}

func (r *Router) history(ctx context.Context, log *logger.Logger, owner string) string {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	recs, err := r.store.ListPresentations(ctx, owner)
	if err != nil {
		metrics.HistoryErrorsTotal.WithLabelValues("list_presentations").Inc()
		log.Error("failed to load presentation history", zap.Error(err))
		return r.replies.HistoryFailed
	}
	if len(recs) == 0 {
		return r.replies.HistoryEmpty
	}
	return r.replies.HistoryHeader + "\n\n" + RenderHistory(recs)
}

// RenderHistory formats records as a numbered list, in the order given.
func RenderHistory(recs []history.PresentationRecord) string {
	var sb strings.Builder
	for i, rec := range recs {
		title := strings.TrimSpace(rec.Title)
		if title == "" {
			title = deck.Compile(rec.RawContent).Title
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n   %s", i+1, title, rec.CreatedAt.UTC().Format(historyDateLayout), rec.URL)
	}
	return sb.String()
}

func (r *Router) clear(ctx context.Context, log *logger.Logger, owner string) string {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	if err := r.store.ClearChatTurns(ctx, owner); err != nil {
		metrics.HistoryErrorsTotal.WithLabelValues("clear_chat_turns").Inc()
		log.Error("failed to clear chat history", zap.Error(err))
		return r.replies.ClearFailed
	}
	return r.replies.Cleared
}

func (r *Router) create(ctx context.Context, log *logger.Logger, owner, text string) string {
	d := deck.Compile(text)
	ref, err := r.synth.Synthesize(ctx, d)
	if err != nil {
		log.Error("presentation synthesis failed", zap.Error(err), zap.String("title", d.Title))
		return r.replies.CreateFailed
	}
	log.Info("presentation created",
		zap.String("presentation_id", ref.PresentationID),
		zap.Int("slides", len(d.Slides)),
		zap.Int("slides_filled", ref.SlidesFilled),
	)

	now := r.now().UTC()
	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	err = r.store.SavePresentation(storeCtx, history.PresentationRecord{
		OwnerID:        owner,
		Title:          d.Title,
		RawContent:     text,
		PresentationID: ref.PresentationID,
		URL:            ref.URL,
		CreatedAt:      now,
	})
	cancel()
	if err != nil {
		// The deck exists remotely; the user still gets the link.
		metrics.HistoryErrorsTotal.WithLabelValues("save_presentation").Inc()
		log.Warn("failed to record presentation", zap.Error(err), zap.String("presentation_id", ref.PresentationID))
	}

	err = r.publisher.PublishDeckCreated(ctx, events.DeckCreated{
		OwnerID:        owner,
		PresentationID: ref.PresentationID,
		URL:            ref.URL,
		Title:          d.Title,
		Slides:         len(d.Slides),
		CreatedAt:      now,
	})
	if err != nil {
		log.Warn("failed to publish deck event", zap.Error(err))
	}

	return r.replies.created(ref.URL)
}

// logTurn records one chat turn. A failing or panicking store is logged and
// never reaches the caller; it also runs from Handle's recovering defer.
func (r *Router) logTurn(ctx context.Context, log *logger.Logger, owner, text string, dir history.Direction) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			metrics.HistoryErrorsTotal.WithLabelValues("save_chat_turn").Inc()
			log.Error("panic while logging chat turn", zap.Any("panic", p), zap.String("direction", string(dir)))
		}
	}()

	err := r.store.SaveChatTurn(ctx, history.ChatTurn{
		OwnerID:   owner,
		Text:      text,
		Direction: dir,
		CreatedAt: r.now(),
	})
	if err != nil {
		metrics.HistoryErrorsTotal.WithLabelValues("save_chat_turn").Inc()
		log.Warn("failed to log chat turn", zap.Error(err), zap.String("direction", string(dir)))
	}
}
