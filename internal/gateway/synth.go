package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/stellarlinkco/deckbot/internal/deck"
	"github.com/stellarlinkco/deckbot/internal/router"
	"github.com/stellarlinkco/deckbot/internal/slides"
)

var errNoOAuthClient = errors.New("google oauth client is not configured")

// lazySynth builds the Slides-backed synthesizer on first use, so the
// gateway can start before the Google account is authorized. reset drops
// the cached instance after a new token is stored.
type lazySynth struct {
	build func(ctx context.Context) (router.Synthesizer, error)

	mu    sync.Mutex
	synth router.Synthesizer
}

func (l *lazySynth) Synthesize(ctx context.Context, d deck.Deck) (slides.Reference, error) {
	s, err := l.get(ctx)
	if err != nil {
		return slides.Reference{}, err
	}
	return s.Synthesize(ctx, d)
}

func (l *lazySynth) get(ctx context.Context) (router.Synthesizer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.synth != nil {
		return l.synth, nil
	}
	s, err := l.build(ctx)
	if err != nil {
		return nil, err
	}
	l.synth = s
	return s, nil
}

func (l *lazySynth) reset() {
	l.mu.Lock()
	l.synth = nil
	l.mu.Unlock()
}
