// Package slides materializes compiled decks as Google Slides presentations.
package slides

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	slidesapi "google.golang.org/api/slides/v1"

	"github.com/stellarlinkco/deckbot/internal/deck"
	"github.com/stellarlinkco/deckbot/pkg/logger"
	"github.com/stellarlinkco/deckbot/pkg/metrics"
	"github.com/stellarlinkco/deckbot/pkg/tracing"
)

const (
	DefaultCallTimeout = 30 * time.Second

	// LayoutTitleAndBody is the predefined layout requested for every slide.
	LayoutTitleAndBody = "TITLE_AND_BODY"

	PlaceholderTitle = "TITLE"
	PlaceholderBody  = "BODY"

	urlPrefix = "https://docs.google.com/presentation/d/"
)

// Service is the remote presentation API. BatchUpdate is atomic per call.
type Service interface {
	Create(ctx context.Context, title string) (string, error)
	BatchUpdate(ctx context.Context, presentationID string, requests []*slidesapi.Request) error
	Get(ctx context.Context, presentationID string) (*slidesapi.Presentation, error)
}

// Reference points at a created presentation.
type Reference struct {
	PresentationID string
	URL            string
	// SlidesFilled counts slides whose placeholders received text.
	SlidesFilled int
}

// PresentationURL returns the public edit URL for a presentation ID.
func PresentationURL(presentationID string) string {
	return urlPrefix + presentationID
}

// Options configures a Synthesizer.
type Options struct {
	CallTimeout time.Duration
	Logger      *logger.Logger
}

// Synthesizer runs the create, structure, discover, fill protocol against a Service.
type Synthesizer struct {
	svc         Service
	callTimeout time.Duration
	log         *logger.Logger
	tracer      trace.Tracer
}

func NewSynthesizer(svc Service, opts Options) *Synthesizer {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Synthesizer{
		svc:         svc,
		callTimeout: timeout,
		log:         log.Named("slides"),
		tracer:      tracing.Tracer("github.com/stellarlinkco/deckbot/internal/slides"),
	}
}

// Synthesize creates a presentation for d. Structure is committed in one batch,
// then the document is re-read to learn placeholder IDs, then all text is
// inserted in a second batch. Slides without both placeholders are left empty;
// that is not an error. Any failed or timed-out call aborts with an error
// matching ErrSynthesisFailed. Nothing is retried or rolled back.
func (s *Synthesizer) Synthesize(ctx context.Context, d deck.Deck) (ref Reference, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "slides.Synthesize", trace.WithAttributes(
		attribute.Int("deck.slides", len(d.Slides)),
	))
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.SynthesisDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		metrics.SynthesisTotal.WithLabelValues(status).Inc()
		span.End()
	}()

	var id string
	err = s.call(ctx, PhaseCreate, func(ctx context.Context) error {
		var cerr error
		id, cerr = s.svc.Create(ctx, d.Title)
		return cerr
	})
	if err != nil {
		return Reference{}, newSynthesisError(PhaseCreate, "", err)
	}
	if id == "" {
		return Reference{}, newSynthesisError(PhaseCreate, "", fmt.Errorf("empty presentation id"))
	}
	span.SetAttributes(attribute.String("presentation.id", id))
	s.log.Info("created presentation", zap.String("presentation_id", id), zap.Int("slides", len(d.Slides)))

	ref = Reference{PresentationID: id, URL: PresentationURL(id)}
	if len(d.Slides) == 0 {
		return ref, nil
	}

	structure := StructureRequests(d)
	if err := s.call(ctx, PhaseStructure, func(ctx context.Context) error {
		return s.svc.BatchUpdate(ctx, id, structure)
	}); err != nil {
		return Reference{}, newSynthesisError(PhaseStructure, id, err)
	}

	var pres *slidesapi.Presentation
	if err := s.call(ctx, PhaseDiscover, func(ctx context.Context) error {
		var gerr error
		pres, gerr = s.svc.Get(ctx, id)
		return gerr
	}); err != nil {
		return Reference{}, newSynthesisError(PhaseDiscover, id, err)
	}

	content, filled, skipped := ContentRequests(d, pres)
	for _, idx := range skipped {
		s.log.Warn("slide placeholders not found, text skipped",
			zap.String("presentation_id", id), zap.Int("slide", idx))
	}
	if len(content) > 0 {
		if err := s.call(ctx, PhaseContent, func(ctx context.Context) error {
			return s.svc.BatchUpdate(ctx, id, content)
		}); err != nil {
			return Reference{}, newSynthesisError(PhaseContent, id, err)
		}
	}

	ref.SlidesFilled = filled
	return ref, nil
}

func (s *Synthesizer) call(ctx context.Context, phase Phase, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "slides."+string(phase))
	defer span.End()

	err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s call: %w", phase, err)
	}
	return nil
}

// StructureRequests emits one CreateSlide per deck slide, slide i at index i.
func StructureRequests(d deck.Deck) []*slidesapi.Request {
	reqs := make([]*slidesapi.Request, 0, len(d.Slides))
	for i := range d.Slides {
		reqs = append(reqs, &slidesapi.Request{
			CreateSlide: &slidesapi.CreateSlideRequest{
				ObjectId:       fmt.Sprintf("slide_%d", i),
				InsertionIndex: int64(i),
				SlideLayoutReference: &slidesapi.LayoutReference{
					PredefinedLayout: LayoutTitleAndBody,
				},
				// Index 0 must be sent explicitly or the slide is appended.
				ForceSendFields: []string{"InsertionIndex"},
			},
		})
	}
	return reqs
}

// ContentRequests pairs deck slide i with presentation page i and emits title
// and body InsertText operations when both placeholders exist. It returns the
// requests, the number of filled slides, and the indexes that were skipped.
func ContentRequests(d deck.Deck, pres *slidesapi.Presentation) ([]*slidesapi.Request, int, []int) {
	var pages []*slidesapi.Page
	if pres != nil {
		pages = pres.Slides
	}

	reqs := make([]*slidesapi.Request, 0, 2*len(d.Slides))
	filled := 0
	var skipped []int
	for i, slide := range d.Slides {
		if i >= len(pages) {
			skipped = append(skipped, i)
			continue
		}
		titleID, bodyID := findPlaceholders(pages[i])
		if titleID == "" || bodyID == "" {
			skipped = append(skipped, i)
			continue
		}
		reqs = append(reqs,
			insertText(titleID, slide.Title),
			insertText(bodyID, slide.Body),
		)
		filled++
	}
	return reqs, filled, skipped
}

func insertText(objectID, text string) *slidesapi.Request {
	return &slidesapi.Request{
		InsertText: &slidesapi.InsertTextRequest{
			ObjectId:       objectID,
			InsertionIndex: 0,
			Text:           text,
		},
	}
}

func findPlaceholders(page *slidesapi.Page) (titleID, bodyID string) {
	if page == nil {
		return "", ""
	}
	for _, el := range page.PageElements {
		if el == nil || el.Shape == nil || el.Shape.Placeholder == nil {
			continue
		}
		switch el.Shape.Placeholder.Type {
		case PlaceholderTitle:
			if titleID == "" {
				titleID = el.ObjectId
			}
		case PlaceholderBody:
			if bodyID == "" {
				bodyID = el.ObjectId
			}
		}
	}
	return titleID, bodyID
}
