// Package slidestest provides an in-memory slides.Service for tests.
package slidestest

import (
	"context"
	"fmt"
	"sync"
	"time"

	slidesapi "google.golang.org/api/slides/v1"
)

// Service mimics the parts of the Slides API the synthesizer uses. A new
// presentation starts with one title slide; created slides get object IDs
// that differ from the requested ones, as the real service may do.
type Service struct {
	mu      sync.Mutex
	nextID  int
	decks   map[string]*slidesapi.Presentation
	calls   []string
	batches int

	CreateErr error
	GetErr    error
	// BatchErr, when set, is consulted before every BatchUpdate with the
	// 1-based batch number.
	BatchErr func(batch int) error
	// OmitBody lists created-slide positions whose body placeholder is missing.
	OmitBody map[int]bool
	// Delay stalls every call until it elapses or the context ends.
	Delay time.Duration
}

func New() *Service {
	return &Service{decks: make(map[string]*slidesapi.Presentation)}
}

func (s *Service) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(s.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Create(ctx context.Context, title string) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "create")
	if s.CreateErr != nil {
		return "", s.CreateErr
	}
	s.nextID++
	id := fmt.Sprintf("pres-%d", s.nextID)
	s.decks[id] = &slidesapi.Presentation{
		PresentationId: id,
		Title:          title,
		Slides: []*slidesapi.Page{{
			ObjectId: "p",
			PageElements: []*slidesapi.PageElement{
				placeholder("i0", "CENTERED_TITLE"),
				placeholder("i1", "SUBTITLE"),
			},
		}},
	}
	return id, nil
}

func (s *Service) BatchUpdate(ctx context.Context, presentationID string, requests []*slidesapi.Request) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "batch")
	s.batches++
	if s.BatchErr != nil {
		if err := s.BatchErr(s.batches); err != nil {
			return err
		}
	}
	pres, ok := s.decks[presentationID]
	if !ok {
		return fmt.Errorf("presentation %q not found", presentationID)
	}

	// Apply to a copy so a failing request leaves the document untouched.
	pages := append([]*slidesapi.Page(nil), pres.Slides...)
	texts := make(map[string]string)
	for _, req := range requests {
		switch {
		case req.CreateSlide != nil:
			cs := req.CreateSlide
			idx := int(cs.InsertionIndex)
			if idx < 0 || idx > len(pages) {
				return fmt.Errorf("insertion index %d out of range", idx)
			}
			n := len(pages)
			page := &slidesapi.Page{
				ObjectId:     fmt.Sprintf("g%s_%d", cs.ObjectId, n),
				PageElements: []*slidesapi.PageElement{placeholder(fmt.Sprintf("%s_title_%d", presentationID, n), "TITLE")},
			}
			if !s.OmitBody[idx] {
				page.PageElements = append(page.PageElements, placeholder(fmt.Sprintf("%s_body_%d", presentationID, n), "BODY"))
			}
			pages = append(pages[:idx], append([]*slidesapi.Page{page}, pages[idx:]...)...)
		case req.InsertText != nil:
			if !hasElement(pages, req.InsertText.ObjectId) {
				return fmt.Errorf("object %q not found", req.InsertText.ObjectId)
			}
			texts[req.InsertText.ObjectId] += req.InsertText.Text
		default:
			return fmt.Errorf("unsupported request")
		}
	}

	pres.Slides = pages
	for _, page := range pages {
		for _, el := range page.PageElements {
			if t, ok := texts[el.ObjectId]; ok {
				el.Shape.Text = &slidesapi.TextContent{
					TextElements: []*slidesapi.TextElement{{TextRun: &slidesapi.TextRun{Content: t}}},
				}
			}
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, presentationID string) (*slidesapi.Presentation, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "get")
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	pres, ok := s.decks[presentationID]
	if !ok {
		return nil, fmt.Errorf("presentation %q not found", presentationID)
	}
	cp := *pres
	cp.Slides = append([]*slidesapi.Page(nil), pres.Slides...)
	return &cp, nil
}

// Calls returns the sequence of API calls made so far.
func (s *Service) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Presentation returns the stored document, or nil.
func (s *Service) Presentation(id string) *slidesapi.Presentation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decks[id]
}

// Text returns the text inserted into the placeholder of type kind on page i.
func (s *Service) Text(id string, page int, kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pres := s.decks[id]
	if pres == nil || page >= len(pres.Slides) {
		return ""
	}
	for _, el := range pres.Slides[page].PageElements {
		if el.Shape == nil || el.Shape.Placeholder == nil || el.Shape.Placeholder.Type != kind {
			continue
		}
		if el.Shape.Text == nil {
			return ""
		}
		var out string
		for _, te := range el.Shape.Text.TextElements {
			if te.TextRun != nil {
				out += te.TextRun.Content
			}
		}
		return out
	}
	return ""
}

func placeholder(id, kind string) *slidesapi.PageElement {
	return &slidesapi.PageElement{
		ObjectId: id,
		Shape: &slidesapi.Shape{
			ShapeType:   "TEXT_BOX",
			Placeholder: &slidesapi.Placeholder{Type: kind},
		},
	}
}

func hasElement(pages []*slidesapi.Page, objectID string) bool {
	for _, page := range pages {
		for _, el := range page.PageElements {
			if el.ObjectId == objectID {
				return true
			}
		}
	}
	return false
}
