package slides

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	slidesapi "google.golang.org/api/slides/v1"
)

// GoogleService is the Service backed by the Google Slides v1 API.
type GoogleService struct {
	api *slidesapi.Service
}

// NewGoogleService builds the API client. Callers pass option.WithTokenSource
// in production; tests point it at a local endpoint.
func NewGoogleService(ctx context.Context, opts ...option.ClientOption) (*GoogleService, error) {
	api, err := slidesapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create slides client: %w", err)
	}
	return &GoogleService{api: api}, nil
}

func (g *GoogleService) Create(ctx context.Context, title string) (string, error) {
	pres, err := g.api.Presentations.Create(&slidesapi.Presentation{Title: title}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create presentation: %w", err)
	}
	return pres.PresentationId, nil
}

func (g *GoogleService) BatchUpdate(ctx context.Context, presentationID string, requests []*slidesapi.Request) error {
	_, err := g.api.Presentations.BatchUpdate(presentationID, &slidesapi.BatchUpdatePresentationRequest{
		Requests: requests,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("batch update presentation: %w", err)
	}
	return nil
}

func (g *GoogleService) Get(ctx context.Context, presentationID string) (*slidesapi.Presentation, error) {
	pres, err := g.api.Presentations.Get(presentationID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get presentation: %w", err)
	}
	return pres, nil
}
