package slides

import (
	"errors"
	"fmt"
)

// ErrSynthesisFailed matches every error returned by Synthesize.
var ErrSynthesisFailed = errors.New("presentation synthesis failed")

// Phase names the step of the protocol that failed.
type Phase string

const (
	PhaseCreate    Phase = "create"
	PhaseStructure Phase = "structure"
	PhaseDiscover  Phase = "discover"
	PhaseContent   Phase = "content"
)

// SynthesisError carries the failed phase and, when one exists, the ID of the
// partially built presentation.
type SynthesisError struct {
	Phase          Phase
	PresentationID string
	Err            error
}

func (e *SynthesisError) Error() string {
	if e == nil {
		return ""
	}
	if e.PresentationID == "" {
		return fmt.Sprintf("slides: %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("slides: %s %s: %v", e.Phase, e.PresentationID, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *SynthesisError) Is(target error) bool {
	return target == ErrSynthesisFailed
}

func newSynthesisError(phase Phase, presentationID string, err error) *SynthesisError {
	return &SynthesisError{Phase: phase, PresentationID: presentationID, Err: err}
}
