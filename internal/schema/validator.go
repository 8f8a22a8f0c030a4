// Package schema checks recognition results against the invariants
// downstream consumers rely on before they are delivered.
package schema

import (
	"errors"
	"fmt"
	"math"

	"speech-recognition-bridge/internal/models"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("schema: invalid result")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate returns nil when the result is well formed, otherwise all
// violations joined and wrapped in ErrInvalid.
func (v *Validator) Validate(r models.RecognitionResult) error {
	var errs []error

	switch r.State {
	case models.StateSuccess, models.StateParseError:
	case models.StateRecognitionFailed, models.StateRejected:
		if len(r.Hypotheses) > 0 {
			errs = append(errs, fmt.Errorf("state %s carries %d hypotheses", r.State, len(r.Hypotheses)))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state %q", r.State))
	}

	if r.SessionID == "" {
		errs = append(errs, errors.New("missing session id"))
	}
	if r.UtteranceID == "" {
		errs = append(errs, errors.New("missing utterance id"))
	}
	if r.Backend == "" {
		errs = append(errs, errors.New("missing backend"))
	}

	prev := 0
	for i, h := range r.Hypotheses {
		if h.Rank <= prev {
			errs = append(errs, fmt.Errorf("hypothesis %d: rank %d not increasing", i, h.Rank))
		}
		prev = h.Rank
		if math.IsNaN(h.Score) || math.IsNaN(h.Likelihood) {
			errs = append(errs, fmt.Errorf("hypothesis %d: NaN score", i))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
