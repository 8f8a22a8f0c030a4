package schema

import (
	"errors"
	"math"
	"testing"

	"speech-recognition-bridge/internal/models"
)

func valid() models.RecognitionResult {
	return models.RecognitionResult{
		State:       models.StateSuccess,
		SessionID:   "s1",
		UtteranceID: "s1-utt-1",
		Backend:     "mock",
		Hypotheses: []models.Hypothesis{
			{Rank: 1, Text: "turn left", Score: 0.9},
			{Rank: 2, Text: "turn loft", Score: 0.4},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.RecognitionResult)
		ok     bool
	}{
		{"valid", func(*models.RecognitionResult) {}, true},
		{"failed without hypotheses", func(r *models.RecognitionResult) {
			r.State, r.Hypotheses = models.StateRecognitionFailed, nil
		}, true},
		{"parse error keeps partial hypotheses", func(r *models.RecognitionResult) {
			r.State = models.StateParseError
		}, true},
		{"rejected with hypotheses", func(r *models.RecognitionResult) { r.State = models.StateRejected }, false},
		{"unknown state", func(r *models.RecognitionResult) { r.State = "Maybe" }, false},
		{"missing ids", func(r *models.RecognitionResult) { r.SessionID, r.UtteranceID = "", "" }, false},
		{"missing backend", func(r *models.RecognitionResult) { r.Backend = "" }, false},
		{"rank order", func(r *models.RecognitionResult) { r.Hypotheses[1].Rank = 1 }, false},
		{"rank zero", func(r *models.RecognitionResult) { r.Hypotheses[0].Rank = 0 }, false},
		{"nan", func(r *models.RecognitionResult) { r.Hypotheses[0].Score = math.NaN() }, false},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := v.Validate(r)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
