// Package normalize maps backend-native payloads to the canonical
// RecognitionResult.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/service/stt"
)

// Result converts a native payload. Parse failures become ParseError results
// carrying whatever hypotheses were parsed before the failure.
func Result(p stt.Payload) models.RecognitionResult {
	switch v := p.(type) {
	case stt.TokenPayload:
		return fromTokens(v)
	case stt.AlternativesPayload:
		return fromAlternatives(v)
	case stt.ModulePayload:
		return fromModule(v)
	default:
		return models.RecognitionResult{
			State: models.StateParseError,
			Error: fmt.Sprintf("normalize: unsupported payload %T", p),
		}
	}
}

// Malformed builds the result for a response the backend could not decode.
func Malformed(err error) models.RecognitionResult {
	return models.RecognitionResult{State: models.StateParseError, Error: err.Error()}
}

// Failed builds the result reported when the backend call itself failed.
func Failed(err error) models.RecognitionResult {
	r := models.RecognitionResult{State: models.StateRecognitionFailed}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

type tokenDocument struct {
	Result []struct {
		Alternative []json.RawMessage `json:"alternative"`
	} `json:"result"`
}

type tokenAlternative struct {
	Transcript *string  `json:"transcript"`
	Confidence *float64 `json:"confidence"`
}

func fromTokens(tokens stt.TokenPayload) models.RecognitionResult {
	if len(tokens) <= 1 {
		return models.RecognitionResult{State: models.StateRecognitionFailed}
	}

	// Only the first document after the interim one is read.
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.Join(tokens[1:], "\n"))))
	var doc tokenDocument
	if err := dec.Decode(&doc); err != nil {
		return parseError(nil, fmt.Errorf("decode document: %w", err))
	}
	if len(doc.Result) == 0 {
		return parseError(nil, fmt.Errorf("document has no result"))
	}

	var hyps []models.Hypothesis
	for i, raw := range doc.Result[0].Alternative {
		var alt tokenAlternative
		if err := json.Unmarshal(raw, &alt); err != nil {
			return parseError(hyps, fmt.Errorf("alternative %d: %w", i+1, err))
		}
		if alt.Transcript == nil {
			return parseError(hyps, fmt.Errorf("alternative %d: missing transcript", i+1))
		}
		score := confidence(alt.Confidence)
		hyps = append(hyps, models.Hypothesis{
			Rank:       i + 1,
			Text:       *alt.Transcript,
			Score:      score,
			Likelihood: score,
		})
	}
	return models.RecognitionResult{State: models.StateSuccess, Hypotheses: hyps}
}

func fromAlternatives(alts stt.AlternativesPayload) models.RecognitionResult {
	if len(alts) == 0 {
		return models.RecognitionResult{State: models.StateRecognitionFailed}
	}
	hyps := make([]models.Hypothesis, 0, len(alts))
	for i, a := range alts {
		score := confidence(a.Confidence)
		hyps = append(hyps, models.Hypothesis{
			Rank:       i + 1,
			Text:       a.Text,
			Score:      score,
			Likelihood: score,
		})
	}
	return models.RecognitionResult{State: models.StateSuccess, Hypotheses: hyps}
}

func fromModule(p stt.ModulePayload) models.RecognitionResult {
	if p.Rejected {
		return models.RecognitionResult{State: models.StateRejected, Error: p.Reason}
	}
	if len(p.Hypotheses) == 0 {
		return models.RecognitionResult{State: models.StateRecognitionFailed}
	}

	hyps := make([]models.Hypothesis, 0, len(p.Hypotheses))
	for i, h := range p.Hypotheses {
		var (
			text  []string
			words []models.Word
			sum   float64
		)
		for _, w := range h.Words {
			// Sentence markers such as <s> and </s> are not words.
			if w.Word == "" || strings.HasPrefix(w.Word, "<") {
				continue
			}
			cm := confidence(w.CM)
			text = append(text, w.Word)
			words = append(words, models.Word{Text: w.Word, Score: cm})
			sum += cm
		}
		var score float64
		if len(words) > 0 {
			score = sum / float64(len(words))
		}
		rank := h.Rank
		if rank < 1 {
			rank = i + 1
		}
		hyps = append(hyps, models.Hypothesis{
			Rank:       rank,
			Text:       strings.Join(text, " "),
			Score:      score,
			Likelihood: h.Score,
			Words:      words,
		})
	}
	return models.RecognitionResult{State: models.StateSuccess, Hypotheses: hyps}
}

func confidence(c *float64) float64 {
	if c == nil {
		return 0
	}
	return *c
}

func parseError(hyps []models.Hypothesis, err error) models.RecognitionResult {
	return models.RecognitionResult{
		State:      models.StateParseError,
		Hypotheses: hyps,
		Error:      "normalize: " + err.Error(),
	}
}
