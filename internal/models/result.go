// Package models defines the data structures for recognition results and events.
package models

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// State is the outcome of recognizing one utterance.
type State string

const (
	StateSuccess           State = "Success"
	StateRecognitionFailed State = "RecognitionFailed"
	StateRejected          State = "Rejected"
	StateParseError        State = "ParseError"
)

// Word is one recognized word with its confidence measure (local engine only).
type Word struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Hypothesis is one ranked candidate transcription.
type Hypothesis struct {
	Rank       int     `json:"rank"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Likelihood float64 `json:"likelihood"`
	Words      []Word  `json:"words,omitempty"`
}

// RecognitionResult is the canonical output for one utterance.
type RecognitionResult struct {
	State       State        `json:"state"`
	Hypotheses  []Hypothesis `json:"hypotheses"`
	SessionID   string       `json:"sessionId,omitempty"`
	UtteranceID string       `json:"utteranceId,omitempty"`
	Backend     string       `json:"backend,omitempty"`
	Error       string       `json:"error,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

// Best returns the rank 1 hypothesis, if any.
func (r RecognitionResult) Best() (Hypothesis, bool) {
	if len(r.Hypotheses) == 0 {
		return Hypothesis{}, false
	}
	return r.Hypotheses[0], true
}

// listenText is the XML document handed to downstream consumers.
type listenText struct {
	XMLName xml.Name    `xml:"listenText"`
	State   State       `xml:"state,attr"`
	Data    []xmlResult `xml:"data"`
}

type xmlResult struct {
	Rank       string    `xml:"rank,attr"`
	Score      string    `xml:"score,attr"`
	Likelihood string    `xml:"likelihood,attr"`
	Text       string    `xml:"text,attr"`
	Words      []xmlWord `xml:"word"`
}

type xmlWord struct {
	Text  string `xml:"text,attr"`
	Score string `xml:"score,attr"`
}

// MarshalListenText encodes the result as a listenText XML document.
func (r RecognitionResult) MarshalListenText() ([]byte, error) {
	doc := listenText{State: r.State}
	for _, h := range r.Hypotheses {
		d := xmlResult{
			Rank:       strconv.Itoa(h.Rank),
			Score:      formatFloat(h.Score),
			Likelihood: formatFloat(h.Likelihood),
			Text:       h.Text,
		}
		for _, w := range h.Words {
			d.Words = append(d.Words, xmlWord{Text: w.Text, Score: formatFloat(w.Score)})
		}
		doc.Data = append(doc.Data, d)
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("models: marshal listenText: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// EngineStatus is published whenever the local engine reports a status change
// or writes a log audio file.
type EngineStatus struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
