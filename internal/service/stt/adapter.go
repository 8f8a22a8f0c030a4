// Package stt defines the interface for speech recognition backends and the
// native result shapes they return.
package stt

import (
	"context"
	"errors"

	"speech-recognition-bridge/internal/models"
)

// ErrTransport marks a soft failure: the request could not be delivered or the
// service answered with an error status. The utterance is not retried.
var ErrTransport = errors.New("stt: transport failure")

// ErrMalformed marks a response that arrived but could not be decoded.
var ErrMalformed = errors.New("stt: malformed response")

// Backend recognizes one complete utterance per call.
type Backend interface {
	// Name identifies the backend in logs, metrics and results.
	Name() string

	// Recognize sends the utterance and returns the backend-native result.
	Recognize(ctx context.Context, utt models.Utterance) (Payload, error)
}

// Closer is implemented by backends that hold connections or sessions.
type Closer interface {
	Close() error
}

// Payload is a backend-native result. The concrete types are TokenPayload,
// AlternativesPayload and ModulePayload.
type Payload interface {
	payload()
}

// TokenPayload is the newline-delimited body of a v2 style endpoint. The first
// token is the service's interim (usually empty) document.
type TokenPayload []string

// Alternative is one candidate returned by a JSON cloud API.
type Alternative struct {
	Text       string
	Confidence *float64
}

// AlternativesPayload lists candidates in the order the service returned them.
type AlternativesPayload []Alternative

// ModuleWord is one WHYPO element of the local engine's output.
type ModuleWord struct {
	Word string
	CM   *float64
}

// ModuleHypothesis is one SHYPO element of the local engine's output.
type ModuleHypothesis struct {
	Rank  int
	Score float64
	Words []ModuleWord
}

// ModulePayload is the local engine's answer to one utterance.
type ModulePayload struct {
	Rejected   bool
	Reason     string
	Hypotheses []ModuleHypothesis
}

func (TokenPayload) payload()        {}
func (AlternativesPayload) payload() {}
func (ModulePayload) payload()       {}

// Float returns a pointer to f, for building payloads with a confidence.
func Float(f float64) *float64 {
	return &f
}
