// Package mock provides a mock recognition backend for running without an
// engine or cloud credentials.
// It answers every utterance with the next canned set of alternatives,
// cycling through a fixed list, and records what it was asked to recognize.
package mock

import (
	"context"
	"sync"
	"time"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/service/stt"
)

// SimulatedAlternative is one canned candidate.
type SimulatedAlternative struct {
	Text       string
	Confidence float64
}

// SimulatedUtterance is the canned answer for one utterance, best first.
type SimulatedUtterance struct {
	Alternatives []SimulatedAlternative
}

// DefaultUtterances provides sample answers for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{Alternatives: []SimulatedAlternative{
		{Text: "good morning", Confidence: 0.94},
		{Text: "good mourning", Confidence: 0.41},
	}},
	{Alternatives: []SimulatedAlternative{
		{Text: "turn on the light", Confidence: 0.97},
		{Text: "turn on the lights", Confidence: 0.88},
		{Text: "turn off the light", Confidence: 0.32},
	}},
	{Alternatives: []SimulatedAlternative{
		{Text: "what time is it", Confidence: 0.91},
	}},
	{Alternatives: []SimulatedAlternative{
		{Text: "play some music", Confidence: 0.89},
		{Text: "pay some music", Confidence: 0.22},
	}},
	{Alternatives: []SimulatedAlternative{
		{Text: "thank you very much", Confidence: 0.98},
	}},
}

// Adapter implements stt.Backend with canned responses.
type Adapter struct {
	mu         sync.Mutex
	utterances []SimulatedUtterance
	next       int
	latency    time.Duration
	err        error
	calls      []models.Utterance
}

var _ stt.Backend = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithUtterances replaces the canned answers.
func WithUtterances(u []SimulatedUtterance) Option {
	return func(a *Adapter) { a.utterances = u }
}

// WithLatency delays every answer, simulating a remote service.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

// WithError makes every call fail with err.
func WithError(err error) Option {
	return func(a *Adapter) { a.err = err }
}

// New creates a new mock backend.
func New(opts ...Option) *Adapter {
	a := &Adapter{utterances: DefaultUtterances}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name implements stt.Backend.
func (a *Adapter) Name() string {
	return "mock"
}

// Recognize returns the next canned answer. An empty canned list yields an
// empty payload.
func (a *Adapter) Recognize(ctx context.Context, utt models.Utterance) (stt.Payload, error) {
	if a.latency > 0 {
		select {
		case <-time.After(a.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, utt)
	if a.err != nil {
		return nil, a.err
	}
	if len(a.utterances) == 0 {
		return stt.AlternativesPayload{}, nil
	}

	sim := a.utterances[a.next%len(a.utterances)]
	a.next++

	out := make(stt.AlternativesPayload, 0, len(sim.Alternatives))
	for _, alt := range sim.Alternatives {
		out = append(out, stt.Alternative{Text: alt.Text, Confidence: stt.Float(alt.Confidence)})
	}
	return out, nil
}

// Calls returns the utterances received so far.
func (a *Adapter) Calls() []models.Utterance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Utterance(nil), a.calls...)
}
