// Package segment splits a continuous PCM stream into utterances and
// generates the identifiers they are tracked by.
package segment

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator hands out utterance IDs scoped to a session.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

// Next returns the next utterance ID for the session.
func (g *Generator) Next(sessionId string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-utt-%d", sessionId, n)
}

// NewSessionId returns a random session identifier.
func NewSessionId() string {
	return uuid.NewString()
}
