package models

import (
	"time"

	"speech-recognition-bridge/internal/service/audio"
)

// Utterance is one contiguous speech segment handed to a recognition backend.
// Audio must not be modified once the utterance is emitted.
type Utterance struct {
	ID        string
	SessionID string
	Audio     []byte
	Format    audio.Format
	StartedAt time.Time
	EndedAt   time.Time
	// Forced is set when the utterance was cut without a qualifying silence
	// (end of stream or the accumulation cap).
	Forced bool
}

// Duration returns the playback duration of the utterance audio.
func (u Utterance) Duration() time.Duration {
	return u.Format.Duration(len(u.Audio))
}
