package segment

import (
	"sync"
	"time"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/service/audio"
	"speech-recognition-bridge/internal/service/vad"
)

// Segmenter turns a stream of PCM packets into utterances.
// Thread-safe, although a single ingesting goroutine is the expected use.
//
// State transitions:
//
//	ACCUMULATING ── speech ──→ IN_UTTERANCE
//	     ↑                          │
//	     └──── silence (emit) ──────┘
//
// Rules:
//   - ACCUMULATING: silence is discarded, speech starts an utterance
//   - IN_UTTERANCE: speech is appended, silence appends the trailing buffer and emits
type Segmenter struct {
	mu        sync.Mutex
	cfg       vad.Config
	format    audio.Format
	sessionId string
	ids       *Generator
	now       func() time.Time

	state     State
	working   *audio.PacketBuffer
	acc       []byte
	startedAt time.Time
}

// NewSegmenter creates a segmenter in ACCUMULATING state.
func NewSegmenter(sessionId string, cfg vad.Config, f audio.Format, ids *Generator) *Segmenter {
	if ids == nil {
		ids = New()
	}
	return &Segmenter{
		cfg:       cfg,
		format:    f,
		sessionId: sessionId,
		ids:       ids,
		now:       time.Now,
		state:     StateAccumulating,
		working:   audio.NewPacketBuffer(f),
	}
}

// State returns the current state.
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of bytes held in the utterance accumulator.
func (s *Segmenter) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acc)
}

// Ingest appends a packet and classifies the working buffer once it holds
// at least MinBufferBytes. It returns the completed utterance when the packet
// closed one. A misaligned packet is dropped and reported with
// audio.ErrMisaligned; the segmenter state is unchanged.
func (s *Segmenter) Ingest(packet []byte) (models.Utterance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.working.Append(packet); err != nil {
		return models.Utterance{}, false, err
	}
	if s.working.Len() < s.cfg.MinBufferBytes {
		return models.Utterance{}, false, nil
	}

	verdict := vad.Classify(s.working.Bytes(), s.cfg, s.format)

	switch {
	case verdict == vad.Speech:
		if s.state == StateAccumulating {
			s.startedAt = s.now()
		}
		s.acc = append(s.acc, s.working.Bytes()...)
		s.working.Reset()
		s.state = StateInUtterance
		return models.Utterance{}, false, nil

	case s.state == StateInUtterance && len(s.acc) > 0:
		// Boundary: keep the trailing silence for backend-side endpointing.
		s.acc = append(s.acc, s.working.Bytes()...)
		return s.emitLocked(false), true, nil

	default:
		s.working.Reset()
		return models.Utterance{}, false, nil
	}
}

// Flush emits the in-progress utterance, including any buffered audio that
// has not been classified yet. It returns false when no speech was pending.
func (s *Segmenter) Flush() (models.Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInUtterance || len(s.acc) == 0 {
		s.working.Reset()
		return models.Utterance{}, false
	}
	s.acc = append(s.acc, s.working.Bytes()...)
	return s.emitLocked(true), true
}

// Reset drops all buffered audio and returns to ACCUMULATING.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working.Reset()
	s.acc = nil
	s.state = StateAccumulating
}

func (s *Segmenter) emitLocked(forced bool) models.Utterance {
	utt := models.Utterance{
		ID:        s.ids.Next(s.sessionId),
		SessionID: s.sessionId,
		Audio:     s.acc,
		Format:    s.format,
		StartedAt: s.startedAt,
		EndedAt:   s.now(),
		Forced:    forced,
	}
	s.acc = nil
	s.working.Reset()
	s.state = StateAccumulating
	return utt
}
