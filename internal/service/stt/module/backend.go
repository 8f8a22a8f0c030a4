// Package module provides the recognition backend for the local engine.
// Audio is streamed over the bridge's audio channel and the answer is the
// next terminal event on its control channel.
package module

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/service/julius"
	"speech-recognition-bridge/internal/service/stt"
)

// Engine is the part of the bridge the backend needs.
type Engine interface {
	Write(data []byte) error
	EndSegment() error
	OnEvent(h julius.EventHandler) (remove func())
}

// Config holds backend settings.
type Config struct {
	ChunkSize     int           // bytes per audio frame on the wire
	ResultTimeout time.Duration // wait for RECOGOUT or REJECTED after the segment ends
}

// DefaultConfig returns 100ms chunks at 16kHz and a 10s result timeout.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     3200,
		ResultTimeout: 10 * time.Second,
	}
}

// Backend implements stt.Backend over a julius.Bridge.
//
// The engine answers every segment with exactly one terminal event, in
// order. The backend counts segments ended and answers seen so that an
// answer arriving after its call timed out is discarded instead of being
// taken as the next utterance's result.
type Backend struct {
	cfg    Config
	engine Engine
	remove func()

	mu sync.Mutex // one utterance in flight on the engine

	seqMu    sync.Mutex
	ended    uint64 // segments handed to the engine
	answered uint64 // terminal events received
	waitSeq  uint64
	waiter   chan julius.Event
}

var (
	_ stt.Backend = (*Backend)(nil)
	_ stt.Closer  = (*Backend)(nil)
)

// New creates a backend for a started engine session.
func New(engine Engine, cfg Config) *Backend {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = def.ResultTimeout
	}
	b := &Backend{cfg: cfg, engine: engine}
	b.remove = engine.OnEvent(b.handle)
	return b
}

// Name implements stt.Backend.
func (b *Backend) Name() string {
	return "module"
}

// Close stops listening to the engine.
func (b *Backend) Close() error {
	b.remove()
	return nil
}

func (b *Backend) handle(ev julius.Event) {
	if !ev.Terminal() {
		return
	}
	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	if b.answered == b.ended {
		log.Debug().Str("event", string(ev.Type)).Msg("Discarding engine result with no segment outstanding")
		return
	}
	b.answered++
	if b.waiter == nil || b.answered != b.waitSeq {
		log.Warn().
			Str("event", string(ev.Type)).
			Uint64("segment", b.answered).
			Msg("Discarding late engine result")
		return
	}
	b.waiter <- ev
	b.waiter = nil
}

// Recognize writes the utterance followed by an end-of-segment marker and
// waits for the engine's verdict on that segment.
func (b *Backend) Recognize(ctx context.Context, utt models.Utterance) (stt.Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for off := 0; off < len(utt.Audio); off += b.cfg.ChunkSize {
		chunk := utt.Audio[off:min(off+b.cfg.ChunkSize, len(utt.Audio))]
		if err := b.engine.Write(chunk); err != nil {
			return nil, fmt.Errorf("%w: module: write audio: %v", stt.ErrTransport, err)
		}
	}

	results := make(chan julius.Event, 1)
	b.seqMu.Lock()
	b.ended++
	b.waitSeq = b.ended
	b.waiter = results
	b.seqMu.Unlock()
	defer func() {
		b.seqMu.Lock()
		if b.waiter == results {
			b.waiter = nil
		}
		b.seqMu.Unlock()
	}()

	if err := b.engine.EndSegment(); err != nil {
		b.seqMu.Lock()
		b.ended--
		b.waiter = nil
		b.seqMu.Unlock()
		return nil, fmt.Errorf("%w: module: end segment: %v", stt.ErrTransport, err)
	}

	timer := time.NewTimer(b.cfg.ResultTimeout)
	defer timer.Stop()

	select {
	case ev := <-results:
		return payload(ev), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: module: no result within %s", stt.ErrTransport, b.cfg.ResultTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: module: %v", stt.ErrTransport, ctx.Err())
	}
}

func payload(ev julius.Event) stt.ModulePayload {
	switch ev.Type {
	case julius.EventRejected:
		return stt.ModulePayload{Rejected: true, Reason: ev.Reason}
	case julius.EventRecogOut:
		return stt.ModulePayload{Hypotheses: ev.Hypotheses}
	default:
		return stt.ModulePayload{}
	}
}
