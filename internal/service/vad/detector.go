// Package vad classifies PCM buffers as speech or silence using a
// short-time energy threshold.
package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"speech-recognition-bridge/internal/service/audio"
)

// Verdict is the result of classifying a buffer.
type Verdict int

const (
	Silence Verdict = iota
	Speech
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case Silence:
		return "SILENCE"
	case Speech:
		return "SPEECH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", v)
	}
}

// Config holds the voice-activity parameters of one session.
type Config struct {
	MinSilence         time.Duration // shortest silent run that counts as silence
	SilenceThresholdDB float64       // dBFS below which a frame is silent
	MinBufferBytes     int           // working buffer size that triggers classification
	FrameDuration      time.Duration // energy analysis window
}

// DefaultConfig returns the defaults the recognizers shipped with.
func DefaultConfig() Config {
	return Config{
		MinSilence:         200 * time.Millisecond,
		SilenceThresholdDB: -20,
		MinBufferBytes:     8000,
		FrameDuration:      10 * time.Millisecond,
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if c.MinSilence <= 0 {
		return fmt.Errorf("vad: min silence must be positive, got %v", c.MinSilence)
	}
	if c.SilenceThresholdDB > 0 {
		return fmt.Errorf("vad: silence threshold is dBFS and must be <= 0, got %v", c.SilenceThresholdDB)
	}
	if c.MinBufferBytes <= 0 {
		return fmt.Errorf("vad: min buffer bytes must be positive, got %d", c.MinBufferBytes)
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("vad: frame duration must be positive, got %v", c.FrameDuration)
	}
	return nil
}

// Span is a half-open byte range [Start, End) of a buffer.
type Span struct {
	Start, End int
}

// Classify reports Speech if any non-silent span remains once silent runs of
// at least MinSilence are removed. A buffer that is silent end to end is
// Silence regardless of its length. Empty buffers are Silence.
func Classify(buf []byte, cfg Config, f audio.Format) Verdict {
	if len(NonSilentSpans(buf, cfg, f)) > 0 {
		return Speech
	}
	return Silence
}

// NonSilentSpans returns the byte ranges of buf that are not covered by a
// qualifying silent run.
func NonSilentSpans(buf []byte, cfg Config, f audio.Format) []Span {
	frameBytes := f.BytesFor(cfg.FrameDuration)
	if len(buf) == 0 || frameBytes <= 0 {
		return nil
	}

	// Mark each analysis frame; the last frame may be short.
	var silent []bool
	for off := 0; off < len(buf); off += frameBytes {
		end := min(off+frameBytes, len(buf))
		silent = append(silent, LevelDBFS(buf[off:end]) < cfg.SilenceThresholdDB)
	}

	minRun := int((cfg.MinSilence + cfg.FrameDuration - 1) / cfg.FrameDuration)
	if minRun < 1 {
		minRun = 1
	}

	var spans []Span
	spanStart := 0
	for i := 0; i < len(silent); {
		if !silent[i] {
			i++
			continue
		}
		j := i
		for j < len(silent) && silent[j] {
			j++
		}
		whole := i == 0 && j == len(silent)
		if j-i >= minRun || whole {
			if i > spanStart {
				spans = append(spans, Span{Start: spanStart * frameBytes, End: min(i*frameBytes, len(buf))})
			}
			spanStart = j
		}
		i = j
	}
	if spanStart < len(silent) {
		spans = append(spans, Span{Start: spanStart * frameBytes, End: len(buf)})
	}
	return spans
}

// LevelDBFS returns the RMS level of 16-bit little-endian samples relative
// to full scale. Digital silence returns -Inf.
func LevelDBFS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/32768)
}
