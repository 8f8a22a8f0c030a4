package vad

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"speech-recognition-bridge/internal/service/audio"
)

var format = audio.DefaultFormat()

// tone returns a 440Hz sine at amplitude 10000 (about -13 dBFS).
func tone(d time.Duration) []byte {
	n := format.BytesFor(d) / 2
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/float64(format.SampleRate)))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

func quiet(d time.Duration) []byte {
	return make([]byte, format.BytesFor(d))
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestLevelDBFS(t *testing.T) {
	if got := LevelDBFS(quiet(10 * time.Millisecond)); !math.IsInf(got, -1) {
		t.Errorf("expected -Inf for digital silence, got %v", got)
	}
	got := LevelDBFS(tone(100 * time.Millisecond))
	if got < -14 || got > -12 {
		t.Errorf("expected about -13 dBFS for the test tone, got %v", got)
	}
	if got := LevelDBFS(nil); !math.IsInf(got, -1) {
		t.Errorf("expected -Inf for empty input, got %v", got)
	}
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		buf  []byte
		want Verdict
	}{
		{"empty", nil, Silence},
		{"all silence", quiet(300 * time.Millisecond), Silence},
		{"short all silence", quiet(50 * time.Millisecond), Silence},
		{"all speech", tone(300 * time.Millisecond), Speech},
		{"speech then long silence", concat(tone(100*time.Millisecond), quiet(250*time.Millisecond)), Speech},
		{"silence then speech", concat(quiet(250*time.Millisecond), tone(50*time.Millisecond)), Speech},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.buf, cfg, format); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNonSilentSpans_ShortGapIsNotSilence(t *testing.T) {
	cfg := DefaultConfig()

	// 100ms gap is shorter than MinSilence, so it stays inside one span.
	buf := concat(tone(100*time.Millisecond), quiet(100*time.Millisecond), tone(100*time.Millisecond))
	spans := NonSilentSpans(buf, cfg, format)
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d: %v", len(spans), spans)
	}
	if spans[0].Start != 0 || spans[0].End != len(buf) {
		t.Errorf("expected span covering the buffer, got %+v", spans[0])
	}
}

func TestNonSilentSpans_LongGapSplits(t *testing.T) {
	cfg := DefaultConfig()

	buf := concat(tone(100*time.Millisecond), quiet(300*time.Millisecond), tone(100*time.Millisecond))
	spans := NonSilentSpans(buf, cfg, format)
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d: %v", len(spans), spans)
	}
	if spans[0].End != format.BytesFor(100*time.Millisecond) {
		t.Errorf("expected first span to end after the first tone, got %+v", spans[0])
	}
	if spans[1].Start != format.BytesFor(400*time.Millisecond) {
		t.Errorf("expected second span to start after the gap, got %+v", spans[1])
	}
}

func TestClassify_ThresholdIsConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SilenceThresholdDB = -10 // louder than the test tone

	if got := Classify(tone(300*time.Millisecond), cfg, format); got != Silence {
		t.Errorf("expected tone below a -10 dBFS threshold to be silence, got %v", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	bad := DefaultConfig()
	bad.SilenceThresholdDB = 3
	if err := bad.Validate(); err == nil {
		t.Error("expected error for positive dBFS threshold")
	}

	bad = DefaultConfig()
	bad.MinBufferBytes = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero min buffer")
	}
}
