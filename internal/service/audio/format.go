// Package audio provides the PCM primitives shared by the recognition
// pipeline: the stream format, the packet buffer and WAV encoding.
package audio

import (
	"fmt"
	"time"
)

// Format describes linear PCM audio agreed at pipeline construction.
type Format struct {
	SampleRate int // Hz
	Channels   int
	SampleBits int // bits per sample, 16 is the only width the detector understands
}

// DefaultFormat returns 16 kHz, 16-bit, mono: what the local engine is started with.
func DefaultFormat() Format {
	return Format{
		SampleRate: 16000,
		Channels:   1,
		SampleBits: 16,
	}
}

// FrameSize returns the size in bytes of one sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * f.SampleBits / 8
}

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Duration returns the playback duration of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the number of bytes covering d, rounded down to a whole frame.
func (f Format) BytesFor(d time.Duration) int {
	n := int(int64(d) * int64(f.BytesPerSecond()) / int64(time.Second))
	fs := f.FrameSize()
	if fs == 0 {
		return 0
	}
	return n - n%fs
}

// Validate checks the format is usable.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channels must be positive, got %d", f.Channels)
	}
	if f.SampleBits != 16 {
		return fmt.Errorf("audio: only 16-bit samples are supported, got %d", f.SampleBits)
	}
	return nil
}

// String implements fmt.Stringer.
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.SampleBits)
}
