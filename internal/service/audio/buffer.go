package audio

import (
	"errors"
	"fmt"
)

// ErrMisaligned is returned when a packet is not a whole number of frames.
var ErrMisaligned = errors.New("audio: packet not aligned to frame size")

// PacketBuffer accumulates inbound PCM packets into one contiguous buffer.
// Not safe for concurrent use; the segmenter owns it.
type PacketBuffer struct {
	format Format
	data   []byte
}

// NewPacketBuffer creates an empty buffer for the given format.
func NewPacketBuffer(f Format) *PacketBuffer {
	return &PacketBuffer{format: f}
}

// CheckAlignment reports whether packet is a whole number of frames.
func (b *PacketBuffer) CheckAlignment(packet []byte) error {
	fs := b.format.FrameSize()
	if fs > 0 && len(packet)%fs != 0 {
		return fmt.Errorf("%w: %d bytes, frame size %d", ErrMisaligned, len(packet), fs)
	}
	return nil
}

// Append validates and appends a packet. Misaligned packets are rejected
// and leave the buffer untouched.
func (b *PacketBuffer) Append(packet []byte) error {
	if err := b.CheckAlignment(packet); err != nil {
		return err
	}
	b.data = append(b.data, packet...)
	return nil
}

// Len returns the number of buffered bytes.
func (b *PacketBuffer) Len() int {
	return len(b.data)
}

// Bytes returns the buffered bytes. The slice is only valid until the next
// Append or Reset.
func (b *PacketBuffer) Bytes() []byte {
	return b.data
}

// Take returns a copy of the buffered bytes and clears the buffer.
func (b *PacketBuffer) Take() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	b.data = b.data[:0]
	return out
}

// Reset discards the buffered bytes.
func (b *PacketBuffer) Reset() {
	b.data = b.data[:0]
}

// Format returns the buffer's audio format.
func (b *PacketBuffer) Format() Format {
	return b.format
}
