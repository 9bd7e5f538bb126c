// Package audio defines the canonical PCM frame shape shared by every
// component of the player runtime: 48 kHz, stereo, signed 16-bit
// little-endian, 960 samples per channel per 20 ms frame.
package audio

import "time"

const (
	SampleRate = 48000
	Channels   = 2
	BitDepth   = 16

	// FrameDuration is the wall-clock span one frame represents.
	FrameDuration = 20 * time.Millisecond

	// FrameSize is samples per channel per frame (960 @ 48kHz/20ms).
	FrameSize = 960
	// FrameSamples is total interleaved samples per frame (L+R).
	FrameSamples = FrameSize * Channels
	// FrameBytes is the wire size of one frame: int16 LE per sample.
	FrameBytes = FrameSamples * 2
)

// Frame is exactly FrameBytes of interleaved i16-LE stereo PCM. Frames are
// immutable once emitted to a subscriber.
type Frame [FrameBytes]byte

// Silence returns a frame of FrameBytes zero bytes: the priming frame sent
// first on every new subscription.
func Silence() Frame {
	return Frame{}
}
