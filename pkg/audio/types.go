package audio

import "time"

// AudioFrame is one captured block of microphone audio on its way to a
// streaming transport. Frames are produced by the capture pipeline and are
// not retained by anyone after they have been sent.
type AudioFrame struct {
	// Seq increases by one for every frame produced by a capture pipeline,
	// starting at 1. Gaps mean frames were dropped before reaching the wire.
	Seq uint64

	// Data holds little-endian int16 PCM in Format.
	Data []byte

	// Format is the wire format of Data (e.g. 16 kHz mono).
	Format Format

	// Timestamp is the capture position of the first sample, relative to the
	// start of the capture stream.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame's PCM payload.
func (f AudioFrame) Duration() time.Duration {
	return f.Format.Duration(len(f.Data))
}

// Encoding names the payload encoding of a [PlaybackChunk].
type Encoding string

const (
	// EncodingPCM16 is raw little-endian signed 16-bit PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingOpus is a single Opus packet.
	EncodingOpus Encoding = "opus"
)

// PlaybackChunk is a piece of synthesized speech received from a transport.
// A zero Encoding is treated as [EncodingPCM16].
type PlaybackChunk struct {
	Data       []byte
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// Format returns the sample format the chunk declares.
func (c PlaybackChunk) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// PlaybackBuffer is decoded audio ready to be scheduled on an [OutputDevice].
// PCM is little-endian int16 interleaved in Format.
type PlaybackBuffer struct {
	PCM      []byte
	Format   Format
	Duration time.Duration
}

// NewPlaybackBuffer wraps pcm and computes its duration from format.
func NewPlaybackBuffer(pcm []byte, format Format) PlaybackBuffer {
	return PlaybackBuffer{PCM: pcm, Format: format, Duration: format.Duration(len(pcm))}
}
