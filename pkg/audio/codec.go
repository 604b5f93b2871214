package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"layeh.com/gopus"
)

// Opus packets decode at 48 kHz; 120 ms is the longest frame Opus allows.
const (
	opusRate          = 48000
	opusMaxFrameMs    = 120
	opusMaxFrameSize  = opusRate * opusMaxFrameMs / 1000
	defaultChunkRate  = 24000
	defaultChunkChans = 1
)

// ErrEmptyChunk is wrapped by [PlaybackDecodeError] when a chunk carries no
// audio.
var ErrEmptyChunk = errors.New("audio: empty chunk")

// PlaybackDecodeError reports that a single inbound chunk could not be turned
// into a [PlaybackBuffer]. It is never fatal to a session.
type PlaybackDecodeError struct {
	Encoding Encoding
	Bytes    int
	Err      error
}

func (e *PlaybackDecodeError) Error() string {
	return fmt.Sprintf("audio: decode %s chunk (%d bytes): %v", e.Encoding, e.Bytes, e.Err)
}

func (e *PlaybackDecodeError) Unwrap() error { return e.Err }

// FloatToPCM16 converts samples in [-1, 1] to little-endian int16 PCM.
// Out-of-range samples are clipped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		var q int16
		if v < 0 {
			q = int16(v * 32768)
		} else {
			q = int16(v * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(q))
	}
	return out
}

// PCM16ToFloat converts little-endian int16 PCM to samples in [-1, 1].
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// Decoder converts inbound [PlaybackChunk]s to [PlaybackBuffer]s in the
// output device format. Opus state is kept per decoder, so use one Decoder
// per inbound stream. Not safe for concurrent use.
type Decoder struct {
	target Format
	conv   Converter

	opus       *gopus.Decoder
	opusFormat Format
}

// NewDecoder returns a Decoder producing buffers in target.
func NewDecoder(target Format) *Decoder {
	return &Decoder{target: target, conv: Converter{Target: target}}
}

// Target returns the output format.
func (d *Decoder) Target() Format { return d.target }

// Decode converts one chunk. Missing rate or channel information falls back
// to 24 kHz mono, the common realtime model output.
func (d *Decoder) Decode(chunk PlaybackChunk) (PlaybackBuffer, error) {
	enc := chunk.Encoding
	if enc == "" {
		enc = EncodingPCM16
	}
	if len(chunk.Data) == 0 {
		return PlaybackBuffer{}, &PlaybackDecodeError{Encoding: enc, Err: ErrEmptyChunk}
	}

	from := chunk.Format()
	if from.SampleRate <= 0 {
		from.SampleRate = defaultChunkRate
	}
	if from.Channels <= 0 {
		from.Channels = defaultChunkChans
	}

	var pcm []byte
	switch enc {
	case EncodingPCM16:
		if len(chunk.Data)%from.BytesPerFrame() != 0 {
			return PlaybackBuffer{}, &PlaybackDecodeError{
				Encoding: enc,
				Bytes:    len(chunk.Data),
				Err:      fmt.Errorf("payload not aligned to %d-byte frames", from.BytesPerFrame()),
			}
		}
		pcm = chunk.Data
	case EncodingOpus:
		var err error
		pcm, from, err = d.decodeOpus(chunk.Data, from.Channels)
		if err != nil {
			return PlaybackBuffer{}, &PlaybackDecodeError{Encoding: enc, Bytes: len(chunk.Data), Err: err}
		}
	default:
		return PlaybackBuffer{}, &PlaybackDecodeError{
			Encoding: enc,
			Bytes:    len(chunk.Data),
			Err:      fmt.Errorf("unsupported encoding %q", enc),
		}
	}

	out := d.conv.Convert(pcm, from)
	if len(out) == 0 {
		return PlaybackBuffer{}, &PlaybackDecodeError{Encoding: enc, Bytes: len(chunk.Data), Err: ErrEmptyChunk}
	}
	return NewPlaybackBuffer(out, d.target), nil
}

func (d *Decoder) decodeOpus(packet []byte, channels int) ([]byte, Format, error) {
	if channels > 2 {
		channels = 2
	}
	format := Format{SampleRate: opusRate, Channels: channels}
	if d.opus == nil || d.opusFormat != format {
		dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
		if err != nil {
			return nil, format, fmt.Errorf("create opus decoder: %w", err)
		}
		d.opus = dec
		d.opusFormat = format
	}
	samples, err := d.opus.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, format, fmt.Errorf("opus decode: %w", err)
	}
	return Int16sToBytes(samples), format, nil
}

// Int16sToBytes converts samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		putSample(b, i, s)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = sampleAt(b, i)
	}
	return pcm
}
