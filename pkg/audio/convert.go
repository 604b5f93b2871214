package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerFrame is the size of one interleaved sample frame (all channels).
func (f Format) BytesPerFrame() int {
	return 2 * f.Channels
}

// Duration returns the playing time of n bytes of PCM16 in this format.
// Partial sample frames are ignored.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	frames := n / f.BytesPerFrame()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Frames converts a duration into a whole number of sample frames, rounding
// to the nearest frame.
func (f Format) Frames(d time.Duration) int64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return (int64(d)*int64(f.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// FrameDuration is the exact time covered by n sample frames.
func (f Format) FrameDuration(n int64) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(f.SampleRate))
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter converts PCM16 between formats. It logs once on the first
// format mismatch and once on the first misaligned payload.
// Create one per stream; it is not meant to be shared across goroutines.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns pcm (in format from) converted to c.Target. When the
// formats already match, pcm is returned unchanged. Misaligned input yields
// nil. Resampling runs before channel conversion.
func (c *Converter) Convert(pcm []byte, from Format) []byte {
	if from.Channels <= 0 || len(pcm)%from.BytesPerFrame() != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM payload, dropping",
				"bytes", len(pcm),
				"format", from.String(),
			)
		})
		return nil
	}
	if from == c.Target {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting format", "from", from.String(), "to", c.Target.String())
	})

	out := Resample16(pcm, from.Channels, from.SampleRate, c.Target.SampleRate)
	switch {
	case from.Channels == c.Target.Channels:
	case from.Channels == 1 && c.Target.Channels == 2:
		out = MonoToStereo(out)
	case from.Channels == 2 && c.Target.Channels == 1:
		out = StereoToMono(out)
	default:
		out = remix(out, from.Channels, c.Target.Channels)
	}
	return out
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// remix maps between arbitrary channel counts by averaging all input
// channels and writing the result to every output channel.
func remix(pcm []byte, from, to int) []byte {
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for i := range frames {
		var sum int32
		for ch := range from {
			sum += int32(sampleAt(pcm, i*from+ch))
		}
		v := clamp16(sum / int32(from))
		for ch := range to {
			putSample(out, i*to+ch, v)
		}
	}
	return out
}

// Resample16 resamples interleaved PCM16 with any channel count from srcRate
// to dstRate using linear interpolation. Equal or invalid rates return pcm
// unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
