package audio

// Resampler converts one continuous mono float stream between sample rates
// by linear interpolation. The read position and the last input sample carry
// over between calls to [Resampler.Process], so a stream fed in blocks of any
// size yields exactly the samples it would yield in one piece. Not safe for
// concurrent use.
type Resampler struct {
	src, dst int

	// acc is the position of the next output sample in units of 1/dst input
	// samples. Index 0 is prev, index 1 the first sample of the next block.
	acc  int64
	prev float32
}

// NewResampler returns a resampler from srcRate to dstRate. Equal or
// invalid rates make Process a pass-through.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: srcRate, dst: dstRate, acc: int64(dstRate)}
}

func (r *Resampler) passthrough() bool {
	return r.src <= 0 || r.dst <= 0 || r.src == r.dst
}

// Process consumes block and returns the output samples that became
// computable. The final output sample of a block may be held back until the
// next block supplies the sample after it.
func (r *Resampler) Process(block []float32) []float32 {
	if r.passthrough() {
		return block
	}
	n := int64(len(block))
	if n == 0 {
		return nil
	}
	dst, src := int64(r.dst), int64(r.src)
	out := make([]float32, 0, n*dst/src+1)
	at := func(v int64) float32 {
		if v == 0 {
			return r.prev
		}
		return block[v-1]
	}
	for {
		v := r.acc / dst
		if v+1 > n {
			break
		}
		frac := float32(r.acc%dst) / float32(dst)
		s0, s1 := at(v), at(v+1)
		out = append(out, s0+(s1-s0)*frac)
		r.acc += src
	}
	r.acc -= n * dst
	r.prev = block[n-1]
	return out
}

// CaptureEncoder turns consecutive capture blocks of one mono stream into
// PCM16 in a wire format, resampling continuously across blocks.
type CaptureEncoder struct {
	wire Format
	rs   *Resampler
}

// NewCaptureEncoder returns an encoder for a mono stream captured at
// srcRate. A wire format with more than one channel duplicates the signal.
func NewCaptureEncoder(srcRate int, wire Format) *CaptureEncoder {
	return &CaptureEncoder{wire: wire, rs: NewResampler(srcRate, wire.SampleRate)}
}

// SrcRate returns the capture rate the encoder was built for.
func (e *CaptureEncoder) SrcRate() int { return e.rs.src }

// Encode converts the next block of the stream.
func (e *CaptureEncoder) Encode(samples []float32) []byte {
	pcm := FloatToPCM16(e.rs.Process(samples))
	switch {
	case e.wire.Channels == 2:
		pcm = MonoToStereo(pcm)
	case e.wire.Channels > 2:
		pcm = remix(pcm, 1, e.wire.Channels)
	}
	return pcm
}
