// Package capture turns a microphone [audio.CaptureStream] into a sequence
// of fixed-size encoded [audio.AudioFrame]s for a streaming transport.
//
// The pipeline re-blocks whatever the device delivers into frames of a fixed
// sample count (4096 by default), encodes each frame to the wire format, and
// hands it synchronously to the attached [Sink]. One resampler serves the
// whole stream, so frame boundaries do not disturb its phase. It holds at
// most one frame in flight. While no sink is attached (the session is not connected yet)
// frames are dropped, never queued.
package capture

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/duplex/pkg/audio"
)

// DefaultFrameSamples is the number of device samples per frame.
const DefaultFrameSamples = 4096

// DefaultWireFormat is the format frames are encoded to.
var DefaultWireFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Sink receives encoded frames. A transport session is the usual sink.
type Sink interface {
	Send(frame audio.AudioFrame) error
}

// Stats counts what happened to produced frames.
type Stats struct {
	Produced   uint64
	Sent       uint64
	Dropped    uint64
	SendErrors uint64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSamples sets the number of device samples per frame.
func WithFrameSamples(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSamples = n
		}
	}
}

// WithWireFormat sets the format frames are encoded to.
func WithWireFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.Valid() {
			p.wire = f
		}
	}
}

// WithLevelFunc registers a callback receiving the level of every frame.
// It runs on the capture goroutine and must not block.
func WithLevelFunc(fn func(audio.Level)) Option {
	return func(p *Pipeline) { p.onLevel = fn }
}

// WithSendErrorFunc registers a callback for sink errors. The frame is
// counted and discarded; capture continues.
func WithSendErrorFunc(fn func(error)) Option {
	return func(p *Pipeline) { p.onSendErr = fn }
}

type sinkBox struct{ s Sink }

// Pipeline re-blocks, encodes, and forwards captured audio.
// Attach and Detach may be called from any goroutine; Run must be called
// once.
type Pipeline struct {
	frameSamples int
	wire         audio.Format
	onLevel      func(audio.Level)
	onSendErr    func(error)
	meter        audio.Meter

	sink atomic.Pointer[sinkBox]

	produced   atomic.Uint64
	sent       atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64

	// Owned by the Run goroutine.
	seq      uint64
	pending  []float32
	position int64
	enc      *audio.CaptureEncoder
}

// New returns a Pipeline with no sink attached.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		frameSamples: DefaultFrameSamples,
		wire:         DefaultWireFormat,
	}
	for _, o := range opts {
		o(p)
	}
	p.pending = make([]float32, 0, p.frameSamples)
	return p
}

// Attach starts delivering frames to s.
func (p *Pipeline) Attach(s Sink) {
	p.sink.Store(&sinkBox{s: s})
}

// Detach stops delivery; subsequent frames are dropped.
func (p *Pipeline) Detach() {
	p.sink.Store(nil)
}

// Attached reports whether a sink is attached.
func (p *Pipeline) Attached() bool {
	return p.sink.Load() != nil
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Produced:   p.produced.Load(),
		Sent:       p.sent.Load(),
		Dropped:    p.dropped.Load(),
		SendErrors: p.sendErrors.Load(),
	}
}

// Run consumes stream until it is closed or ctx is done. Trailing samples
// that do not fill a whole frame are discarded.
func (p *Pipeline) Run(ctx context.Context, stream audio.CaptureStream) error {
	rate := stream.SampleRate()
	samples := stream.Samples()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case block, ok := <-samples:
			if !ok {
				return nil
			}
			p.push(block, rate)
		}
	}
}

func (p *Pipeline) push(block []float32, rate int) {
	for len(block) > 0 {
		n := min(p.frameSamples-len(p.pending), len(block))
		p.pending = append(p.pending, block[:n]...)
		block = block[n:]
		if len(p.pending) == p.frameSamples {
			p.frameReady(p.pending, rate)
			p.pending = p.pending[:0]
		}
	}
}

// frameReady is invoked once per complete block on the capture goroutine.
func (p *Pipeline) frameReady(samples []float32, rate int) {
	if p.enc == nil || p.enc.SrcRate() != rate {
		p.enc = audio.NewCaptureEncoder(rate, p.wire)
	}
	p.seq++
	frame := audio.AudioFrame{
		Seq:       p.seq,
		Data:      p.enc.Encode(samples),
		Format:    p.wire,
		Timestamp: audio.Format{SampleRate: rate, Channels: 1}.FrameDuration(p.position),
	}
	p.position += int64(len(samples))
	p.produced.Add(1)

	if p.onLevel != nil {
		p.onLevel(p.meter.Measure(samples))
	}

	box := p.sink.Load()
	if box == nil {
		p.dropped.Add(1)
		return
	}
	if err := box.s.Send(frame); err != nil {
		p.sendErrors.Add(1)
		slog.Debug("capture: send failed", "seq", frame.Seq, "err", err)
		if p.onSendErr != nil {
			p.onSendErr(err)
		}
		return
	}
	p.sent.Add(1)
}
