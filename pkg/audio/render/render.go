// Package render provides a paced software [audio.OutputDevice].
//
// A [Renderer] keeps its own timeline: the clock is the number of sample
// frames emitted so far. Once resumed, it wakes every frame period (20 ms by
// default), mixes all voices overlapping the next period, and hands the
// resulting PCM16 frame to a sink such as a Discord voice connection or a
// browser WebSocket. Silent periods advance the clock without calling the
// sink.
//
// Voices end when the timeline passes their last sample; their onEnded
// callbacks run on the render goroutine after the frame has been delivered
// and with no lock held.
package render

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
)

var _ audio.OutputDevice = (*Renderer)(nil)

// DefaultFrameDuration is the mixing period.
const DefaultFrameDuration = 20 * time.Millisecond

// maxCatchUp bounds how many frames one wake-up renders after a stall.
const maxCatchUp = 5

// SinkFunc receives one mixed frame of interleaved PCM16. It runs on the
// render goroutine; the slice is owned by the callee.
type SinkFunc func(frame []byte)

// Option configures a Renderer.
type Option func(*Renderer)

// WithFrameDuration sets the mixing period.
func WithFrameDuration(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.frameDur = d
		}
	}
}

type voice struct {
	r       *Renderer
	id      uint64
	pcm     []byte
	start   int64 // first sample frame on the timeline
	frames  int64
	onEnded func()
}

func (v *voice) Stop() {
	v.r.mu.Lock()
	delete(v.r.voices, v.id)
	v.r.mu.Unlock()
}

// Renderer mixes scheduled buffers onto a paced timeline.
type Renderer struct {
	format   audio.Format
	frameDur time.Duration
	sink     SinkFunc
	conv     audio.Converter

	mu       sync.Mutex
	pos      int64
	voices   map[uint64]*voice
	nextID   uint64
	running  bool
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// New returns a suspended Renderer producing format. sink may be nil, in
// which case frames are discarded.
func New(format audio.Format, sink SinkFunc, opts ...Option) *Renderer {
	r := &Renderer{
		format:   format,
		frameDur: DefaultFrameDuration,
		sink:     sink,
		conv:     audio.Converter{Target: format},
		voices:   make(map[uint64]*voice),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Format implements [audio.OutputDevice].
func (r *Renderer) Format() audio.Format { return r.format }

// Running implements [audio.OutputDevice].
func (r *Renderer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Now implements [audio.OutputDevice].
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format.FrameDuration(r.pos)
}

// Resume starts the pacing goroutine. Calling it on a running renderer is a
// no-op. The goroutine runs until Close, not until ctx is done.
func (r *Renderer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.format.Valid() {
		return fmt.Errorf("render: invalid format %v", r.format)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.stopLoop = cancel
	r.loopDone = make(chan struct{})
	go r.loop(loopCtx, r.loopDone)
	return nil
}

// Close stops the pacing goroutine and drops every voice without firing
// callbacks. The renderer can be resumed again afterwards.
func (r *Renderer) Close() error {
	r.mu.Lock()
	cancel, done := r.stopLoop, r.loopDone
	r.running = false
	r.stopLoop, r.loopDone = nil, nil
	clear(r.voices)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Schedule implements [audio.OutputDevice]. buf is converted to the
// renderer's format when needed. A start in the past begins at the current
// position.
func (r *Renderer) Schedule(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	pcm := buf.PCM
	if buf.Format != r.format {
		pcm = r.conv.Convert(pcm, buf.Format)
	}
	frames := int64(len(pcm) / r.format.BytesPerFrame())
	if frames == 0 {
		return nil, fmt.Errorf("render: empty buffer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	v := &voice{
		r:       r,
		id:      r.nextID,
		pcm:     pcm,
		start:   max(r.format.Frames(at), r.pos),
		frames:  frames,
		onEnded: onEnded,
	}
	r.voices[v.id] = v
	return v, nil
}

// Active returns the number of voices not yet finished or stopped.
func (r *Renderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.voices)
}

func (r *Renderer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.frameDur)
	defer ticker.Stop()

	started := time.Now()
	var emitted int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due := int64(now.Sub(started) / r.frameDur)
			if due-emitted > maxCatchUp {
				// Long stall: skip ahead instead of bursting.
				emitted = due - maxCatchUp
			}
			for ; emitted < due; emitted++ {
				r.Step()
			}
		}
	}
}

// Step renders one frame period: it mixes every overlapping voice, advances
// the clock, delivers the frame to the sink when it is not silent, and then
// fires the callbacks of voices that ended. The pacing goroutine calls it;
// tests may call it directly on a suspended renderer.
func (r *Renderer) Step() {
	n := r.format.Frames(r.frameDur)
	ch := r.format.Channels

	r.mu.Lock()
	from, to := r.pos, r.pos+n
	var (
		mix    []int32
		ended  []*voice
		silent = true
	)
	for id, v := range r.voices {
		end := v.start + v.frames
		lo, hi := max(from, v.start), min(to, end)
		if lo < hi {
			if mix == nil {
				mix = make([]int32, n*int64(ch))
			}
			for f := lo; f < hi; f++ {
				src := (f - v.start) * int64(ch)
				dst := (f - from) * int64(ch)
				for c := range int64(ch) {
					i := (src + c) * 2
					mix[dst+c] += int32(int16(v.pcm[i]) | int16(v.pcm[i+1])<<8)
				}
			}
			silent = false
		}
		if end <= to {
			delete(r.voices, id)
			ended = append(ended, v)
		}
	}
	r.pos = to
	r.mu.Unlock()

	if !silent && r.sink != nil {
		out := make([]byte, len(mix)*2)
		for i, s := range mix {
			v := int16(max(-32768, min(32767, s)))
			out[i*2] = byte(v)
			out[i*2+1] = byte(v >> 8)
		}
		r.sink(out)
	}
	slices.SortFunc(ended, func(a, b *voice) int {
		return cmp.Or(cmp.Compare(a.start+a.frames, b.start+b.frames), cmp.Compare(a.id, b.id))
	})
	for _, v := range ended {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}
