// Package mock provides in-memory implementations of [audio.OutputDevice]
// and [audio.InputDevice] for unit tests.
//
// The output device runs on a manual clock: nothing plays until the test
// calls [OutputDevice.Advance], which fires completion callbacks for every
// buffer whose end has been reached. This makes playback timing fully
// deterministic.
//
// All mocks are safe for concurrent use and record their calls so tests can
// assert on them.
//
// Typical usage:
//
//	out := mock.NewOutputDevice(audio.Format{SampleRate: 24000, Channels: 1})
//	in := &mock.InputDevice{SampleRate: 48000}
//	... start a session ...
//	out.Advance(300 * time.Millisecond)
package mock

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.InputDevice  = (*InputDevice)(nil)
)

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// ScheduleCall records one [OutputDevice.Schedule] invocation.
type ScheduleCall struct {
	ID       int
	Start    time.Duration
	Duration time.Duration
}

// OutputDevice is a manual-clock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	format  audio.Format
	running bool
	now     time.Duration
	nextID  int
	voices  map[int]*voice

	// ResumeError is returned by Resume. When nil, Resume starts the clock.
	ResumeError error

	// ResumeCalls counts Resume invocations.
	ResumeCalls int

	// Scheduled records every Schedule call in order.
	Scheduled []ScheduleCall

	// StopCount counts voices stopped before their natural end.
	StopCount int
}

// NewOutputDevice returns a running device at clock position zero.
func NewOutputDevice(format audio.Format) *OutputDevice {
	return &OutputDevice{format: format, running: true, voices: make(map[int]*voice)}
}

// NewSuspendedOutputDevice returns a device that is not running until Resume
// succeeds.
func NewSuspendedOutputDevice(format audio.Format) *OutputDevice {
	d := NewOutputDevice(format)
	d.running = false
	return d
}

// Running implements [audio.OutputDevice].
func (d *OutputDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Resume implements [audio.OutputDevice].
func (d *OutputDevice) Resume(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResumeCalls++
	if d.ResumeError != nil {
		return d.ResumeError
	}
	d.running = true
	return nil
}

// Now implements [audio.OutputDevice].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Format implements [audio.OutputDevice].
func (d *OutputDevice) Format() audio.Format { return d.format }

// Schedule implements [audio.OutputDevice]. A start in the past is moved to
// the current clock position.
func (d *OutputDevice) Schedule(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := max(at, d.now)
	d.nextID++
	v := &voice{dev: d, id: d.nextID, start: start, end: start + buf.Duration, onEnded: onEnded}
	d.voices[v.id] = v
	d.Scheduled = append(d.Scheduled, ScheduleCall{ID: v.id, Start: start, Duration: buf.Duration})
	return v, nil
}

// Advance moves the clock forward by dt and fires onEnded for every voice
// whose end is at or before the new position, in order of end time. The
// callbacks run on the caller's goroutine after the lock is released.
func (d *OutputDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	d.now += dt
	var ended []*voice
	for id, v := range d.voices {
		if v.end <= d.now {
			ended = append(ended, v)
			delete(d.voices, id)
		}
	}
	d.mu.Unlock()

	slices.SortFunc(ended, func(a, b *voice) int {
		return cmp.Or(cmp.Compare(a.end, b.end), cmp.Compare(a.id, b.id))
	})
	for _, v := range ended {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// Active returns the number of scheduled voices that have neither ended nor
// been stopped.
func (d *OutputDevice) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.voices)
}

// Calls returns a copy of the recorded Schedule calls.
func (d *OutputDevice) Calls() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Scheduled)
}

// Stops returns StopCount under the lock.
func (d *OutputDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.StopCount
}

type voice struct {
	dev        *OutputDevice
	id         int
	start, end time.Duration
	onEnded    func()
}

func (v *voice) Stop() {
	v.dev.mu.Lock()
	defer v.dev.mu.Unlock()
	if _, ok := v.dev.voices[v.id]; !ok {
		return
	}
	delete(v.dev.voices, v.id)
	v.dev.StopCount++
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice]. Every
// successful Open returns a fresh [audio.PushStream] the test can feed.
type InputDevice struct {
	mu sync.Mutex

	// SampleRate of the streams handed out. Default 48000.
	SampleRate int

	// OpenError is returned by Open when set.
	OpenError error

	// Gate, when non-nil, makes Open block until it is closed or ctx is done.
	Gate chan struct{}

	// OpenCalls counts Open invocations.
	OpenCalls int

	streams []*audio.PushStream
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(ctx context.Context) (audio.CaptureStream, error) {
	d.mu.Lock()
	d.OpenCalls++
	gate := d.Gate
	openErr := d.OpenError
	rate := d.SampleRate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}
	if rate == 0 {
		rate = 48000
	}
	s := audio.NewPushStream(rate, 16)

	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Last returns the most recently opened stream, or nil.
func (d *InputDevice) Last() *audio.PushStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// ─── Platform / Connection ────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectError is returned by Connect when set.
	ConnectError error

	// Channels records the channel ID of every Connect call.
	Channels []string

	conns []*Connection
}

// Connect implements [audio.Platform]. Each call returns a new [Connection]
// at 48 kHz stereo.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Channels = append(p.Channels, channelID)
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	c := NewConnection(audio.Format{SampleRate: 48000, Channels: 2})
	p.conns = append(p.conns, c)
	return c, nil
}

// Last returns the most recent connection, or nil.
func (p *Platform) Last() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

// Connection is a mock implementation of [audio.Connection]. It embeds an
// [InputDevice] for capture and records everything sent to it.
type Connection struct {
	InputDevice

	mu           sync.Mutex
	format       audio.Format
	frames       [][]byte
	flushes      int
	listen       string
	cb           func(audio.Event)
	disconnected bool
}

var _ audio.Connection = (*Connection)(nil)

// NewConnection returns a connected mock in format.
func NewConnection(format audio.Format) *Connection {
	return &Connection{InputDevice: InputDevice{SampleRate: format.SampleRate}, format: format}
}

// Format implements [audio.Connection].
func (c *Connection) Format() audio.Format { return c.format }

// Send implements [audio.Connection].
func (c *Connection) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnected {
		c.frames = append(c.frames, frame)
	}
}

// Flush implements [audio.Connection].
func (c *Connection) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
}

// Listen implements [audio.Connection].
func (c *Connection) Listen(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listen = userID
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Disconnect implements [audio.Connection].
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	if s := c.Last(); s != nil {
		s.Close()
	}
	return nil
}

// Emit delivers ev to the registered participant callback synchronously.
func (c *Connection) Emit(ev audio.Event) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Frames returns the number of frames received by Send.
func (c *Connection) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Flushes returns the number of Flush calls.
func (c *Connection) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// Listening returns the user passed to the last Listen call.
func (c *Connection) Listening() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listen
}

// Disconnected reports whether Disconnect was called.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}
