// Package playback schedules decoded speech buffers back to back on an
// [audio.OutputDevice] timeline.
//
// The scheduler keeps a cursor (the next playback time). Each buffer starts
// at max(device clock, cursor) and advances the cursor by its duration, so
// buffers never overlap and never leave a gap no matter how irregularly
// they arrive. After a pause the max() re-synchronises with the live clock.
//
// A Scheduler is not safe for concurrent use. It is meant to be owned by a
// single goroutine (the session loop), which is what makes cancellation
// atomic with respect to newly arriving buffers.
package playback

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
)

// Handle identifies one scheduled buffer.
type Handle uint64

// Entry describes an active scheduled buffer.
type Entry struct {
	Handle   Handle
	Start    time.Duration
	Duration time.Duration
}

type scheduled struct {
	voice audio.Voice
	entry Entry
}

// Scheduler owns the playback cursor and the set of active handles for one
// session.
type Scheduler struct {
	dev    audio.OutputDevice
	next   time.Duration
	seq    Handle
	active map[Handle]scheduled

	// total is the summed duration scheduled since the last cancel or reset.
	total time.Duration
}

// New returns a Scheduler for dev with the cursor at zero.
func New(dev audio.OutputDevice) *Scheduler {
	return &Scheduler{dev: dev, active: make(map[Handle]scheduled)}
}

// Schedule places buf on the device timeline at max(now, cursor) and moves
// the cursor to the end of buf. notify is invoked by the device, from its own
// goroutine, when the buffer finishes playing naturally; the owner must
// route it back and call [Scheduler.Complete].
func (s *Scheduler) Schedule(buf audio.PlaybackBuffer, notify func(Handle)) (Handle, time.Duration, error) {
	if buf.Duration <= 0 {
		return 0, 0, fmt.Errorf("playback: buffer has no duration")
	}
	start := max(s.dev.Now(), s.next)

	s.seq++
	h := s.seq
	var onEnded func()
	if notify != nil {
		onEnded = func() { notify(h) }
	}
	v, err := s.dev.Schedule(buf, start, onEnded)
	if err != nil {
		return 0, 0, fmt.Errorf("playback: schedule: %w", err)
	}

	s.active[h] = scheduled{voice: v, entry: Entry{Handle: h, Start: start, Duration: buf.Duration}}
	s.next = start + buf.Duration
	s.total += buf.Duration
	return h, start, nil
}

// Complete removes h after natural completion. It reports true when this
// removal emptied the active set, meaning the model stopped speaking.
// Unknown or already removed handles are ignored and report false, so every
// handle is removed exactly once.
func (s *Scheduler) Complete(h Handle) bool {
	if _, ok := s.active[h]; !ok {
		return false
	}
	delete(s.active, h)
	return len(s.active) == 0
}

// CancelAll stops every active buffer and moves the cursor to the device's
// current clock, so the next buffer starts now. It returns how many buffers
// were stopped.
func (s *Scheduler) CancelAll() int {
	n := len(s.active)
	for h, sc := range s.active {
		sc.voice.Stop()
		delete(s.active, h)
	}
	s.next = s.dev.Now()
	s.total = 0
	return n
}

// Reset cancels everything and puts the cursor back to zero, the state of a
// fresh session.
func (s *Scheduler) Reset() int {
	n := s.CancelAll()
	s.next = 0
	return n
}

// Speaking reports whether any buffer is scheduled or playing.
func (s *Scheduler) Speaking() bool { return len(s.active) > 0 }

// Active returns the number of active handles.
func (s *Scheduler) Active() int { return len(s.active) }

// NextPlaybackTime returns the cursor.
func (s *Scheduler) NextPlaybackTime() time.Duration { return s.next }

// Scheduled returns the total duration scheduled since the last cancel.
func (s *Scheduler) Scheduled() time.Duration { return s.total }

// Entries returns the active buffers ordered by start time.
func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, 0, len(s.active))
	for _, sc := range s.active {
		out = append(out, sc.entry)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.Handle, b.Handle))
	})
	return out
}
