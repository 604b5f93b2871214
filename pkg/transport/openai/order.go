package openai

import (
	"sync"
	"time"

	"github.com/MrWong99/duplex/pkg/transport"
)

// defaultTranscriptGrace is how long a finished response waits for the
// transcription of the user speech it answered.
const defaultTranscriptGrace = 2 * time.Second

// turnOrder restores causal order between the user's transcription and the
// model's reply. The Realtime API transcribes committed user audio
// asynchronously, so the transcription often arrives after the response has
// started streaming. Model transcript deltas and the turn completion of a
// turn are held until the user transcription of that turn has completed or
// failed. A response that answered no user speech is released grace after
// response.done. Audio is never held.
type turnOrder struct {
	em    *transport.Emitter
	grace time.Duration

	mu      sync.Mutex
	settled bool // the user transcription of the current turn has arrived
	held    []transport.Event
	timer   *time.Timer
	timerID uint64
	stopped bool
}

func newTurnOrder(em *transport.Emitter, grace time.Duration) *turnOrder {
	return &turnOrder{em: em, grace: grace}
}

// user delivers the user's transcription and releases what it was holding.
func (o *turnOrder) user(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.em.Partial(transport.SpeakerUser, text)
	o.settled = true
	o.flushLocked()
}

// transcriptionFailed settles the turn without user text.
func (o *turnOrder) transcriptionFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settled = true
	o.flushLocked()
}

func (o *turnOrder) model(text string) {
	if text == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	ev := transport.Event{Kind: transport.KindPartialTranscript, Speaker: transport.SpeakerModel, Text: text}
	if o.settled && len(o.held) == 0 {
		o.em.Emit(ev)
		return
	}
	o.held = append(o.held, ev)
}

func (o *turnOrder) turnComplete() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.settled && len(o.held) == 0 {
		o.em.Emit(transport.Event{Kind: transport.KindTurnComplete})
		o.settled = false
		return
	}
	o.held = append(o.held, transport.Event{Kind: transport.KindTurnComplete})
	o.armLocked()
}

// expire releases a held turn whose user transcription never came.
func (o *turnOrder) expire(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped || id != o.timerID {
		return
	}
	o.timer = nil
	o.settled = true
	o.flushLocked()
}

// release delivers everything still held and disarms the timer. Called when
// the session ends.
func (o *turnOrder) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	o.disarmLocked()
	for _, ev := range o.held {
		o.em.Emit(ev)
	}
	o.held = nil
}

// flushLocked emits held events up to and including the next turn
// completion. Events queued after it belong to the following turn, whose
// user transcription is still outstanding.
func (o *turnOrder) flushLocked() {
	if !o.settled {
		return
	}
	for i, ev := range o.held {
		o.em.Emit(ev)
		if ev.Kind == transport.KindTurnComplete {
			o.held = o.held[i+1:]
			o.settled = false
			o.disarmLocked()
			if o.holdsTurnComplete() {
				o.armLocked()
			}
			return
		}
	}
	o.held = nil
}

func (o *turnOrder) holdsTurnComplete() bool {
	for _, ev := range o.held {
		if ev.Kind == transport.KindTurnComplete {
			return true
		}
	}
	return false
}

func (o *turnOrder) armLocked() {
	if o.timer != nil || o.stopped {
		return
	}
	o.timerID++
	id := o.timerID
	o.timer = time.AfterFunc(o.grace, func() { o.expire(id) })
}

func (o *turnOrder) disarmLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.timerID++
}
