package transport

import "sync"

// DefaultEventBuffer is the channel capacity used by [NewEmitter] when the
// requested buffer is not positive.
const DefaultEventBuffer = 64

// Emitter builds a session event stream that honours the ordering contract:
//
//   - Connected is delivered at most once.
//   - Data events (partials, audio, turn completion, interruption) are
//     dropped until Connected has been delivered and after the stream ends.
//   - Error and Closed may arrive without a prior Connected. Error is always
//     followed by Closed.
//   - Closed is delivered exactly once and the channel is closed after it.
//
// Emitter is safe for concurrent use. Delivery blocks while the channel is
// full, so the consumer must drain Events until it is closed.
type Emitter struct {
	mu        sync.Mutex
	ch        chan Event
	connected bool
	closed    bool
	done      chan struct{}
}

// NewEmitter returns an Emitter whose channel holds up to buffer events.
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Emitter{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events returns the stream consumers read from.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Done is closed once the terminal Closed event has been delivered.
func (e *Emitter) Done() <-chan struct{} { return e.done }

// Connected delivers the Connected event. It reports false when the event was
// already delivered or the stream has ended.
func (e *Emitter) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected || e.closed {
		return false
	}
	e.connected = true
	e.ch <- Event{Kind: KindConnected}
	return true
}

// IsConnected reports whether Connected has been delivered.
func (e *Emitter) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Emit delivers a data event. Connected, Error, and Closed kinds are routed to
// [Emitter.Connected], [Emitter.Fail], and [Emitter.Close]. It reports
// whether the event was delivered.
func (e *Emitter) Emit(ev Event) bool {
	switch ev.Kind {
	case KindConnected:
		return e.Connected()
	case KindError:
		return e.Fail(ev.Err)
	case KindClosed:
		return e.Close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected || e.closed {
		return false
	}
	e.ch <- ev
	return true
}

// Partial is shorthand for emitting a partial transcript.
func (e *Emitter) Partial(speaker Speaker, text string) bool {
	if text == "" {
		return false
	}
	return e.Emit(Event{Kind: KindPartialTranscript, Speaker: speaker, Text: text})
}

// Fail delivers an Error event followed by Closed and ends the stream. It
// reports false when the stream had already ended.
func (e *Emitter) Fail(err *Error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if err == nil {
		err = &Error{Op: OpRemote, Message: "unknown error"}
	}
	e.ch <- Event{Kind: KindError, Err: err}
	e.finishLocked()
	return true
}

// Close delivers the terminal Closed event and closes the channel. It reports
// false when the stream had already ended.
func (e *Emitter) Close() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.finishLocked()
	return true
}

func (e *Emitter) finishLocked() {
	e.closed = true
	e.ch <- Event{Kind: KindClosed}
	close(e.ch)
	close(e.done)
}
