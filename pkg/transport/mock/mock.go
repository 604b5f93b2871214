// Package mock provides a scriptable [transport.Transport] for tests.
//
// Every successful Open returns a new [Session] whose event stream the test
// drives by hand:
//
//	tr := &mock.Transport{}
//	... controller.Start(ctx, "general") in a goroutine ...
//	sess := tr.WaitSession(t)
//	sess.Connect()
//	sess.Say(transport.SpeakerUser, "Hello")
//	sess.Audio(chunk)
//	sess.TurnComplete()
//
// Sessions record the frames sent to them and whether they were closed.
package mock

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/transport"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Session   = (*Session)(nil)
)

// Transport is a mock implementation of [transport.Transport].
type Transport struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Default "mock".
	ProviderName string

	// OpenError is returned by Open when set.
	OpenError error

	// Gate, when non-nil, makes Open block until it is closed or ctx is done.
	Gate chan struct{}

	// AutoConnect emits Connected as soon as a session is opened.
	AutoConnect bool

	// Configs records the Config of every Open call in order.
	Configs []transport.Config

	sessions []*Session
	opened   chan *Session
}

// Name implements [transport.Transport].
func (t *Transport) Name() string {
	if t.ProviderName == "" {
		return "mock"
	}
	return t.ProviderName
}

// Open implements [transport.Transport].
func (t *Transport) Open(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	t.mu.Lock()
	t.Configs = append(t.Configs, cfg)
	gate, openErr := t.Gate, t.OpenError
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, transport.NewError(t.Name(), transport.OpConnect, ctx.Err())
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	s := &Session{em: transport.NewEmitter(0), Config: cfg}
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	if t.opened == nil {
		t.opened = make(chan *Session, 16)
	}
	opened := t.opened
	auto := t.AutoConnect
	t.mu.Unlock()

	if auto {
		s.Connect()
	}
	select {
	case opened <- s:
	default:
	}
	return s, nil
}

// OpenCalls returns the number of Open invocations.
func (t *Transport) OpenCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Configs)
}

// Sessions returns every session handed out so far.
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.sessions)
}

// Last returns the most recent session, or nil.
func (t *Transport) Last() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

// WaitSession blocks until Open hands out a session not yet returned by a
// previous WaitSession call, failing the test after two seconds.
func (t *Transport) WaitSession(tb testing.TB) *Session {
	tb.Helper()
	t.mu.Lock()
	if t.opened == nil {
		t.opened = make(chan *Session, 16)
	}
	opened := t.opened
	t.mu.Unlock()
	select {
	case s := <-opened:
		return s
	case <-time.After(2 * time.Second):
		tb.Fatal("mock transport: no session opened")
		return nil
	}
}

// Session is a scripted [transport.Session].
type Session struct {
	em *transport.Emitter

	// Config is the configuration the session was opened with.
	Config transport.Config

	// SendError is returned by Send when set.
	SendError error

	mu     sync.Mutex
	sent   []audio.AudioFrame
	closed bool
}

// Events implements [transport.Session].
func (s *Session) Events() <-chan transport.Event { return s.em.Events() }

// Send implements [transport.Session].
func (s *Session) Send(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if s.SendError != nil {
		return s.SendError
	}
	s.sent = append(s.sent, frame)
	return nil
}

// Close implements [transport.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.em.Close()
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns the frames received by Send.
func (s *Session) Sent() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// Connect emits Connected.
func (s *Session) Connect() bool { return s.em.Connected() }

// Say emits a partial transcript.
func (s *Session) Say(speaker transport.Speaker, text string) bool {
	return s.em.Partial(speaker, text)
}

// Audio emits an audio chunk.
func (s *Session) Audio(chunk audio.PlaybackChunk) bool {
	return s.em.Emit(transport.Event{Kind: transport.KindAudioChunk, Chunk: chunk})
}

// TurnComplete emits a turn completion with optional sources.
func (s *Session) TurnComplete(sources ...transport.Source) bool {
	return s.em.Emit(transport.Event{Kind: transport.KindTurnComplete, Sources: sources})
}

// Interrupt emits Interrupted.
func (s *Session) Interrupt() bool {
	return s.em.Emit(transport.Event{Kind: transport.KindInterrupted})
}

// Fail emits an Error with message followed by Closed.
func (s *Session) Fail(message string) bool {
	return s.em.Fail(&transport.Error{Provider: "mock", Op: transport.OpRemote, Message: message})
}

// Hangup emits Closed as if the remote side ended the session.
func (s *Session) Hangup() bool { return s.em.Close() }

// Done is closed once the session's terminal event has been delivered.
func (s *Session) Done() <-chan struct{} { return s.em.Done() }
