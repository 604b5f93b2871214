// Package transport defines the abstract bidirectional channel between the
// voice engine and a remote conversational AI session.
//
// A [Transport] opens [Session]s. A session accepts encoded microphone frames
// through [Session.Send] and reports everything the remote side does as a
// stream of [Event]s on [Session.Events]. The event taxonomy is deliberately
// small so it can be implemented over any provider's wire protocol:
//
//   - [KindConnected] fires at most once and precedes every other data event.
//   - [KindPartialTranscript] carries incremental user or model text.
//   - [KindAudioChunk] carries synthesized speech.
//   - [KindTurnComplete] ends a model turn, optionally with cited sources.
//   - [KindInterrupted] reports that the remote side detected barge-in.
//   - [KindError] reports a failure; it is always followed by [KindClosed].
//   - [KindClosed] fires exactly once, is the last event, and the channel is
//     closed right after it.
//
// Implementations should build their event stream with an [Emitter], which
// enforces these guarantees. Events are delivered in arrival order and are
// never reordered.
package transport

import (
	"context"
	"fmt"

	"github.com/MrWong99/duplex/pkg/audio"
)

// Speaker identifies who a partial transcript belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Kind enumerates the event types a [Session] can emit.
type Kind int

const (
	KindConnected Kind = iota + 1
	KindPartialTranscript
	KindAudioChunk
	KindTurnComplete
	KindInterrupted
	KindError
	KindClosed
)

// String returns the lower-case event name.
func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindPartialTranscript:
		return "partial_transcript"
	case KindAudioChunk:
		return "audio_chunk"
	case KindTurnComplete:
		return "turn_complete"
	case KindInterrupted:
		return "interrupted"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Source is a citation attached to a completed model turn.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

// Event is one item of a session's event stream. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind Kind

	// PartialTranscript
	Speaker Speaker
	Text    string

	// AudioChunk
	Chunk audio.PlaybackChunk

	// TurnComplete
	Sources []Source

	// Error
	Err *Error
}

// Config is the per-session configuration passed to [Transport.Open].
type Config struct {
	// Instructions is the system context for the conversation.
	Instructions string

	// Voice is a provider-specific voice name. Empty selects the default.
	Voice string

	// InputFormat is the format of frames passed to Send. Zero means 16 kHz
	// mono PCM16.
	InputFormat audio.Format

	// GroundedSearch asks the provider to ground answers in web search and
	// report sources on turn completion, where supported.
	GroundedSearch bool
}

// DefaultInputFormat is the frame format assumed when Config.InputFormat is
// zero.
var DefaultInputFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Input returns the configured input format or [DefaultInputFormat].
func (c Config) Input() audio.Format {
	if c.InputFormat.Valid() {
		return c.InputFormat
	}
	return DefaultInputFormat
}

// Session is an open conversation with a remote model.
//
// Send and Close are safe for concurrent use. Close is idempotent; after it
// returns the event channel still drains to a final [KindClosed] event.
type Session interface {
	// Events returns the session's event stream.
	Events() <-chan Event

	// Send delivers one encoded microphone frame. It returns an error once
	// the session is closed or the write fails.
	Send(frame audio.AudioFrame) error

	// Close ends the session.
	Close() error
}

// Transport opens sessions against one provider.
type Transport interface {
	// Open dials the provider and performs the session handshake. It returns
	// once the connection is established; [KindConnected] is reported on the
	// event stream when the provider confirms the setup. Errors are
	// *[Error] values with Op "connect".
	Open(ctx context.Context, cfg Config) (Session, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}
