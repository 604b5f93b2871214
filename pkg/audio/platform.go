package audio

import (
	"context"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change on a voice channel.
// Callbacks registered via [Connection.OnParticipantChange] receive values of this type.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// UserID is the platform-specific unique identifier for the participant.
	UserID string

	// Username is the human-readable display name of the participant.
	Username string
}

// Connection is a joined voice channel. It is the microphone of a
// conversation (Open yields the channel's incoming speech as mono samples)
// and the sink for its rendered output.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	InputDevice

	// Format is the PCM format Send expects.
	Format() Format

	// Send queues one rendered frame of interleaved PCM16 in Format. It
	// never blocks; frames are dropped when the connection falls behind.
	Send(frame []byte)

	// Flush drops output queued by Send that has not been transmitted yet.
	Flush()

	// Listen restricts capture to one participant. An empty userID captures
	// everyone.
	Listen(userID string)

	// OnParticipantChange registers cb as the callback to invoke whenever a
	// participant joins or leaves the channel. Only one callback may be
	// registered at a time; subsequent calls replace the previous
	// registration. The callback is invoked on an internal goroutine.
	OnParticipantChange(cb func(Event))

	// Disconnect leaves the channel and closes any open capture stream. It
	// is safe to call more than once; subsequent calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID. ctx governs
	// the join only; the Connection lives until Disconnect.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
