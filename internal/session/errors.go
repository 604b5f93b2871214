package session

import (
	"errors"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/transport"
)

// StartupError is returned by [Controller.Start] when a session cannot be
// started in the controller's current situation.
type StartupError struct {
	Reason string
}

func (e *StartupError) Error() string { return "session: " + e.Reason }

var (
	// ErrAudioNotReady means no output device is attached, or the attached
	// device is suspended and could not be resumed.
	ErrAudioNotReady = &StartupError{Reason: "audio output not ready"}

	// ErrAlreadyActive means a session is already connecting or active.
	ErrAlreadyActive = &StartupError{Reason: "session already active"}
)

var (
	// ErrStopped is returned by Start when Stop was called while connecting.
	ErrStopped = errors.New("session: stopped while connecting")

	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("session: controller closed")
)

// Messages shown to people, keyed by failure.
const (
	MsgConnection    = "Connection error, check network"
	MsgAudioNotReady = "Audio output is not ready. Enable sound and try again."
	MsgAlreadyActive = "A conversation is already running."
	MsgUnknown       = "Something went wrong. Please try again."
)

// UserMessage maps err to the actionable message shown to a person. It
// returns the empty string for nil, [ErrStopped] and [ErrClosed], which are
// not failures from the user's point of view.
func UserMessage(err error) string {
	if err == nil || errors.Is(err, ErrStopped) || errors.Is(err, ErrClosed) {
		return ""
	}
	var de *audio.DeviceError
	if errors.As(err, &de) {
		return de.UserMessage()
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return MsgConnection
	}
	switch {
	case errors.Is(err, ErrAudioNotReady):
		return MsgAudioNotReady
	case errors.Is(err, ErrAlreadyActive):
		return MsgAlreadyActive
	}
	return MsgUnknown
}
