// Package audio defines the sample formats, codec helpers, and device
// abstractions shared by the duplex voice engine.
//
// The two device abstractions are:
//
//   - [OutputDevice]: an externally created output timeline with a clock.
//     Buffers are scheduled at absolute positions on that clock.
//   - [InputDevice]: a microphone that must be acquired before capture
//     starts and may refuse with a classified [DeviceError].
//
// A [Platform] joins voice channels; the resulting [Connection] is both the
// microphone and the output sink of a conversation held in that channel.
//
// Implementations live in sub-packages (audio/render, audio/discord,
// audio/mock) and in the WebSocket server.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OutputDevice is an audio output timeline. The engine never constructs one;
// it only checks and resumes its running state, reads its clock, and
// schedules buffers on it.
//
// Implementations must be safe for concurrent use and must invoke onEnded
// callbacks without holding internal locks.
type OutputDevice interface {
	// Running reports whether the device clock is advancing.
	Running() bool

	// Resume starts or un-suspends the device clock.
	Resume(ctx context.Context) error

	// Now returns the current position of the device clock.
	Now() time.Duration

	// Format is the PCM format buffers should be decoded to.
	Format() Format

	// Schedule queues buf to start playing at the clock position at. If at is
	// already in the past playback starts immediately. onEnded is called once
	// when the buffer has finished playing naturally; it is not called when
	// the returned Voice is stopped.
	Schedule(buf PlaybackBuffer, at time.Duration, onEnded func()) (Voice, error)
}

// Voice is a single scheduled buffer on an [OutputDevice].
type Voice interface {
	// Stop silences the buffer immediately. Idempotent.
	Stop()
}

// InputDevice grants access to a microphone.
type InputDevice interface {
	// Open acquires the microphone. It blocks until the device is granted or
	// refused, or ctx is done. Refusals are reported as *[DeviceError].
	Open(ctx context.Context) (CaptureStream, error)
}

// CaptureStream is an acquired microphone delivering mono float32 sample
// blocks in capture order.
type CaptureStream interface {
	// SampleRate is the rate of the samples delivered on Samples.
	SampleRate() int

	// Samples delivers blocks of mono samples in [-1, 1]. It is closed when
	// the stream ends or after Close.
	Samples() <-chan []float32

	// Close releases the microphone. Idempotent.
	Close() error
}

// DeviceErrorKind classifies why a microphone could not be acquired.
type DeviceErrorKind int

const (
	// DeviceUnknown is any failure that does not match a known cause.
	DeviceUnknown DeviceErrorKind = iota

	// NoDeviceFound means no capture device exists.
	NoDeviceFound

	// PermissionDenied means the user or platform refused access.
	PermissionDenied

	// DeviceBusy means the device exists but another application holds it.
	DeviceBusy
)

// String returns the kind's name.
func (k DeviceErrorKind) String() string {
	switch k {
	case NoDeviceFound:
		return "no_device_found"
	case PermissionDenied:
		return "permission_denied"
	case DeviceBusy:
		return "device_busy"
	default:
		return "unknown"
	}
}

// DeviceError is returned when a microphone cannot be acquired.
type DeviceError struct {
	Kind DeviceErrorKind

	// Name is the platform error name (e.g. "NotAllowedError"), if any.
	Name string

	Err error
}

func (e *DeviceError) Error() string {
	msg := "audio: microphone " + e.Kind.String()
	if e.Name != "" {
		msg += " (" + e.Name + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() error { return e.Err }

// UserMessage is the actionable message shown to a person for this error.
func (e *DeviceError) UserMessage() string {
	switch e.Kind {
	case NoDeviceFound:
		return "No microphone found. Please connect a microphone and try again."
	case PermissionDenied:
		return "Microphone permission denied. Please allow microphone access and try again."
	case DeviceBusy:
		return "Microphone is being used by another application. Please close it and try again."
	default:
		return "Could not access the microphone. Please check your audio settings and try again."
	}
}

// ClassifyDeviceError maps a browser media error name to a [DeviceError].
// detail may be empty.
func ClassifyDeviceError(name, detail string) *DeviceError {
	var kind DeviceErrorKind
	switch name {
	case "NotFoundError", "DevicesNotFoundError", "OverconstrainedError":
		kind = NoDeviceFound
	case "NotAllowedError", "PermissionDeniedError", "SecurityError":
		kind = PermissionDenied
	case "NotReadableError", "TrackStartError", "AbortError":
		kind = DeviceBusy
	default:
		kind = DeviceUnknown
	}
	var err error
	if detail != "" {
		err = errors.New(detail)
	}
	return &DeviceError{Kind: kind, Name: name, Err: err}
}

// AsDeviceError wraps err as a *DeviceError of the given kind unless it
// already is one.
func AsDeviceError(kind DeviceErrorKind, err error) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	return &DeviceError{Kind: kind, Err: fmt.Errorf("acquire microphone: %w", err)}
}
