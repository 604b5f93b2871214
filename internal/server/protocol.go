package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/duplex/internal/session"
	"github.com/MrWong99/duplex/internal/sysctx"
	"github.com/MrWong99/duplex/internal/transcript"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/transport"
)

// Client → server message types. Binary messages carry little-endian
// float32 mono microphone samples at the rate announced in "mic".
const (
	MsgAudioReady = "audio_ready"
	MsgMic        = "mic"
	MsgStart      = "start"
	MsgStop       = "stop"
	MsgBargeIn    = "barge_in"
)

// Server → client message types. Binary messages carry little-endian PCM16
// output in the format announced in "hello".
const (
	MsgHello      = "hello"
	MsgStatus     = "status"
	MsgPartial    = "partial"
	MsgMessages   = "messages"
	MsgError      = "error"
	MsgLevel      = "level"
	MsgMicRequest = "mic_request"
	MsgFlush      = "flush"
)

// Error codes sent with [MsgError].
const (
	CodeAudioNotReady = "audio_not_ready"
	CodeAlreadyActive = "already_active"
	CodeDevice        = "device_error"
	CodeConnection    = "connection_error"
	CodeProtocol      = "protocol_error"
	CodeUnknown       = "unknown"
)

// ClientMessage is any text message sent by the browser. Fields not used by
// Type are empty.
type ClientMessage struct {
	Type string `json:"type"`

	// Mode selects the conversation mode for "start". Empty uses the
	// default mode.
	Mode string `json:"mode,omitempty"`

	// SampleRate of the microphone, set on a successful "mic" reply.
	SampleRate int `json:"sample_rate,omitempty"`

	// Error is the browser media error name (e.g. "NotAllowedError") when
	// the microphone could not be acquired.
	Error string `json:"error,omitempty"`

	// Detail is an optional human-readable error detail.
	Detail string `json:"detail,omitempty"`
}

// OutputFormat describes the binary PCM16 frames sent to the browser.
type OutputFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// HelloMessage is sent once after the WebSocket is accepted.
type HelloMessage struct {
	Type        string        `json:"type"`
	Modes       []sysctx.Mode `json:"modes"`
	DefaultMode string        `json:"default_mode"`
	Output      OutputFormat  `json:"output"`
}

// StatusMessage mirrors [session.Status].
type StatusMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Listening bool   `json:"listening"`
	Speaking  bool   `json:"speaking"`
}

// PartialMessage carries the turn being assembled.
type PartialMessage struct {
	Type  string `json:"type"`
	User  string `json:"user"`
	Model string `json:"model"`
}

// MessagesMessage carries the messages of a finalized turn.
type MessagesMessage struct {
	Type     string               `json:"type"`
	Mode     string               `json:"mode"`
	Messages []transcript.Message `json:"messages"`
}

// ErrorMessage is an actionable failure shown to the user.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LevelMessage is a microphone level snapshot for a visualizer.
type LevelMessage struct {
	Type  string    `json:"type"`
	RMS   float32   `json:"rms"`
	Peak  float32   `json:"peak"`
	Bands []float32 `json:"bands"`
}

// SignalMessage is a message without payload (mic_request, flush).
type SignalMessage struct {
	Type string `json:"type"`
}

func statusMessage(st session.Status) StatusMessage {
	return StatusMessage{
		Type:      MsgStatus,
		State:     st.State.String(),
		Mode:      st.Mode,
		Listening: st.Listening,
		Speaking:  st.Speaking,
	}
}

// errorMessage maps err to the message shown to the user.
func errorMessage(err error) ErrorMessage {
	msg := ErrorMessage{Type: MsgError, Code: CodeUnknown, Message: session.UserMessage(err)}
	var (
		de *audio.DeviceError
		te *transport.Error
	)
	switch {
	case errors.Is(err, session.ErrAudioNotReady):
		msg.Code = CodeAudioNotReady
	case errors.Is(err, session.ErrAlreadyActive):
		msg.Code = CodeAlreadyActive
	case errors.As(err, &de):
		msg.Code = CodeDevice
	case errors.As(err, &te):
		msg.Code = CodeConnection
	}
	return msg
}

// decodeSamples parses a binary microphone message.
func decodeSamples(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("server: microphone payload of %d bytes is not a whole number of float32 samples", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
