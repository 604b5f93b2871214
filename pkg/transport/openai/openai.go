// Package openai implements [transport.Transport] for the OpenAI Realtime API.
//
// The session is a WebSocket carrying JSON events. Microphone frames are
// appended to the server's input audio buffer; server voice activity
// detection decides when the user has finished speaking. Audio deltas,
// transcript deltas, speech-start notices, and response completions are
// mapped onto [transport.Event]s.
//
// User speech is transcribed asynchronously by the server, so its
// transcription can trail the reply. The session holds the reply's transcript
// and turn completion until the user transcription has arrived, keeping
// partials in causal order.
package openai

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/transport"
	"github.com/coder/websocket"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Session   = (*session)(nil)
)

// ProviderName is the registry name of this transport.
const ProviderName = "openai-realtime"

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the PCM16 rate the Realtime API uses in both directions.
	SampleRate = 24000

	defaultTranscriptionModel = "whisper-1"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the realtime model.
func WithModel(model string) Option {
	return func(t *Transport) {
		if model != "" {
			t.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(t *Transport) {
		if url != "" {
			t.baseURL = url
		}
	}
}

// WithTranscriptionModel sets the model used to transcribe user speech.
func WithTranscriptionModel(model string) Option {
	return func(t *Transport) {
		if model != "" {
			t.transcriptionModel = model
		}
	}
}

// WithTranscriptGrace sets how long a finished response waits for the
// transcription of the user speech it answered before its transcript is
// released anyway.
func WithTranscriptGrace(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.transcriptGrace = d
		}
	}
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport opens OpenAI Realtime sessions.
type Transport struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	transcriptGrace    time.Duration
}

// New creates a Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
		transcriptGrace:    defaultTranscriptGrace,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements [transport.Transport].
func (t *Transport) Name() string { return ProviderName }

// Open dials the Realtime endpoint and sends session.update. Connected is
// emitted when the server confirms the session.
func (t *Transport) Open(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", t.baseURL, t.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + t.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, transport.NewError(ProviderName, transport.OpConnect, fmt.Errorf("dial: %w", err))
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	em := transport.NewEmitter(0)
	sess := &session{
		conn:   conn,
		em:     em,
		order:  newTurnOrder(em, t.transcriptGrace),
		conv:   &audio.Converter{Target: audio.Format{SampleRate: SampleRate, Channels: 1}},
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	update := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:              []string{"audio", "text"},
			Voice:                   cfg.Voice,
			Instructions:            cfg.Instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionParams{Model: t.transcriptionModel},
			TurnDetection:           &turnDetection{Type: "server_vad"},
		},
	}
	if err := sess.writeJSON(update); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, transport.NewError(ProviderName, transport.OpConnect, fmt.Errorf("session update: %w", err))
	}

	go sess.receiveLoop()
	return sess, nil
}

// ── Protocol message types ─────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// serverEvent is a union of the server event fields this transport reads.
type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta, response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *responseInfo `json:"response,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseInfo struct {
	Status string `json:"status"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn  *websocket.Conn
	em    *transport.Emitter
	order *turnOrder
	conv  *audio.Converter

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) receiveLoop() {
	defer s.em.Close()
	defer s.order.release()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				op := transport.OpRead
				if !s.em.IsConnected() {
					op = transport.OpConnect
				}
				te := transport.NewError(ProviderName, op, err)
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					te.Code = int(ce.Code)
					te.Message = ce.Reason
				}
				s.order.release()
				s.em.Fail(te)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}
		if !s.handle(&evt) {
			s.shutdown()
			return
		}
	}
}

// handle maps one server event. It reports false when the session must end.
func (s *session) handle(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		s.em.Connected()

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return true
		}
		s.em.Emit(transport.Event{Kind: transport.KindAudioChunk, Chunk: audio.PlaybackChunk{
			Data:       pcm,
			SampleRate: SampleRate,
			Channels:   1,
			Encoding:   audio.EncodingPCM16,
		}})

	case "response.audio_transcript.delta":
		s.order.model(evt.Delta)

	case "conversation.item.input_audio_transcription.completed":
		s.order.user(evt.Transcript)

	case "conversation.item.input_audio_transcription.failed":
		slog.Debug("openai: input transcription failed", "err", evt.Error)
		s.order.transcriptionFailed()

	case "input_audio_buffer.speech_started":
		s.em.Emit(transport.Event{Kind: transport.KindInterrupted})

	case "response.done":
		// A response cut short by barge-in leaves the turn open.
		if evt.Response != nil && evt.Response.Status == "cancelled" {
			return true
		}
		s.order.turnComplete()

	case "error":
		if evt.Error == nil {
			return true
		}
		// Client mistakes such as an empty buffer commit are not fatal.
		if evt.Error.Type == "invalid_request_error" {
			slog.Warn("openai: request rejected", "code", evt.Error.Code, "message", evt.Error.Message)
			return true
		}
		s.order.release()
		s.em.Fail(&transport.Error{
			Provider: ProviderName,
			Op:       transport.OpRemote,
			Message:  cmp.Or(evt.Error.Message, evt.Error.Code, "unknown error"),
		})
		return false
	}
	return true
}

func (s *session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// ── transport.Session ──────────────────────────────────────────────────────────

// Events implements [transport.Session].
func (s *session) Events() <-chan transport.Event { return s.em.Events() }

// Send appends one frame to the input audio buffer, resampling to 24 kHz
// when the frame was captured at another rate. Send is called from a single
// capture goroutine.
func (s *session) Send(frame audio.AudioFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	pcm := frame.Data
	if f := frame.Format; f.Valid() {
		pcm = s.conv.Convert(pcm, f)
	}
	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	if err := s.writeJSON(msg); err != nil {
		return transport.NewError(ProviderName, transport.OpSend, err)
	}
	return nil
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.shutdown()
	return nil
}
