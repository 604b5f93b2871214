// Package gemini implements [transport.Transport] for Google's Gemini Live API.
//
// It opens a bidirectional WebSocket to the BidiGenerateContent endpoint and
// exchanges JSON messages. Microphone frames go out as base64 PCM media
// chunks; synthesized speech, input and output transcriptions, interruption
// notices, and turn boundaries come back as [transport.Event]s.
package gemini

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
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
const ProviderName = "gemini-live"

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// OutputSampleRate is the rate Gemini Live streams speech at.
	OutputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(t *Transport) {
		if model != "" {
			t.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(url string) Option {
	return func(t *Transport) {
		if url != "" {
			t.baseURL = url
		}
	}
}

// WithKeepalive sets the ping interval. Zero or negative disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(t *Transport) { t.keepalive = d }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport opens Gemini Live sessions.
type Transport struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a Gemini Live Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements [transport.Transport].
func (t *Transport) Name() string { return ProviderName }

// Open dials Gemini Live and sends the setup message. Connected is emitted
// when the server acknowledges the setup.
func (t *Transport) Open(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		t.baseURL, t.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, transport.NewError(ProviderName, transport.OpConnect, fmt.Errorf("dial: %w", err))
	}
	// Server messages carry base64 audio; the default 32 KiB limit is too small.
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		em:        transport.NewEmitter(0),
		inputMIME: fmt.Sprintf("audio/pcm;rate=%d", cfg.Input().SampleRate),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	if err := sess.writeJSON(buildSetup(t.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, transport.NewError(ProviderName, transport.OpConnect, fmt.Errorf("setup: %w", err))
	}

	go sess.receiveLoop()
	if t.keepalive > 0 {
		go sess.keepaliveLoop(t.keepalive)
	}
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	Tools                    []tool           `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content           `json:"modelTurn,omitempty"`
	TurnComplete        bool               `json:"turnComplete,omitempty"`
	Interrupted         bool               `json:"interrupted,omitempty"`
	InputTranscription  *transcription     `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription     `json:"outputTranscription,omitempty"`
	GroundingMetadata   *groundingMetadata `json:"groundingMetadata,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type groundingMetadata struct {
	GroundingChunks []groundingChunk `json:"groundingChunks"`
}

type groundingChunk struct {
	Web *webSource `json:"web,omitempty"`
}

type webSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

func buildSetup(model string, cfg transport.Config) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.GroundedSearch {
		msg.Setup.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	em        *transport.Emitter
	inputMIME string

	mu     sync.Mutex
	closed bool

	// Owned by receiveLoop.
	sources []transport.Source

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

// receiveLoop reads server messages until the connection ends. It owns the
// emitter's terminal event.
func (s *session) receiveLoop() {
	defer s.em.Close()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.readFailed(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed message", "err", err)
			continue
		}
		if !s.handle(&msg) {
			s.shutdown(websocket.StatusNormalClosure, "error received")
			return
		}
	}
}

func (s *session) readFailed(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return
	}
	// The socket died before setupComplete: the connect failed.
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
	s.em.Fail(te)
}

// handle dispatches one server message. It reports false when the session
// must end.
func (s *session) handle(msg *serverMessage) bool {
	if msg.Error != nil {
		text := cmp.Or(msg.Error.Message, msg.Error.Status, "unknown error")
		s.em.Fail(&transport.Error{Provider: ProviderName, Op: transport.OpRemote, Code: msg.Error.Code, Message: text})
		return false
	}
	if msg.SetupComplete != nil {
		s.em.Connected()
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if sc := msg.ServerContent; sc != nil {
		s.handleServerContent(sc)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.InputTranscription != nil {
		s.em.Partial(transport.SpeakerUser, sc.InputTranscription.Text)
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			s.em.Emit(transport.Event{Kind: transport.KindAudioChunk, Chunk: audio.PlaybackChunk{
				Data:       pcm,
				SampleRate: rateFromMIME(p.InlineData.MIMEType, OutputSampleRate),
				Channels:   1,
				Encoding:   audio.EncodingPCM16,
			}})
		}
	}
	if sc.OutputTranscription != nil {
		s.em.Partial(transport.SpeakerModel, sc.OutputTranscription.Text)
	}
	if sc.GroundingMetadata != nil {
		for _, gc := range sc.GroundingMetadata.GroundingChunks {
			if gc.Web == nil || gc.Web.URI == "" || s.hasSource(gc.Web.URI) {
				continue
			}
			s.sources = append(s.sources, transport.Source{URI: gc.Web.URI, Title: gc.Web.Title})
		}
	}
	if sc.Interrupted {
		s.em.Emit(transport.Event{Kind: transport.KindInterrupted})
	}
	if sc.TurnComplete {
		s.em.Emit(transport.Event{Kind: transport.KindTurnComplete, Sources: s.sources})
		s.sources = nil
	}
}

func (s *session) hasSource(uri string) bool {
	for _, src := range s.sources {
		if src.URI == uri {
			return true
		}
	}
	return false
}

// rateFromMIME extracts the rate parameter of e.g. "audio/pcm;rate=24000".
func rateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "rate" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return fallback
}

// keepaliveLoop pings the server so idle sessions stay open.
func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(code, reason)
}

// ── transport.Session ──────────────────────────────────────────────────────────

// Events implements [transport.Session].
func (s *session) Events() <-chan transport.Event { return s.em.Events() }

// Send delivers one PCM16 frame as a realtime media chunk.
func (s *session) Send(frame audio.AudioFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: s.inputMIME,
				Data:     base64.StdEncoding.EncodeToString(frame.Data),
			}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return transport.NewError(ProviderName, transport.OpSend, err)
	}
	return nil
}

// Close terminates the session. Idempotent. The event stream ends with
// Closed once the receive loop has exited.
func (s *session) Close() error {
	s.shutdown(websocket.StatusNormalClosure, "session closed")
	return nil
}
