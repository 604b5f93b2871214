package server

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/session"
	"github.com/MrWong99/duplex/internal/transcript"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/audio/render"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// outboundBuffer is the number of messages queued for the socket writer.
	// Audio frames are 20 ms each, so this is a few seconds of speech.
	outboundBuffer = 256

	// talkReadLimit bounds one inbound message.
	talkReadLimit = 1 << 20
)

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// client is one /v1/talk connection.
type client struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	out    chan outbound

	conv     Conversation
	input    *browserInput
	renderer *render.Renderer
	ctrl     *session.Controller

	// attached is only touched by the read loop.
	attached bool
}

func (s *Server) handleTalk(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Warn("server: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(talkReadLimit)

	s.active.Add(1)
	defer s.active.Add(-1)
	s.metrics.ClientConnected(r.Context(), "web", 1)
	defer s.metrics.ClientConnected(context.WithoutCancel(r.Context()), "web", -1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.talks, cancel)
	defer stop()

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outbound, outboundBuffer),
		conv:   s.Conversation(),
	}
	c.log = observe.Logger(ctx).With("client", c.id)
	c.input = &browserInput{request: func() bool {
		return c.send(SignalMessage{Type: MsgMicRequest}, false)
	}}
	c.renderer = render.New(s.cfg.Output, c.sendAudio)

	ctrl, err := session.New(session.Config{
		Transport:      s.cfg.Transport,
		Input:          c.input,
		Context:        c.conv.Context,
		Profile:        c.conv.Profile,
		History:        s.cfg.History,
		StopPhrases:    c.conv.StopPhrases,
		Voice:          s.cfg.Voice,
		GroundedSearch: s.cfg.GroundedSearch,
		WireFormat:     s.cfg.WireFormat,
		FrameSamples:   s.cfg.FrameSamples,
		ConnectTimeout: s.cfg.ConnectTimeout,
		Metrics:        s.metrics,
		Hooks:          c.hooks(),
	})
	if err != nil {
		c.log.Error("server: create session controller", "err", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	c.ctrl = ctrl

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.log.Info("server: client connected", "remote", r.RemoteAddr)
	c.send(HelloMessage{
		Type:        MsgHello,
		Modes:       c.conv.Context.Modes(),
		DefaultMode: c.conv.DefaultMode,
		Output:      OutputFormat{SampleRate: s.cfg.Output.SampleRate, Channels: s.cfg.Output.Channels},
	}, false)

	c.readLoop()

	// The controller goes first so no hook fires into a closed queue.
	if err := ctrl.Close(context.WithoutCancel(ctx)); err != nil {
		c.log.Warn("server: flush history on disconnect", "err", err)
	}
	c.renderer.Close()
	c.input.close()
	cancel()
	<-writerDone
	if dropped := c.input.Dropped(); dropped > 0 {
		c.log.Debug("server: microphone blocks dropped", "count", dropped)
	}
	c.log.Info("server: client disconnected")
	conn.Close(websocket.StatusNormalClosure, "")
}

func (c *client) hooks() session.Hooks {
	return session.Hooks{
		OnStatus: func(st session.Status) {
			c.send(statusMessage(st), false)
			if st.State == session.StateIdle {
				c.send(SignalMessage{Type: MsgFlush}, false)
			}
		},
		OnPartial: func(t transcript.Turn) {
			c.send(PartialMessage{Type: MsgPartial, User: t.UserText, Model: t.ModelText}, false)
		},
		OnMessages: func(mode string, msgs []transcript.Message) {
			c.send(MessagesMessage{Type: MsgMessages, Mode: mode, Messages: msgs}, false)
		},
		OnError: func(err error, _ string) {
			c.send(errorMessage(err), false)
		},
		OnLevel: func(l audio.Level) {
			c.send(LevelMessage{Type: MsgLevel, RMS: l.RMS, Peak: l.Peak, Bands: l.Bands}, true)
		},
		OnBargeIn: func(string) {
			c.send(SignalMessage{Type: MsgFlush}, false)
		},
	}
}

// send queues a JSON message. A droppable message is discarded when the
// queue is full; any other overflow disconnects the client. It reports
// whether the message was queued.
func (c *client) send(v any, droppable bool) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("server: encode message", "err", err)
		return false
	}
	return c.enqueue(outbound{typ: websocket.MessageText, data: data}, droppable)
}

// sendAudio is the renderer sink.
func (c *client) sendAudio(frame []byte) {
	c.enqueue(outbound{typ: websocket.MessageBinary, data: frame}, false)
}

func (c *client) enqueue(m outbound, droppable bool) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.out <- m:
		return true
	default:
	}
	if droppable {
		return false
	}
	c.log.Warn("server: client too slow, disconnecting")
	c.cancel()
	return false
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.out:
			if err := c.conn.Write(c.ctx, m.typ, m.data); err != nil {
				if c.ctx.Err() == nil {
					c.log.Debug("server: websocket write failed", "err", err)
				}
				c.cancel()
				return
			}
		}
	}
}

func (c *client) readLoop() {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.log.Debug("server: websocket read failed", "err", err)
			}
			return
		}
		if typ == websocket.MessageBinary {
			samples, err := decodeSamples(data)
			if err != nil {
				c.protocolError(err.Error())
				continue
			}
			c.input.push(samples)
			continue
		}
		var m ClientMessage
		if err := json.Unmarshal(data, &m); err != nil {
			c.protocolError("malformed message")
			continue
		}
		c.handle(m)
	}
}

func (c *client) handle(m ClientMessage) {
	switch m.Type {
	case MsgAudioReady:
		if err := c.renderer.Resume(c.ctx); err != nil {
			c.log.Warn("server: resume output", "err", err)
			c.send(errorMessage(session.ErrAudioNotReady), false)
			return
		}
		if !c.attached {
			c.ctrl.AttachOutput(c.renderer)
			c.attached = true
		}
	case MsgMic:
		if !c.input.answer(m) {
			c.log.Debug("server: unsolicited mic message")
		}
	case MsgStart:
		mode := cmp.Or(m.Mode, c.conv.DefaultMode)
		// Start blocks until the browser answers mic_request, which this
		// loop must be free to read.
		go func() {
			err := c.ctrl.Start(c.ctx, mode)
			if session.UserMessage(err) == "" {
				return
			}
			c.log.Info("server: start failed", "mode", mode, "err", err)
			msg := errorMessage(err)
			if _, ok := c.conv.Context.Mode(mode); !ok {
				msg.Code, msg.Message = CodeProtocol, "unknown mode "+mode
			}
			c.send(msg, false)
		}()
	case MsgStop:
		c.ctrl.Stop()
	case MsgBargeIn:
		c.ctrl.BargeIn()
	default:
		c.protocolError("unknown message type " + m.Type)
	}
}

func (c *client) protocolError(msg string) {
	c.log.Debug("server: protocol error", "detail", msg)
	c.send(ErrorMessage{Type: MsgError, Code: CodeProtocol, Message: msg}, false)
}
