package discord

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	// inputBuffer is the number of decoded packets (20 ms each) buffered
	// for the capture pipeline.
	inputBuffer = 64

	// outputBuffer is the number of rendered frames queued for encoding.
	// It bounds how much speech is still sent after a Flush races with
	// the encoder.
	outputBuffer = 8

	// speakingIdle is how long output must be silent before the bot stops
	// showing as speaking.
	speakingIdle = 200 * time.Millisecond
)

var errDisconnected = errors.New("discord: voice connection closed")

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	guildID string

	mu       sync.Mutex
	stream   *audio.PushStream
	listen   string
	ssrcUser map[uint32]string
	dropped  uint64

	output chan []byte

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts its receive and send loops.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		ssrcUser:     make(map[uint32]string),
		output:       make(chan []byte, outputBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	if session != nil {
		c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	}
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	go c.sendLoop()
	return c
}

// Format implements [audio.Connection].
func (c *Connection) Format() audio.Format { return Format }

// Open implements [audio.InputDevice]. It replaces any stream opened before.
func (c *Connection) Open(ctx context.Context) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, audio.AsDeviceError(audio.NoDeviceFound, errDisconnected)
	default:
	}
	s := audio.NewPushStream(opusSampleRate, inputBuffer)
	c.mu.Lock()
	if c.stream != nil {
		c.stream.Close()
	}
	c.stream = s
	c.mu.Unlock()
	return s, nil
}

// Listen implements [audio.Connection]. Packets from an SSRC that Discord
// has not yet attributed to a user are captured.
func (c *Connection) Listen(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listen = userID
}

// Send implements [audio.Connection]. frame must be 48 kHz stereo PCM16.
func (c *Connection) Send(frame []byte) {
	select {
	case <-c.done:
	case c.output <- frame:
	default:
		slog.Debug("discord: output queue full, dropping frame")
	}
}

// Flush implements [audio.Connection].
func (c *Connection) Flush() {
	for {
		select {
		case <-c.output:
		default:
			return
		}
	}
}

// Dropped returns the number of decoded packets dropped because the capture
// pipeline fell behind or no stream was open.
func (c *Connection) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// OnParticipantChange registers cb as the callback for participant join/leave events.
// Only one callback may be registered; subsequent calls replace the previous one.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect cleanly tears down the voice connection and stops all background
// goroutines. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		c.mu.Lock()
		if c.stream != nil {
			c.stream.Close()
			c.stream = nil
		}
		c.mu.Unlock()
	})
	return err
}

// recvLoop reads Opus packets from the Discord voice connection, decodes
// them per SSRC, and feeds the open capture stream.
func (c *Connection) recvLoop() {
	// Each SSRC gets its own decoder to maintain state across frames.
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil || !c.accepts(pkt.SSRC) {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			samples, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}

			c.mu.Lock()
			stream := c.stream
			c.mu.Unlock()
			if stream == nil || !stream.TryPush(samples) {
				c.mu.Lock()
				c.dropped++
				c.mu.Unlock()
			}
		}
	}
}

// accepts reports whether audio from ssrc should be captured.
func (c *Connection) accepts(ssrc uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listen == "" {
		return true
	}
	user, known := c.ssrcUser[ssrc]
	return !known || user == c.listen
}

// sendLoop encodes queued PCM frames to Opus and sends them on the voice
// connection, toggling the speaking indicator around bursts of output.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "err", err)
		return
	}

	idle := time.NewTimer(speakingIdle)
	idle.Stop()
	defer idle.Stop()

	speaking := false
	var buf []byte
	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return
		case <-idle.C:
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}
			// A partial frame left over from the last burst would be glued
			// onto the next one.
			buf = buf[:0]
		case frame := <-c.output:
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
			idle.Reset(speakingIdle)

			buf = append(buf, frame...)
			for len(buf) >= opusFrameBytes {
				packet, err := enc.encode(buf[:opusFrameBytes])
				buf = buf[opusFrameBytes:]
				if err != nil {
					slog.Warn("discord: opus encode error", "err", err)
					continue
				}
				select {
				case c.vc.OpusSend <- packet:
				case <-c.done:
					return
				}
			}
		}
	}
}

// handleSpeakingUpdate learns which user an SSRC belongs to.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.mu.Unlock()
}

// handleVoiceStateUpdate processes Discord VoiceStateUpdate events to detect
// participant joins and leaves for the voice channel this connection is on.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}

	channelID := c.vc.ChannelID
	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	switch {
	case vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID:
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
	case vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID):
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "err", err)
	}
}

// emitEvent safely invokes the registered participant change callback.
func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

// SSRCToUserID returns the user ID associated with ssrc, or the SSRC as a
// string when Discord has not reported its speaker yet.
func (c *Connection) SSRCToUserID(ssrc uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if user, ok := c.ssrcUser[ssrc]; ok {
		return user
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}
