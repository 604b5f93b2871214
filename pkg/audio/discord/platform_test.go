package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// silenceOpus is a valid Opus silence frame.
var silenceOpus = []byte{0xF8, 0xFF, 0xFE}

// newTestConnection creates a Connection suitable for unit testing without
// a real Discord voice connection. It wires up fake OpusSend/OpusRecv
// channels; loops are started only when start is true.
func newTestConnection(t *testing.T, start bool) *Connection {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		ChannelID: "voice-1",
		OpusSend:  make(chan []byte, 16),
		OpusRecv:  make(chan *discordgo.Packet, 16),
	}
	c := &Connection{
		vc:           vc,
		guildID:      "guild-test",
		ssrcUser:     make(map[uint32]string),
		output:       make(chan []byte, outputBuffer),
		done:         make(chan struct{}),
		disconnectVC: func() error { return nil },
	}
	if start {
		go c.recvLoop()
		go c.sendLoop()
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func openStream(t *testing.T, c *Connection) audio.CaptureStream {
	t.Helper()
	s, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func nextBlock(t *testing.T, s audio.CaptureStream) []float32 {
	t.Helper()
	select {
	case b, ok := <-s.Samples():
		if !ok {
			t.Fatal("capture stream closed")
		}
		return b
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for captured samples")
		return nil
	}
}

func TestNewPlatform(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	p := New(s, "guild-123")
	if p.session != s {
		t.Error("session not stored correctly")
	}
	if p.guildID != "guild-123" {
		t.Errorf("guildID = %q, want %q", p.guildID, "guild-123")
	}
}

func TestPlatform_ConnectRespectsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(&discordgo.Session{}, "guild").Connect(ctx, "voice-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Connect error = %v, want context.Canceled", err)
	}
}

func TestConnection_Format(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, false)
	if got := c.Format(); got != (audio.Format{SampleRate: 48000, Channels: 2}) {
		t.Errorf("Format = %v", got)
	}
}

func TestConnection_CapturesDecodedMono(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, true)
	s := openStream(t, c)
	if s.SampleRate() != opusSampleRate {
		t.Errorf("SampleRate = %d, want %d", s.SampleRate(), opusSampleRate)
	}

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	if got := len(nextBlock(t, s)); got != opusFrameSize {
		t.Errorf("block = %d samples, want %d", got, opusFrameSize)
	}
}

func TestConnection_ListenFiltersOtherSpeakers(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, true)
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 100})
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "bob", SSRC: 200})
	c.Listen("alice")
	s := openStream(t, c)

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: silenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	nextBlock(t, s)

	select {
	case <-s.Samples():
		t.Error("received audio from a filtered speaker")
	case <-time.After(50 * time.Millisecond):
	}

	if got := c.SSRCToUserID(200); got != "bob" {
		t.Errorf("SSRCToUserID(200) = %q, want bob", got)
	}
	if got := c.SSRCToUserID(300); got != "300" {
		t.Errorf("SSRCToUserID(300) = %q, want 300", got)
	}
}

func TestConnection_DropsWithoutStream(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, true)
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}

	deadline := time.Now().Add(time.Second)
	for c.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("packet without an open stream was not counted as dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnection_OpenReplacesStream(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, false)
	first := openStream(t, c).(*audio.PushStream)
	openStream(t, c)
	select {
	case <-first.Done():
	default:
		t.Error("first stream still open after second Open")
	}
}

func TestConnection_SendEncodes(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, true)
	// Two half frames make one Opus packet.
	c.Send(make([]byte, opusFrameBytes/2))
	c.Send(make([]byte, opusFrameBytes/2))

	select {
	case packet := <-c.vc.OpusSend:
		if len(packet) == 0 {
			t.Error("OpusSend: received empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Opus packet on OpusSend")
	}
}

func TestConnection_Flush(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, false)
	for range outputBuffer + 2 {
		c.Send(make([]byte, opusFrameBytes))
	}
	if len(c.output) != outputBuffer {
		t.Fatalf("queued = %d, want %d", len(c.output), outputBuffer)
	}
	c.Flush()
	if len(c.output) != 0 {
		t.Errorf("queued after Flush = %d, want 0", len(c.output))
	}
}

func TestConnection_ParticipantEvents(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, false)
	events := make(chan audio.Event, 4)
	c.OnParticipantChange(func(ev audio.Event) { events <- ev })

	member := &discordgo.Member{User: &discordgo.User{Username: "Alice"}}
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "alice", ChannelID: "voice-1", Member: member},
	})
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", UserID: "alice", ChannelID: "", Member: member},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "voice-1"},
	})
	// Other guilds are ignored.
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "elsewhere", UserID: "bob", ChannelID: "voice-1"},
	})

	want := []audio.EventType{audio.EventJoin, audio.EventLeave}
	got := make(map[audio.EventType]audio.Event)
	for range want {
		select {
		case ev := <-events:
			got[ev.Type] = ev
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for participant events")
		}
	}
	for _, typ := range want {
		ev, ok := got[typ]
		if !ok {
			t.Errorf("missing %v event", typ)
			continue
		}
		if ev.UserID != "alice" || ev.Username != "Alice" {
			t.Errorf("%v event = %+v", typ, ev)
		}
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnection_OpenAfterDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, false)
	s := openStream(t, c).(*audio.PushStream)
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("capture stream still open after Disconnect")
	}

	_, err := c.Open(context.Background())
	var de *audio.DeviceError
	if !errors.As(err, &de) || de.Kind != audio.NoDeviceFound {
		t.Errorf("Open after Disconnect = %v, want NoDeviceFound", err)
	}
}

func TestConnection_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, true)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = c.Disconnect()
		})
	}
	wg.Wait()
}
