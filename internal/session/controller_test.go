package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/history"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/session"
	"github.com/MrWong99/duplex/internal/sysctx"
	"github.com/MrWong99/duplex/internal/transcript"
	"github.com/MrWong99/duplex/internal/voicecmd"
	"github.com/MrWong99/duplex/pkg/audio"
	audiomock "github.com/MrWong99/duplex/pkg/audio/mock"
	"github.com/MrWong99/duplex/pkg/transport"
	transportmock "github.com/MrWong99/duplex/pkg/transport/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var speech = audio.Format{SampleRate: 24000, Channels: 1}

// chunk returns d of PCM16 silence at 24 kHz mono.
func chunk(d time.Duration) audio.PlaybackChunk {
	n := int(speech.Frames(d)) * speech.BytesPerFrame()
	return audio.PlaybackChunk{Data: make([]byte, n), SampleRate: 24000, Channels: 1, Encoding: audio.EncodingPCM16}
}

// recorder collects hook invocations.
type recorder struct {
	mu       sync.Mutex
	statuses []session.Status
	partials []transcript.Turn
	messages []transcript.Message
	errs     []string
}

func (r *recorder) hooks() session.Hooks {
	return session.Hooks{
		OnStatus: func(s session.Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
		OnPartial: func(t transcript.Turn) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.partials = append(r.partials, t)
		},
		OnMessages: func(_ string, msgs []transcript.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, msgs...)
		},
		OnError: func(_ error, msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, msg)
		},
	}
}

func (r *recorder) Messages() []transcript.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript.Message(nil), r.messages...)
}

func (r *recorder) Partials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partials)
}

func (r *recorder) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

type fixture struct {
	ctrl  *session.Controller
	tr    *transportmock.Transport
	in    *audiomock.InputDevice
	out   *audiomock.OutputDevice
	rec   *recorder
	store *history.Memory
}

type option func(*session.Config)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	f := &fixture{
		tr:    &transportmock.Transport{},
		in:    &audiomock.InputDevice{SampleRate: 16000},
		out:   audiomock.NewOutputDevice(speech),
		rec:   &recorder{},
		store: history.NewMemory(),
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := session.Config{
		Transport:    f.tr,
		Input:        f.in,
		Output:       f.out,
		Context:      sysctx.NewBuilder(sysctx.DefaultModes(), sysctx.BehaviorActive, 4),
		Profile:      sysctx.Profile{Name: "Dana"},
		History:      f.store,
		FrameSamples: 160,
		Metrics:      metrics,
		Hooks:        f.rec.hooks(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	f.ctrl, err = session.New(cfg)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { _ = f.ctrl.Close(context.Background()) })
	return f
}

// start runs Start in the background and returns the transport session and
// a channel with Start's result.
func (f *fixture) start(t *testing.T, mode string) (*transportmock.Session, <-chan error) {
	t.Helper()
	res := make(chan error, 1)
	go func() { res <- f.ctrl.Start(context.Background(), mode) }()
	return f.tr.WaitSession(t), res
}

// startActive starts a session and drives it to Active.
func (f *fixture) startActive(t *testing.T) *transportmock.Session {
	t.Helper()
	sess, res := f.start(t, sysctx.ModeGeneral)
	sess.Connect()
	if err := wait(t, res); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sess
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Start")
		return nil
	}
}

// eventually polls the controller until cond holds.
func eventually(t *testing.T, c *session.Controller, what string, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := c.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, snap)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStart_ActivatesOnConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess, res := f.start(t, sysctx.ModeAdvisor)

	if st := f.ctrl.Status(); st.State != session.StateConnecting {
		t.Errorf("state before connected = %v, want connecting", st.State)
	}
	select {
	case err := <-res:
		t.Fatalf("Start returned %v before Connected", err)
	case <-time.After(20 * time.Millisecond):
	}

	sess.Connect()
	if err := wait(t, res); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := f.ctrl.Status()
	if st.State != session.StateActive || !st.Listening || st.Speaking || st.Mode != sysctx.ModeAdvisor {
		t.Errorf("status = %+v", st)
	}
	if !strings.Contains(sess.Config.Instructions, "business advisor") || !strings.Contains(sess.Config.Instructions, "Dana") {
		t.Errorf("instructions = %q", sess.Config.Instructions)
	}
	if sess.Config.InputFormat != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("input format = %v", sess.Config.InputFormat)
	}
}

func TestStart_CaptureFramesReachTransport(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.startActive(t)

	stream := f.in.Last()
	for range 3 {
		stream.Push(make([]float32, 160))
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(sess.Sent()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sent frames = %d, want 3", len(sess.Sent()))
		}
		time.Sleep(2 * time.Millisecond)
	}
	for i, fr := range sess.Sent() {
		if fr.Seq != uint64(i+1) {
			t.Errorf("frame %d seq = %d", i, fr.Seq)
		}
	}
}

func TestStart_Errors(t *testing.T) {
	t.Parallel()

	t.Run("no output device", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *session.Config) { c.Output = nil })
		err := f.ctrl.Start(context.Background(), sysctx.ModeGeneral)
		if !errors.Is(err, session.ErrAudioNotReady) {
			t.Errorf("err = %v, want ErrAudioNotReady", err)
		}
		var se *session.StartupError
		if !errors.As(err, &se) {
			t.Errorf("err %T is not a *StartupError", err)
		}
	})

	t.Run("output cannot resume", func(t *testing.T) {
		t.Parallel()
		out := audiomock.NewSuspendedOutputDevice(speech)
		out.ResumeError = errors.New("autoplay blocked")
		f := newFixture(t, func(c *session.Config) { c.Output = out })
		if err := f.ctrl.Start(context.Background(), sysctx.ModeGeneral); !errors.Is(err, session.ErrAudioNotReady) {
			t.Errorf("err = %v, want ErrAudioNotReady", err)
		}
		if f.tr.OpenCalls() != 0 {
			t.Error("transport opened although audio was not ready")
		}
	})

	t.Run("suspended output is resumed", func(t *testing.T) {
		t.Parallel()
		out := audiomock.NewSuspendedOutputDevice(speech)
		f := newFixture(t, func(c *session.Config) { c.Output = out })
		f.tr.AutoConnect = true
		if err := f.ctrl.Start(context.Background(), sysctx.ModeGeneral); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if !out.Running() {
			t.Error("output not resumed")
		}
	})

	t.Run("already active", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.startActive(t)
		if err := f.ctrl.Start(context.Background(), sysctx.ModeGeneral); !errors.Is(err, session.ErrAlreadyActive) {
			t.Errorf("err = %v, want ErrAlreadyActive", err)
		}
	})

	t.Run("microphone denied", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.in.OpenError = audio.ClassifyDeviceError("NotAllowedError", "")
		err := f.ctrl.Start(context.Background(), sysctx.ModeGeneral)
		var de *audio.DeviceError
		if !errors.As(err, &de) || de.Kind != audio.PermissionDenied {
			t.Fatalf("err = %v, want permission denied", err)
		}
		if got := session.UserMessage(err); !strings.HasPrefix(got, "Microphone permission denied") {
			t.Errorf("UserMessage = %q", got)
		}
		if st := f.ctrl.Status(); st.State != session.StateIdle {
			t.Errorf("state = %v, want idle", st.State)
		}
	})

	t.Run("transport refuses", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.tr.OpenError = errors.New("dial tcp: connection refused")
		err := f.ctrl.Start(context.Background(), sysctx.ModeGeneral)
		var te *transport.Error
		if !errors.As(err, &te) || te.Op != transport.OpConnect {
			t.Fatalf("err = %v, want connect transport error", err)
		}
		if session.UserMessage(err) != session.MsgConnection {
			t.Errorf("UserMessage = %q", session.UserMessage(err))
		}
		if f.in.Last() == nil {
			t.Fatal("microphone never opened")
		}
		select {
		case <-f.in.Last().Done():
		default:
			t.Error("microphone not released after connect failure")
		}
	})

	t.Run("transport fails before connected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sess, res := f.start(t, sysctx.ModeGeneral)
		sess.Fail("setup rejected")
		var te *transport.Error
		if err := wait(t, res); !errors.As(err, &te) {
			t.Errorf("err = %v, want transport error", err)
		}
		if len(f.rec.Errors()) != 0 {
			t.Errorf("OnError called for a Start failure: %v", f.rec.Errors())
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		if err := f.ctrl.Start(context.Background(), "karaoke"); err == nil {
			t.Error("expected error for unknown mode")
		}
	})

	t.Run("connect timeout", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *session.Config) { c.ConnectTimeout = 30 * time.Millisecond })
		_, res := f.start(t, sysctx.ModeGeneral)
		var te *transport.Error
		if err := wait(t, res); !errors.As(err, &te) || !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want connect timeout", err)
		}
	})
}

// Property 6: two chunks play back to back and the turn yields both
// messages.
func TestConversation_HelloHiThere(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.startActive(t)

	sess.Say(transport.SpeakerUser, "Hello")
	sess.Audio(chunk(time.Second))
	sess.Say(transport.SpeakerModel, "Hi ")
	sess.Audio(chunk(500 * time.Millisecond))
	sess.Say(transport.SpeakerModel, "there")

	snap := eventually(t, f.ctrl, "both chunks scheduled", func(s session.Snapshot) bool {
		return len(s.Playing) == 2 && s.Pending.ModelText == "Hi there"
	})
	if !snap.Status.Speaking {
		t.Error("not speaking with audio scheduled")
	}
	if snap.Playing[0].Start != 0 || snap.Playing[1].Start != time.Second {
		t.Errorf("starts = %v, %v; want 0s, 1s", snap.Playing[0].Start, snap.Playing[1].Start)
	}
	if snap.NextPlaybackTime != 1500*time.Millisecond || snap.Scheduled != 1500*time.Millisecond {
		t.Errorf("cursor = %v scheduled = %v, want 1.5s each", snap.NextPlaybackTime, snap.Scheduled)
	}

	sess.TurnComplete()
	eventually(t, f.ctrl, "turn finalized", func(s session.Snapshot) bool { return s.Pending.Empty() })

	msgs := f.rec.Messages()
	if len(msgs) != 2 || msgs[0].Role != transcript.RoleUser || msgs[0].Text != "Hello" ||
		msgs[1].Role != transcript.RoleModel || msgs[1].Text != "Hi there" {
		t.Fatalf("messages = %+v", msgs)
	}

	f.out.Advance(time.Second)
	if snap := f.ctrl.Snapshot(); !snap.Status.Speaking || len(snap.Playing) != 1 {
		t.Errorf("after 1s: speaking=%v playing=%d, want true/1", snap.Status.Speaking, len(snap.Playing))
	}
	f.out.Advance(500 * time.Millisecond)
	if snap := f.ctrl.Snapshot(); snap.Status.Speaking || len(snap.Playing) != 0 {
		t.Errorf("after 1.5s: speaking=%v playing=%d, want false/0", snap.Status.Speaking, len(snap.Playing))
	}

	// Finalized messages are persisted in order.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, _ := f.store.Messages(context.Background(), sysctx.ModeGeneral, 10)
		if len(stored) == 2 {
			if stored[0].Text != "Hello" || stored[1].Text != "Hi there" {
				t.Errorf("stored = %+v", stored)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored %d messages, want 2", len(stored))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Property 7: an interruption 0.3s into a 1.0s buffer stops it and the
// next chunk starts at the current clock.
func TestConversation_InterruptedMidBuffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.startActive(t)

	sess.Say(transport.SpeakerModel, "Let me tell you a long")
	sess.Audio(chunk(time.Second))
	eventually(t, f.ctrl, "chunk scheduled", func(s session.Snapshot) bool { return len(s.Playing) == 1 })

	f.out.Advance(300 * time.Millisecond)
	sess.Interrupt()
	snap := eventually(t, f.ctrl, "barge-in", func(s session.Snapshot) bool { return len(s.Playing) == 0 })
	if snap.Status.Speaking {
		t.Error("still speaking after interruption")
	}
	if snap.NextPlaybackTime != 300*time.Millisecond {
		t.Errorf("cursor = %v, want 300ms", snap.NextPlaybackTime)
	}
	if f.out.Stops() != 1 {
		t.Errorf("stopped voices = %d, want 1", f.out.Stops())
	}
	if snap.Pending.ModelText == "" {
		t.Error("interruption finalized or cleared the pending turn")
	}
	if len(f.rec.Messages()) != 0 {
		t.Error("interruption emitted messages")
	}

	sess.Audio(chunk(200 * time.Millisecond))
	snap = eventually(t, f.ctrl, "next chunk", func(s session.Snapshot) bool { return len(s.Playing) == 1 })
	if snap.Playing[0].Start != 300*time.Millisecond {
		t.Errorf("next chunk starts at %v, want 300ms", snap.Playing[0].Start)
	}
}

// Property 2: user barge-in clears every handle and the next chunk starts
// now.
func TestBargeIn_ClearsPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.startActive(t)

	sess.Audio(chunk(time.Second))
	sess.Audio(chunk(time.Second))
	eventually(t, f.ctrl, "two chunks", func(s session.Snapshot) bool { return len(s.Playing) == 2 })

	f.out.Advance(100 * time.Millisecond)
	f.ctrl.BargeIn()
	snap := eventually(t, f.ctrl, "cleared", func(s session.Snapshot) bool { return len(s.Playing) == 0 })
	if snap.Status.Speaking || snap.NextPlaybackTime != 100*time.Millisecond {
		t.Errorf("speaking=%v cursor=%v", snap.Status.Speaking, snap.NextPlaybackTime)
	}
	if f.out.Active() != 0 {
		t.Errorf("device still has %d voices", f.out.Active())
	}
	if snap.Status.State != session.StateActive || !snap.Status.Listening {
		t.Errorf("barge-in ended the session: %+v", snap.Status)
	}

	// Late completion callbacks of cancelled buffers are ignored.
	f.out.Advance(5 * time.Second)
	sess.Audio(chunk(100 * time.Millisecond))
	snap = eventually(t, f.ctrl, "new chunk", func(s session.Snapshot) bool { return len(s.Playing) == 1 })
	if snap.Playing[0].Start != f.out.Now() {
		t.Errorf("new chunk at %v, want now %v", snap.Playing[0].Start, f.out.Now())
	}
}

func TestBargeIn_StopPhrase(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *session.Config) { c.StopPhrases = voicecmd.New([]string{"hold on"}) })
	sess := f.startActive(t)

	// Stop phrases only count while the model speaks.
	sess.Say(transport.SpeakerUser, "hold on ")
	sess.Audio(chunk(time.Second))
	eventually(t, f.ctrl, "speaking", func(s session.Snapshot) bool { return s.Status.Speaking })

	sess.Say(transport.SpeakerUser, "wait, hold")
	sess.Say(transport.SpeakerUser, " on please")
	snap := eventually(t, f.ctrl, "voice barge-in", func(s session.Snapshot) bool { return !s.Status.Speaking })
	if len(snap.Playing) != 0 {
		t.Errorf("playing = %d after stop phrase", len(snap.Playing))
	}
}

func TestPlayback_DecodeErrorDropsChunk(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.startActive(t)

	sess.Audio(audio.PlaybackChunk{Data: []byte{1, 2, 3}, SampleRate: 24000, Channels: 1})
	sess.Audio(chunk(100 * time.Millisecond))
	snap := eventually(t, f.ctrl, "good chunk", func(s session.Snapshot) bool { return len(s.Playing) == 1 })
	if snap.Playing[0].Start != 0 {
		t.Errorf("good chunk starts at %v, want 0", snap.Playing[0].Start)
	}
	if snap.Status.State != session.StateActive {
		t.Errorf("decode error ended the session: %v", snap.Status.State)
	}
}

// Property 5: Stop is idempotent from every state and the old transport
// cannot affect the controller afterwards.
func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	t.Run("idle", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.ctrl.Stop()
		f.ctrl.Stop()
		if st := f.ctrl.Status(); st.State != session.StateIdle {
			t.Errorf("state = %v", st.State)
		}
	})

	t.Run("connecting", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.tr.Gate = make(chan struct{})
		res := make(chan error, 1)
		go func() { res <- f.ctrl.Start(context.Background(), sysctx.ModeGeneral) }()
		eventually(t, f.ctrl, "connecting", func(s session.Snapshot) bool {
			return s.Status.State == session.StateConnecting && f.tr.OpenCalls() == 1
		})

		f.ctrl.Stop()
		f.ctrl.Stop()
		if err := wait(t, res); !errors.Is(err, session.ErrStopped) {
			t.Errorf("Start = %v, want ErrStopped", err)
		}
		if session.UserMessage(session.ErrStopped) != "" || session.UserMessage(session.ErrClosed) != "" {
			t.Error("ErrStopped and ErrClosed should not produce a user message")
		}
		close(f.tr.Gate)
		if st := f.ctrl.Status(); st.State != session.StateIdle {
			t.Errorf("state = %v", st.State)
		}
	})

	t.Run("active", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sess := f.startActive(t)
		sess.Say(transport.SpeakerUser, "half a sentence")
		sess.Audio(chunk(time.Second))
		eventually(t, f.ctrl, "speaking", func(s session.Snapshot) bool { return s.Status.Speaking })
		partials := f.rec.Partials()

		f.ctrl.Stop()
		f.ctrl.Stop()

		snap := f.ctrl.Snapshot()
		if snap.Status.State != session.StateIdle || snap.NextPlaybackTime != 0 || !snap.Pending.Empty() {
			t.Errorf("after Stop: %+v", snap)
		}
		select {
		case <-sess.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("transport session not closed")
		}
		if !sess.Closed() {
			t.Error("transport Close not called")
		}

		// Events from the old session are ignored.
		sess.Say(transport.SpeakerModel, "ghost")
		sess.Audio(chunk(time.Second))
		sess.TurnComplete()
		snap = f.ctrl.Snapshot()
		if len(snap.Playing) != 0 || !snap.Pending.Empty() || f.rec.Partials() != partials || len(f.rec.Messages()) != 0 {
			t.Errorf("old transport affected the controller: %+v", snap)
		}
	})
}

func TestStop_StaleConnectResultIsClosed(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	slow := &gatedTransport{gate: gate, inner: &transportmock.Transport{}}
	f := newFixture(t, func(c *session.Config) { c.Transport = slow })

	res := make(chan error, 1)
	go func() { res <- f.ctrl.Start(context.Background(), sysctx.ModeGeneral) }()
	eventually(t, f.ctrl, "connecting", func(s session.Snapshot) bool { return s.Status.State == session.StateConnecting })
	f.ctrl.Stop()
	if err := wait(t, res); !errors.Is(err, session.ErrStopped) {
		t.Fatalf("Start = %v, want ErrStopped", err)
	}

	close(gate)
	sess := slow.inner.WaitSession(t)
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("late transport session was not closed")
	}
	if st := f.ctrl.Status(); st.State != session.StateIdle {
		t.Errorf("state = %v, want idle", st.State)
	}
}

// gatedTransport ignores cancellation while opening, like a transport whose
// dial cannot be interrupted.
type gatedTransport struct {
	gate  chan struct{}
	inner *transportmock.Transport
}

func (g *gatedTransport) Name() string { return "gated" }

func (g *gatedTransport) Open(_ context.Context, cfg transport.Config) (transport.Session, error) {
	<-g.gate
	return g.inner.Open(context.Background(), cfg)
}

func TestTransportError_SurfacesAndStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.startActive(t)
	sess.Audio(chunk(time.Second))

	sess.Fail("socket reset")
	eventually(t, f.ctrl, "idle", func(s session.Snapshot) bool { return s.Status.State == session.StateIdle })

	errs := f.rec.Errors()
	if len(errs) != 1 || errs[0] != session.MsgConnection {
		t.Errorf("errors = %v, want [%q]", errs, session.MsgConnection)
	}
	if f.out.Active() != 0 {
		t.Error("playback not cancelled on transport error")
	}

	// A new session can start afterwards.
	sess2, res := f.start(t, sysctx.ModeGeneral)
	sess2.Connect()
	if err := wait(t, res); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestTransportClosed_Stops(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.startActive(t)
	sess.Hangup()
	eventually(t, f.ctrl, "idle", func(s session.Snapshot) bool { return s.Status.State == session.StateIdle })
	if len(f.rec.Errors()) != 0 {
		t.Errorf("clean close reported errors: %v", f.rec.Errors())
	}
}

func TestStart_IncludesRecentHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_ = f.store.AppendMessages(context.Background(), sysctx.ModeGeneral, []transcript.Message{
		{ID: "1", Role: transcript.RoleUser, Text: "My supplier is late again."},
	})

	sess := f.startActive(t)
	if !strings.Contains(sess.Config.Instructions, "- User: My supplier is late again.") {
		t.Errorf("instructions lack recent history:\n%s", sess.Config.Instructions)
	}
}

func TestClose_RejectsFurtherCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.startActive(t)
	if err := f.ctrl.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the active session")
	}
	if err := f.ctrl.Start(context.Background(), sysctx.ModeGeneral); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestAttachOutput_EnablesStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *session.Config) { c.Output = nil })
	if err := f.ctrl.Start(context.Background(), sysctx.ModeGeneral); !errors.Is(err, session.ErrAudioNotReady) {
		t.Fatalf("err = %v", err)
	}
	f.ctrl.AttachOutput(f.out)
	f.tr.AutoConnect = true
	if err := f.ctrl.Start(context.Background(), sysctx.ModeGeneral); err != nil {
		t.Fatalf("Start after AttachOutput: %v", err)
	}
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()
	if _, err := session.New(session.Config{}); err == nil {
		t.Error("expected validation error")
	}
}

// heldOutput keeps completion callbacks so a test can fire them late.
type heldOutput struct {
	*audiomock.OutputDevice
	mu    sync.Mutex
	ended []func()
}

func (d *heldOutput) Schedule(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	d.mu.Lock()
	d.ended = append(d.ended, onEnded)
	d.mu.Unlock()
	return d.OutputDevice.Schedule(buf, at, nil)
}

func (d *heldOutput) fire(i int) {
	d.mu.Lock()
	fn := d.ended[i]
	d.mu.Unlock()
	fn()
}

func TestAttachOutput_LateCompletionFromOldDevice(t *testing.T) {
	t.Parallel()
	old := &heldOutput{OutputDevice: audiomock.NewOutputDevice(speech)}
	f := newFixture(t, func(c *session.Config) { c.Output = old })
	sess := f.startActive(t)

	sess.Audio(chunk(time.Second))
	eventually(t, f.ctrl, "speaking on old device", func(s session.Snapshot) bool { return s.Status.Speaking })

	replacement := audiomock.NewOutputDevice(speech)
	f.ctrl.AttachOutput(replacement)
	sess.Audio(chunk(time.Second))
	eventually(t, f.ctrl, "speaking on new device", func(s session.Snapshot) bool {
		return s.Status.Speaking && len(s.Playing) == 1
	})

	// Both schedulers issued handle 1. The old device reports its buffer
	// finished after it was replaced.
	old.fire(0)
	snap := f.ctrl.Snapshot()
	if len(snap.Playing) != 1 || !snap.Status.Speaking {
		t.Fatalf("late completion from replaced device removed live audio: %+v", snap)
	}

	replacement.Advance(time.Second)
	eventually(t, f.ctrl, "silent", func(s session.Snapshot) bool {
		return !s.Status.Speaking && len(s.Playing) == 0
	})
}
