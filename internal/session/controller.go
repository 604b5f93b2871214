// Package session coordinates one live voice conversation at a time.
//
// A [Controller] owns the microphone capture pipeline, the streaming
// transport session, the playback scheduler, and the transcript aggregator
// of its conversation context. All of that state belongs to a single
// goroutine (the controller loop). Everything else (API calls, the
// transport event pump, output-device completion callbacks) talks to it by
// posting messages, so no lock guards session state and cancellation is
// atomic with respect to newly arriving audio.
//
// Lifecycle:
//
//	Idle → Connecting → Active(Listening, Speaking) → Closing → Idle
//
// Microphone acquisition and transport open are the only blocking steps.
// They run off the loop under a cancelable context; a result that arrives
// after Stop is closed immediately.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/duplex/internal/history"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/sysctx"
	"github.com/MrWong99/duplex/internal/transcript"
	"github.com/MrWong99/duplex/internal/voicecmd"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/audio/capture"
	"github.com/MrWong99/duplex/pkg/audio/playback"
	"github.com/MrWong99/duplex/pkg/transport"
	"go.opentelemetry.io/otel/trace"
)

// State is the coarse lifecycle state of a controller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is what a UI shows about the conversation. Listening and Speaking
// are only meaningful while Active.
type Status struct {
	State     State
	Mode      string
	Listening bool
	Speaking  bool
}

// Hooks receive session output. Every hook is optional. OnLevel runs on the
// capture goroutine; all other hooks run on the controller loop. Hooks must
// not block and must not call Controller methods synchronously.
type Hooks struct {
	// OnStatus is called whenever Status changes.
	OnStatus func(Status)

	// OnPartial is called after every partial transcript with the pending
	// turn.
	OnPartial func(transcript.Turn)

	// OnMessages is called with the messages of every finalized turn.
	OnMessages func(mode string, msgs []transcript.Message)

	// OnError is called when a running session fails, with the message to
	// show. Failures of Start are returned to its caller instead.
	OnError func(err error, message string)

	// OnLevel receives the microphone level of every capture frame.
	OnLevel func(audio.Level)

	// OnBargeIn is called after scheduled speech was cancelled, with the
	// cause (see the observe.Cause constants). Clients that buffer audio
	// downstream of the output device should drop it.
	OnBargeIn func(cause string)
}

// Config configures a Controller.
type Config struct {
	// Transport opens conversation sessions. Required.
	Transport transport.Transport

	// Input is the microphone. Required.
	Input audio.InputDevice

	// Output is the shared output timeline. It may be attached later with
	// [Controller.AttachOutput]; Start fails with [ErrAudioNotReady] until
	// then.
	Output audio.OutputDevice

	// Context renders the system context for a mode. Required.
	Context *sysctx.Builder

	// Profile describes the user to the model.
	Profile sysctx.Profile

	// History persists finalized messages and supplies recent messages for
	// the system context. Optional.
	History history.Store

	// StopPhrases barges in when the user says one while the model speaks.
	// Optional.
	StopPhrases *voicecmd.Detector

	// Voice is the provider voice name.
	Voice string

	// GroundedSearch asks the provider to ground answers in web search.
	GroundedSearch bool

	// WireFormat is the capture frame format. Default 16 kHz mono.
	WireFormat audio.Format

	// FrameSamples is the capture frame size in device samples. Default
	// [capture.DefaultFrameSamples].
	FrameSamples int

	// ConnectTimeout bounds microphone acquisition plus transport connect.
	// Zero means no limit beyond the Start context.
	ConnectTimeout time.Duration

	// Metrics records session metrics. Default [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Hooks Hooks
}

// Snapshot is a consistent view of the controller's state, taken on the
// loop.
type Snapshot struct {
	Status Status

	// NextPlaybackTime is the scheduler cursor.
	NextPlaybackTime time.Duration

	// Scheduled is the summed duration scheduled since the last
	// cancellation.
	Scheduled time.Duration

	// Playing lists the active playback handles by start time.
	Playing []playback.Entry

	// Pending is the turn being assembled.
	Pending transcript.Turn

	// Capture counts frames of the current session.
	Capture capture.Stats
}

type connectResult struct {
	stream audio.CaptureStream
	ts     transport.Session
	err    error
}

// activeSession is the state of one Start..Stop cycle. It is only touched
// on the loop.
type activeSession struct {
	gen       uint64
	mode      string
	startedAt time.Time
	cancel    context.CancelFunc
	span      trace.Span

	stream   audio.CaptureStream
	ts       transport.Session
	pipeline *capture.Pipeline

	connected bool
	speaking  bool

	// up is closed once the transport reports connected.
	up chan struct{}

	// userSinceSpeaking is user speech heard while the model was speaking,
	// scanned for stop phrases.
	userSinceSpeaking string

	// reply receives the outcome of Start; nil once answered.
	reply chan error
}

// Controller runs conversations for one conversation context.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics
	writer  *history.Writer
	log     *slog.Logger

	cmds chan func()
	done chan struct{}

	// Loop-owned.
	out     audio.OutputDevice
	sched   *playback.Scheduler
	decoder *audio.Decoder
	agg     *transcript.Aggregator
	sess    *activeSession
	gen     uint64
	status  Status
	closing bool
}

// New validates cfg and starts the controller loop. Call [Controller.Close]
// to release it.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Transport == nil {
		errs = append(errs, errors.New("transport is required"))
	}
	if cfg.Input == nil {
		errs = append(errs, errors.New("input device is required"))
	}
	if cfg.Context == nil {
		errs = append(errs, errors.New("system context builder is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if !cfg.WireFormat.Valid() {
		cfg.WireFormat = capture.DefaultWireFormat
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = capture.DefaultFrameSamples
	}

	c := &Controller{
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     slog.With("provider", cfg.Transport.Name()),
		cmds:    make(chan func(), 64),
		done:    make(chan struct{}),
		agg:     transcript.New(),
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if cfg.History != nil {
		c.writer = history.NewWriter(cfg.History)
	}
	if cfg.Output != nil {
		c.attachOutput(cfg.Output)
	}
	go c.loop()
	return c, nil
}

func (c *Controller) loop() {
	defer close(c.done)
	for !c.closing {
		fn := <-c.cmds
		fn()
	}
}

// post enqueues fn on the loop. It reports false once the controller has
// been closed.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(fn func()) bool {
	finished := make(chan struct{})
	if !c.post(func() { fn(); close(finished) }) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		// fn may have run right before the loop exited.
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// ─── Public API ──────────────────────────────────────────────────────────────

// Start begins a conversation in mode. It returns once the session is
// active or the attempt failed. See the package documentation for the
// failure classes; [UserMessage] turns any of them into display text.
func (c *Controller) Start(ctx context.Context, mode string) error {
	reply := make(chan error, 1)
	if !c.post(func() { c.start(ctx, mode, reply) }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Stop ends the current session from any state. It is idempotent and
// returns once the session is torn down.
func (c *Controller) Stop() {
	c.call(func() { c.teardown(ErrStopped) })
}

// BargeIn cancels the model's speech immediately. Capture and the transport
// stay up. It is a logged no-op while no session is active.
func (c *Controller) BargeIn() {
	c.post(func() { c.bargeIn(observe.CauseUser) })
}

// AttachOutput replaces the output device. Audio scheduled on a previous
// device is cancelled.
func (c *Controller) AttachOutput(dev audio.OutputDevice) {
	c.call(func() { c.attachOutput(dev) })
}

// Status returns the current status.
func (c *Controller) Status() Status {
	var st Status
	c.call(func() { st = c.status })
	return st
}

// Snapshot returns a consistent copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	var snap Snapshot
	c.call(func() {
		snap.Status = c.status
		snap.Pending = c.agg.Pending()
		if c.sched != nil {
			snap.NextPlaybackTime = c.sched.NextPlaybackTime()
			snap.Scheduled = c.sched.Scheduled()
			snap.Playing = c.sched.Entries()
		}
		if c.sess != nil {
			snap.Capture = c.sess.pipeline.Stats()
		}
	})
	return snap
}

// Close stops any session, flushes history writes, and ends the loop.
func (c *Controller) Close(ctx context.Context) error {
	c.post(func() {
		c.teardown(ErrClosed)
		c.closing = true
	})
	<-c.done
	if c.writer != nil {
		return c.writer.Close(ctx)
	}
	return nil
}

// ─── Loop handlers ───────────────────────────────────────────────────────────

func (c *Controller) attachOutput(dev audio.OutputDevice) {
	if c.sched != nil {
		c.sched.Reset()
	}
	c.out = dev
	c.sched = nil
	c.decoder = nil
	if dev != nil {
		c.sched = playback.New(dev)
		c.decoder = audio.NewDecoder(dev.Format())
	}
	if c.sess != nil {
		c.sess.speaking = false
		c.publishStatus()
	}
}

func (c *Controller) start(ctx context.Context, mode string, reply chan error) {
	if err := c.ensureOutput(ctx); err != nil {
		c.log.Warn("session: start refused", "mode", mode, "err", err)
		c.metrics.RecordSessionStart(ctx, observe.OutcomeNotReady)
		reply <- err
		return
	}
	if c.sess != nil {
		c.metrics.RecordSessionStart(ctx, observe.OutcomeBusy)
		reply <- ErrAlreadyActive
		return
	}
	if _, ok := c.cfg.Context.Mode(mode); !ok {
		reply <- fmt.Errorf("session: unknown mode %q", mode)
		return
	}

	c.gen++
	base := context.WithoutCancel(ctx)
	var (
		cctx   context.Context
		cancel context.CancelFunc
	)
	if c.cfg.ConnectTimeout > 0 {
		cctx, cancel = context.WithTimeout(base, c.cfg.ConnectTimeout)
	} else {
		cctx, cancel = context.WithCancel(base)
	}
	cctx, span := observe.StartConnectSpan(cctx, mode, c.cfg.Transport.Name(), c.gen)
	s := &activeSession{
		gen:       c.gen,
		mode:      mode,
		startedAt: time.Now(),
		cancel:    cancel,
		span:      span,
		up:        make(chan struct{}),
		reply:     reply,
	}
	s.pipeline = capture.New(
		capture.WithFrameSamples(c.cfg.FrameSamples),
		capture.WithWireFormat(c.cfg.WireFormat),
		capture.WithLevelFunc(c.cfg.Hooks.OnLevel),
	)
	c.sess = s
	c.setStatus(Status{State: StateConnecting, Mode: mode})
	c.log.Info("session: connecting", "mode", mode, "gen", s.gen)

	// A caller that gives up on Start, or the connect timeout, ends the
	// attempt. Once connected neither matters.
	go func() {
		select {
		case <-s.up:
		case <-ctx.Done():
			c.post(func() { c.connectExpired(s.gen, ctx.Err()) })
		case <-cctx.Done():
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				c.post(func() { c.connectExpired(s.gen, cctx.Err()) })
			}
		}
	}()

	go c.connect(cctx, s.gen, mode)
}

// connect acquires the microphone and opens the transport off the loop.
func (c *Controller) connect(ctx context.Context, gen uint64, mode string) {
	instructions := c.systemContext(ctx, mode)

	stream, err := c.cfg.Input.Open(ctx)
	if err != nil {
		c.post(func() { c.connected(gen, connectResult{err: err}) })
		return
	}
	ts, err := c.cfg.Transport.Open(ctx, transport.Config{
		Instructions:   instructions,
		Voice:          c.cfg.Voice,
		InputFormat:    c.cfg.WireFormat,
		GroundedSearch: c.cfg.GroundedSearch,
	})
	if err != nil {
		var te *transport.Error
		if !errors.As(err, &te) {
			err = transport.NewError(c.cfg.Transport.Name(), transport.OpConnect, err)
		}
		stream.Close()
		c.post(func() { c.connected(gen, connectResult{err: err}) })
		return
	}
	res := connectResult{stream: stream, ts: ts}
	if !c.post(func() { c.connected(gen, res) }) {
		discard(res)
	}
}

// systemContext renders the instructions for mode including recent history.
// History failures only cost continuity.
func (c *Controller) systemContext(ctx context.Context, mode string) string {
	var recent []transcript.Message
	if c.cfg.History != nil && c.cfg.Context.Recent() > 0 {
		msgs, err := c.cfg.History.Messages(ctx, mode, c.cfg.Context.Recent())
		if err != nil {
			c.log.Warn("session: load recent history", "mode", mode, "err", err)
		}
		recent = msgs
	}
	instructions, err := c.cfg.Context.Build(mode, c.cfg.Profile, recent)
	if err != nil {
		// The mode was validated on the loop, so this is unreachable in
		// practice; fall back to no instructions.
		c.log.Error("session: build system context", "mode", mode, "err", err)
	}
	return instructions
}

// connected handles the outcome of connect.
func (c *Controller) connected(gen uint64, res connectResult) {
	s := c.sess
	if s == nil || s.gen != gen || s.ts != nil {
		c.log.Debug("session: discarding stale connect result", "gen", gen)
		discard(res)
		return
	}
	if res.err != nil {
		err, outcome := res.err, observe.OutcomeConnect
		var te *transport.Error
		switch {
		case errors.As(err, &te):
			c.metrics.RecordTransportError(context.Background(), te.Provider, te.Op)
		case errors.Is(err, context.Canceled):
			err, outcome = ErrStopped, observe.OutcomeStopped
		case errors.Is(err, context.DeadlineExceeded):
			err = transport.NewError(c.cfg.Transport.Name(), transport.OpConnect, err)
		default:
			err, outcome = audio.AsDeviceError(audio.DeviceUnknown, err), observe.OutcomeDevice
		}
		c.log.Warn("session: start failed", "mode", s.mode, "err", err)
		c.metrics.RecordSessionStart(context.Background(), outcome)
		c.fail(err)
		return
	}

	s.stream, s.ts = res.stream, res.ts
	go s.pipeline.Run(context.Background(), s.stream)
	go c.pump(gen, s.ts)
}

// pump forwards one transport session's events to the loop, tagged with the
// session generation, until the stream ends.
func (c *Controller) pump(gen uint64, ts transport.Session) {
	for ev := range ts.Events() {
		if !c.post(func() { c.handleEvent(gen, ev) }) {
			audio.Drain(ts.Events())
			return
		}
	}
}

func (c *Controller) connectExpired(gen uint64, cause error) {
	s := c.sess
	if s == nil || s.gen != gen || s.connected {
		return
	}
	if errors.Is(cause, context.Canceled) {
		c.metrics.RecordSessionStart(context.Background(), observe.OutcomeStopped)
		c.teardown(cause)
		return
	}
	err := transport.NewError(c.cfg.Transport.Name(), transport.OpConnect, cause)
	c.log.Warn("session: connect timed out", "mode", s.mode, "err", err)
	c.metrics.RecordSessionStart(context.Background(), observe.OutcomeConnect)
	c.fail(err)
}

func (c *Controller) handleEvent(gen uint64, ev transport.Event) {
	s := c.sess
	if s == nil || s.gen != gen {
		return
	}
	ctx := context.Background()

	switch ev.Kind {
	case transport.KindConnected:
		c.onConnected(s)

	case transport.KindPartialTranscript:
		c.onPartial(s, ev.Speaker, ev.Text)

	case transport.KindAudioChunk:
		c.onAudio(s, ev.Chunk)

	case transport.KindTurnComplete:
		sources := make([]transcript.Source, len(ev.Sources))
		for i, src := range ev.Sources {
			sources[i] = transcript.Source{URI: src.URI, Title: src.Title}
		}
		c.agg.AddSources(sources...)
		msgs := c.agg.Finalize()
		if len(msgs) == 0 {
			return
		}
		c.metrics.TurnsFinalized.Add(ctx, 1)
		for _, m := range msgs {
			c.metrics.RecordMessage(ctx, string(m.Role))
		}
		if c.writer != nil {
			c.writer.Append(s.mode, msgs)
		}
		if fn := c.cfg.Hooks.OnMessages; fn != nil {
			fn(s.mode, msgs)
		}

	case transport.KindInterrupted:
		c.bargeIn(observe.CauseTransport)

	case transport.KindError:
		err := error(ev.Err)
		if ev.Err == nil {
			err = transport.NewError(c.cfg.Transport.Name(), transport.OpRemote, errors.New("unknown error"))
		} else {
			c.metrics.RecordTransportError(ctx, ev.Err.Provider, ev.Err.Op)
		}
		c.log.Error("session: transport error", "mode", s.mode, "err", err)
		if !s.connected {
			c.metrics.RecordSessionStart(ctx, observe.OutcomeConnect)
		}
		c.fail(err)

	case transport.KindClosed:
		c.log.Info("session: transport closed", "mode", s.mode)
		if !s.connected {
			c.metrics.RecordSessionStart(ctx, observe.OutcomeConnect)
			c.fail(transport.NewError(c.cfg.Transport.Name(), transport.OpConnect, transport.ErrClosed))
			return
		}
		c.teardown(nil)
	}
}

func (c *Controller) onConnected(s *activeSession) {
	if s.connected {
		return
	}
	s.connected = true
	close(s.up)
	s.pipeline.Attach(s.ts)

	ctx := context.Background()
	elapsed := time.Since(s.startedAt)
	c.metrics.ConnectDuration.Record(ctx, elapsed.Seconds())
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.metrics.RecordSessionStart(ctx, observe.OutcomeOK)
	observe.EndConnectSpan(s.span, observe.OutcomeOK, nil)

	c.log.Info("session: active", "mode", s.mode, "gen", s.gen, "connect", elapsed)
	c.setStatus(Status{State: StateActive, Mode: s.mode, Listening: true})
	if s.reply != nil {
		s.reply <- nil
		s.reply = nil
	}
}

func (c *Controller) onPartial(s *activeSession, speaker transport.Speaker, text string) {
	switch speaker {
	case transport.SpeakerModel:
		c.agg.ModelPartial(text)
	default:
		c.agg.UserPartial(text)
		if s.speaking && c.cfg.StopPhrases != nil {
			s.userSinceSpeaking += text
			if phrase, ok := c.cfg.StopPhrases.Detect(s.userSinceSpeaking); ok {
				c.log.Info("session: stop phrase heard", "mode", s.mode, "phrase", phrase)
				c.bargeIn(observe.CauseVoice)
			}
		}
	}
	if fn := c.cfg.Hooks.OnPartial; fn != nil {
		fn(c.agg.Pending())
	}
}

func (c *Controller) onAudio(s *activeSession, chunk audio.PlaybackChunk) {
	ctx := context.Background()
	if c.sched == nil {
		// Output was detached mid-session.
		c.log.Warn("session: audio dropped, no output device", "mode", s.mode)
		return
	}
	buf, err := c.decoder.Decode(chunk)
	if err != nil {
		c.metrics.RecordDecodeError(ctx, string(chunk.Encoding))
		c.log.Warn("session: dropping undecodable chunk", "mode", s.mode, "bytes", len(chunk.Data), "err", err)
		if !c.sched.Speaking() {
			c.setSpeaking(s, false)
		}
		return
	}
	gen, sched := s.gen, c.sched
	_, start, err := sched.Schedule(buf, func(h playback.Handle) {
		c.post(func() { c.playbackEnded(sched, gen, h) })
	})
	if err != nil {
		c.log.Warn("session: schedule failed", "mode", s.mode, "err", err)
		return
	}
	c.metrics.PlaybackScheduled.Add(ctx, buf.Duration.Seconds())
	c.log.Debug("session: scheduled", "start", start, "duration", buf.Duration)
	c.setSpeaking(s, true)
}

// playbackEnded completes h on the scheduler that issued it. Handles are
// numbered per scheduler, so a completion from a device replaced by
// AttachOutput must not touch the current one.
func (c *Controller) playbackEnded(sched *playback.Scheduler, gen uint64, h playback.Handle) {
	if sched != c.sched || !sched.Complete(h) {
		return
	}
	if s := c.sess; s != nil && s.gen == gen {
		c.setSpeaking(s, false)
	}
}

func (c *Controller) bargeIn(cause string) {
	s := c.sess
	if s == nil || !s.connected {
		c.log.Debug("session: barge-in ignored, no active session", "cause", cause)
		return
	}
	n := 0
	if c.sched != nil {
		n = c.sched.CancelAll()
	}
	c.metrics.RecordBargeIn(context.Background(), cause)
	c.log.Info("session: barge-in", "mode", s.mode, "cause", cause, "stopped", n)
	c.setSpeaking(s, false)
	if fn := c.cfg.Hooks.OnBargeIn; fn != nil {
		fn(cause)
	}
}

// fail surfaces err and tears the session down. A pending Start receives
// err; otherwise OnError is called.
func (c *Controller) fail(err error) {
	s := c.sess
	if s == nil {
		return
	}
	if s.reply == nil {
		if fn := c.cfg.Hooks.OnError; fn != nil {
			fn(err, UserMessage(err))
		}
	}
	c.teardown(err)
}

// teardown is the single stop path. cause is delivered to a pending Start.
func (c *Controller) teardown(cause error) {
	s := c.sess
	if s == nil {
		return
	}
	c.setStatus(Status{State: StateClosing, Mode: s.mode})
	c.sess = nil

	s.cancel()
	if c.sched != nil {
		c.sched.Reset()
	}
	s.pipeline.Detach()
	if s.stream != nil {
		s.stream.Close()
	}
	if s.ts != nil {
		ts := s.ts
		go ts.Close()
	}
	c.agg.Reset()

	ctx := context.Background()
	stats := s.pipeline.Stats()
	c.metrics.FramesSent.Add(ctx, int64(stats.Sent))
	c.metrics.FramesDropped.Add(ctx, int64(stats.Dropped))

	if s.connected {
		c.metrics.ActiveSessions.Add(ctx, -1)
	} else {
		observe.EndConnectSpan(s.span, connectOutcome(cause), cmp.Or(cause, ErrStopped))
	}
	if s.reply != nil {
		if cause == nil {
			cause = ErrStopped
		}
		s.reply <- cause
		s.reply = nil
	}

	c.log.Info("session: stopped", "mode", s.mode, "gen", s.gen, "frames_sent", stats.Sent)
	c.setStatus(Status{State: StateIdle})
}

// connectOutcome classifies why a session ended before it connected.
func connectOutcome(cause error) string {
	var de *audio.DeviceError
	switch {
	case cause == nil, errors.Is(cause, ErrStopped), errors.Is(cause, context.Canceled):
		return observe.OutcomeStopped
	case errors.As(cause, &de):
		return observe.OutcomeDevice
	default:
		return observe.OutcomeConnect
	}
}

// ensureOutput checks that an output device is attached and running,
// resuming it if needed.
func (c *Controller) ensureOutput(ctx context.Context) error {
	if c.out == nil {
		return ErrAudioNotReady
	}
	if c.out.Running() {
		return nil
	}
	if err := c.out.Resume(ctx); err != nil {
		c.log.Warn("session: output resume failed", "err", err)
		return ErrAudioNotReady
	}
	if !c.out.Running() {
		return ErrAudioNotReady
	}
	return nil
}

func (c *Controller) setSpeaking(s *activeSession, speaking bool) {
	if s.speaking == speaking {
		return
	}
	s.speaking = speaking
	if speaking {
		s.userSinceSpeaking = ""
	}
	c.publishStatus()
}

func (c *Controller) publishStatus() {
	st := c.status
	if s := c.sess; s != nil && s.connected {
		st.Speaking = s.speaking
	}
	c.setStatus(st)
}

func (c *Controller) setStatus(st Status) {
	if s := c.sess; s != nil && s.connected && st.State == StateActive {
		st.Speaking = s.speaking
	}
	if st == c.status {
		return
	}
	c.status = st
	if fn := c.cfg.Hooks.OnStatus; fn != nil {
		fn(st)
	}
}

// discard closes the resources of a connect result nobody wants any more.
func discard(res connectResult) {
	if res.stream != nil {
		res.stream.Close()
	}
	if res.ts != nil {
		go audio.Drain(res.ts.Events())
		go res.ts.Close()
	}
}
