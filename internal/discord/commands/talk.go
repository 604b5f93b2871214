// Package commands implements the Discord slash command handlers of duplex.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duplex/internal/discord"
	"github.com/MrWong99/duplex/internal/session"
	"github.com/MrWong99/duplex/internal/sysctx"
	"github.com/MrWong99/duplex/internal/transcript"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/audio/render"
	"github.com/bwmarrin/discordgo"
)

// startTimeout bounds joining the voice channel plus session connect.
const startTimeout = 30 * time.Second

// maxChoices is the Discord limit for autocomplete choices.
const maxChoices = 25

// ControllerFactory builds a session controller that captures from in and
// plays to out.
type ControllerFactory func(in audio.InputDevice, out audio.OutputDevice, hooks session.Hooks) (*session.Controller, error)

// TalkConfig holds the dependencies of the /talk command group.
type TalkConfig struct {
	// Platform joins voice channels. Required.
	Platform audio.Platform

	// Perms gates every subcommand. Required.
	Perms *discord.PermissionChecker

	// GuildID is the guild conversations run in.
	GuildID string

	// VoiceChannel returns the voice channel a user is connected to, or "".
	VoiceChannel func(guildID, userID string) string

	// Poster receives transcript and status embeds. Optional.
	Poster discord.Poster

	// NewController builds the controller of each conversation. Required.
	NewController ControllerFactory

	// Modes returns the selectable modes and the default one.
	Modes func() ([]sysctx.Mode, string)
}

// TalkCommands handles the /talk command group. At most one voice
// conversation runs at a time.
type TalkCommands struct {
	cfg TalkConfig

	mu     sync.Mutex
	active *voiceTalk
}

// voiceTalk is one running voice conversation.
type voiceTalk struct {
	userID      string
	channelID   string
	textChannel string
	mode        string
	startedAt   time.Time

	mu       sync.Mutex // guards conn, renderer, closed
	conn     audio.Connection
	renderer *render.Renderer
	closed   bool
	ctrl     atomic.Pointer[session.Controller]

	turns atomic.Int64
	live  atomic.Bool
	state atomic.Value // string

	closeOnce sync.Once
	endOnce   sync.Once
}

// NewTalkCommands creates a TalkCommands handler.
func NewTalkCommands(cfg TalkConfig) *TalkCommands {
	return &TalkCommands{cfg: cfg}
}

// Register registers all /talk subcommands with the router.
func (tc *TalkCommands) Register(router *discord.CommandRouter) {
	def := tc.Definition()
	router.RegisterCommand("talk", def, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/talk start`, `/talk stop`, `/talk interrupt`, `/talk status`.")
	})
	router.RegisterHandler("talk/start", func(s *discordgo.Session, i *discordgo.InteractionCreate) { tc.handleStart(s, i) })
	router.RegisterHandler("talk/stop", func(s *discordgo.Session, i *discordgo.InteractionCreate) { tc.handleStop(s, i) })
	router.RegisterHandler("talk/interrupt", func(s *discordgo.Session, i *discordgo.InteractionCreate) { tc.handleInterrupt(s, i) })
	router.RegisterHandler("talk/status", func(s *discordgo.Session, i *discordgo.InteractionCreate) { tc.handleStatus(s, i) })
	router.RegisterAutocomplete("talk/start", func(s *discordgo.Session, i *discordgo.InteractionCreate) { tc.handleAutocomplete(s, i) })
}

// Definition returns the /talk ApplicationCommand for Discord registration.
func (tc *TalkCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "talk",
		Description: "Talk with the assistant in your voice channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "start",
				Description: "Start a conversation in your current voice channel",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{
						Name:         "mode",
						Description:  "Conversation mode",
						Type:         discordgo.ApplicationCommandOptionString,
						Required:     false,
						Autocomplete: true,
					},
				},
			},
			{
				Name:        "stop",
				Description: "End the running conversation",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
			},
			{
				Name:        "interrupt",
				Description: "Make the assistant stop talking",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
			},
			{
				Name:        "status",
				Description: "Show the running conversation",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
			},
		},
	}
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (tc *TalkCommands) handleStart(s discord.Responder, i *discordgo.InteractionCreate) {
	if !tc.cfg.Perms.Allowed(i) {
		discord.RespondEphemeral(s, i, "You need the control role to start a conversation.")
		return
	}
	var mode string
	for _, opt := range subcommandOptions(i) {
		if opt.Name == "mode" {
			mode = opt.StringValue()
		}
	}

	// Joining voice and connecting may take a moment.
	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	discord.FollowUp(s, i, tc.Start(ctx, discord.InteractionUserID(i), i.ChannelID, mode))
}

func (tc *TalkCommands) handleStop(s discord.Responder, i *discordgo.InteractionCreate) {
	if !tc.cfg.Perms.Allowed(i) {
		discord.RespondEphemeral(s, i, "You need the control role to stop a conversation.")
		return
	}
	discord.RespondEphemeral(s, i, tc.Stop())
}

func (tc *TalkCommands) handleInterrupt(s discord.Responder, i *discordgo.InteractionCreate) {
	if !tc.cfg.Perms.Allowed(i) {
		discord.RespondEphemeral(s, i, "You need the control role to interrupt the assistant.")
		return
	}
	discord.RespondEphemeral(s, i, tc.Interrupt())
}

func (tc *TalkCommands) handleStatus(s discord.Responder, i *discordgo.InteractionCreate) {
	info, ok := tc.Info()
	if !ok {
		discord.RespondEphemeral(s, i, "No conversation is running.")
		return
	}
	discord.RespondEmbed(s, i, discord.StatusEmbed(info))
}

// handleAutocomplete provides mode autocomplete for /talk start.
func (tc *TalkCommands) handleAutocomplete(s discord.Responder, i *discordgo.InteractionCreate) {
	var typed string
	for _, opt := range subcommandOptions(i) {
		if opt.Name == "mode" && opt.Focused {
			typed = strings.ToLower(opt.StringValue())
		}
	}

	modes, _ := tc.modes()
	var choices []*discordgo.ApplicationCommandOptionChoice
	for _, m := range modes {
		if typed != "" && !strings.Contains(strings.ToLower(m.Name), typed) && !strings.Contains(strings.ToLower(m.Title), typed) {
			continue
		}
		name := m.Name
		if m.Title != "" {
			name = fmt.Sprintf("%s (%s)", m.Title, m.Name)
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: m.Name})
		if len(choices) >= maxChoices {
			break
		}
	}
	discord.RespondChoices(s, i, choices)
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Start joins the voice channel of userID and starts a conversation in
// mode, listening only to that user. Finalized turns are posted to
// textChannel. It returns the reply to show the user.
func (tc *TalkCommands) Start(ctx context.Context, userID, textChannel, mode string) string {
	modes, defaultMode := tc.modes()
	if mode == "" {
		mode = defaultMode
	}
	if !hasMode(modes, mode) {
		return fmt.Sprintf("Unknown mode `%s`.", mode)
	}

	channelID := ""
	if tc.cfg.VoiceChannel != nil {
		channelID = tc.cfg.VoiceChannel(tc.cfg.GuildID, userID)
	}
	if channelID == "" {
		return "You must be in a voice channel to start a conversation."
	}

	vt := &voiceTalk{
		userID:      userID,
		channelID:   channelID,
		textChannel: textChannel,
		mode:        mode,
		startedAt:   time.Now(),
	}
	vt.state.Store(session.StateConnecting.String())

	tc.mu.Lock()
	if tc.active != nil {
		busy := tc.active.channelID
		tc.mu.Unlock()
		return fmt.Sprintf("A conversation is already running in <#%s>.", busy)
	}
	tc.active = vt
	tc.mu.Unlock()

	if err := tc.open(ctx, vt); err != nil {
		tc.release(vt)
		vt.close()
		slog.Warn("discord: start conversation", "channel", channelID, "mode", mode, "err", err)
		if msg := session.UserMessage(err); msg != "" {
			return "Could not start the conversation: " + msg
		}
		return "The conversation was stopped before it started."
	}

	vt.live.Store(true)
	slog.Info("discord: conversation started", "channel", channelID, "user", userID, "mode", mode)
	return fmt.Sprintf("Conversation started in <#%s> (mode `%s`). Say hello!", channelID, mode)
}

// open joins the voice channel and starts the controller.
func (tc *TalkCommands) open(ctx context.Context, vt *voiceTalk) error {
	conn, err := tc.cfg.Platform.Connect(ctx, vt.channelID)
	if err != nil {
		return fmt.Errorf("discord: join voice channel: %w", err)
	}
	renderer := render.New(conn.Format(), conn.Send)

	vt.mu.Lock()
	if vt.closed {
		vt.mu.Unlock()
		_ = conn.Disconnect()
		return session.ErrStopped
	}
	vt.conn = conn
	vt.renderer = renderer
	vt.mu.Unlock()

	conn.Listen(vt.userID)
	if err := renderer.Resume(ctx); err != nil {
		return fmt.Errorf("discord: start renderer: %w", err)
	}

	ctrl, err := tc.cfg.NewController(conn, renderer, tc.hooks(vt, conn))
	if err != nil {
		return fmt.Errorf("discord: create session controller: %w", err)
	}
	vt.ctrl.Store(ctrl)
	if vt.isClosed() {
		_ = ctrl.Close(ctx)
		return session.ErrStopped
	}

	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type == audio.EventLeave && ev.UserID == vt.userID {
			tc.end(vt, "speaker left the channel")
		}
	})

	return ctrl.Start(ctx, vt.mode)
}

// hooks runs on the controller loop, so anything touching the network is
// moved off it.
func (tc *TalkCommands) hooks(vt *voiceTalk, conn audio.Connection) session.Hooks {
	return session.Hooks{
		OnStatus: func(st session.Status) {
			vt.state.Store(statusText(st))
			if st.State == session.StateIdle {
				go tc.end(vt, "")
			}
		},
		OnMessages: func(mode string, msgs []transcript.Message) {
			vt.turns.Add(1)
			if embed := discord.TurnEmbed(mode, msgs); embed != nil {
				go tc.post(vt.textChannel, embed)
			}
		},
		OnError: func(_ error, message string) {
			go tc.post(vt.textChannel, discord.ErrorEmbed(message))
		},
		OnBargeIn: func(string) {
			conn.Flush()
		},
	}
}

// Stop ends the running conversation and returns the reply to show.
func (tc *TalkCommands) Stop() string {
	vt := tc.current()
	if vt == nil {
		return "No conversation is running."
	}
	tc.end(vt, "stopped")
	return fmt.Sprintf("Conversation in <#%s> stopped after %s.", vt.channelID, time.Since(vt.startedAt).Truncate(time.Second))
}

// Interrupt cancels the assistant's speech and returns the reply to show.
func (tc *TalkCommands) Interrupt() string {
	vt := tc.current()
	if vt == nil {
		return "No conversation is running."
	}
	ctrl := vt.ctrl.Load()
	if ctrl == nil {
		return "No conversation is running."
	}
	ctrl.BargeIn()
	return "Interrupted."
}

// Info describes the running conversation.
func (tc *TalkCommands) Info() (discord.TalkInfo, bool) {
	vt := tc.current()
	if vt == nil {
		return discord.TalkInfo{}, false
	}
	state, _ := vt.state.Load().(string)
	return discord.TalkInfo{
		Mode:      vt.mode,
		ChannelID: vt.channelID,
		UserID:    vt.userID,
		State:     state,
		StartedAt: vt.startedAt,
		Turns:     vt.turns.Load(),
	}, true
}

// Close ends any running conversation.
func (tc *TalkCommands) Close() {
	if vt := tc.current(); vt != nil {
		tc.end(vt, "shutting down")
	}
}

// end tears vt down and posts the summary once. It is safe to call from
// any goroutine except the controller loop.
func (tc *TalkCommands) end(vt *voiceTalk, reason string) {
	vt.endOnce.Do(func() {
		tc.release(vt)
		vt.close()
		if !vt.live.Load() {
			return
		}
		info := discord.TalkInfo{
			Mode:      vt.mode,
			ChannelID: vt.channelID,
			UserID:    vt.userID,
			StartedAt: vt.startedAt,
			Turns:     vt.turns.Load(),
		}
		tc.post(vt.textChannel, discord.EndedEmbed(info, reason))
		slog.Info("discord: conversation ended", "channel", vt.channelID, "reason", reason, "turns", info.Turns)
	})
}

// release clears the active slot if vt still holds it.
func (tc *TalkCommands) release(vt *voiceTalk) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.active == vt {
		tc.active = nil
	}
}

func (tc *TalkCommands) current() *voiceTalk {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.active
}

func (tc *TalkCommands) post(channelID string, embed *discordgo.MessageEmbed) {
	if tc.cfg.Poster == nil || channelID == "" {
		return
	}
	if _, err := tc.cfg.Poster.ChannelMessageSendEmbed(channelID, embed); err != nil {
		slog.Warn("discord: failed to post embed", "channel", channelID, "err", err)
	}
}

func (tc *TalkCommands) modes() ([]sysctx.Mode, string) {
	if tc.cfg.Modes == nil {
		return sysctx.DefaultModes(), sysctx.ModeGeneral
	}
	return tc.cfg.Modes()
}

// close releases the controller, renderer, and voice connection.
func (vt *voiceTalk) close() {
	vt.closeOnce.Do(func() {
		vt.mu.Lock()
		vt.closed = true
		conn, renderer := vt.conn, vt.renderer
		vt.mu.Unlock()

		if ctrl := vt.ctrl.Load(); ctrl != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := ctrl.Close(ctx); err != nil {
				slog.Warn("discord: flush history", "err", err)
			}
			cancel()
		}
		if renderer != nil {
			_ = renderer.Close()
		}
		if conn != nil {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("discord: leave voice channel", "channel", vt.channelID, "err", err)
			}
		}
	})
}

func (vt *voiceTalk) isClosed() bool {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	return vt.closed
}

func statusText(st session.Status) string {
	if st.State != session.StateActive {
		return st.State.String()
	}
	if st.Speaking {
		return "speaking"
	}
	return "listening"
}

func hasMode(modes []sysctx.Mode, name string) bool {
	for _, m := range modes {
		if m.Name == name {
			return true
		}
	}
	return false
}

// subcommandOptions returns the options of the invoked subcommand.
func subcommandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Options[0].Options
	}
	return nil
}
