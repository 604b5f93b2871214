// Command duplex is the main entry point for the duplex voice-conversation
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/MrWong99/duplex/internal/config"
	discordbot "github.com/MrWong99/duplex/internal/discord"
	"github.com/MrWong99/duplex/internal/discord/commands"
	"github.com/MrWong99/duplex/internal/health"
	"github.com/MrWong99/duplex/internal/history"
	"github.com/MrWong99/duplex/internal/history/postgres"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/server"
	"github.com/MrWong99/duplex/internal/session"
	"github.com/MrWong99/duplex/internal/sysctx"
	"github.com/MrWong99/duplex/internal/voicecmd"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/transport"
	"github.com/MrWong99/duplex/pkg/transport/gemini"
	"github.com/MrWong99/duplex/pkg/transport/openai"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

// version is set at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplex: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplex: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(observe.NewTraceHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))))

	slog.Info("duplex starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, telemetryConfig(cfg))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Transports ────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerTransports(reg)
	failover, err := reg.CreateFailover(cfg.Transport, func(name string, from, to transport.BreakerState) {
		slog.Warn("transport circuit changed", "provider", name, "from", from, "to", to)
		metrics.RecordBreakerTransition(context.Background(), name, to.String())
	})
	if err != nil {
		slog.Error("failed to build transports", "err", err)
		return 1
	}

	// ── History ───────────────────────────────────────────────────────────────
	store, closeStore, err := openHistory(ctx, cfg.History)
	if err != nil {
		slog.Error("failed to open history store", "err", err)
		return 1
	}
	defer closeStore()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srvCfg := server.Config{
		Addr:           cfg.Server.ListenAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Transport:      failover,
		History:        store,
		Conversation:   buildConversation(cfg.Conversation),
		Output:         audio.Format{SampleRate: cfg.Audio.OutputSampleRate, Channels: cfg.Audio.OutputChannels},
		WireFormat:     audio.Format{SampleRate: cfg.Audio.WireSampleRate, Channels: 1},
		FrameSamples:   cfg.Audio.FrameSamples,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		Voice:          cfg.Transport.Voice,
		GroundedSearch: groundedSearch(cfg.Transport),
		Health: health.New(
			health.PingChecker("history", store),
			health.TransportChecker(failover),
		),
		Metrics: metrics,
	}
	if tls := cfg.Server.TLS; tls != nil {
		srvCfg.CertFile, srvCfg.KeyFile = tls.CertFile, tls.KeyFile
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(srv, level, config.Diff(old, new), new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Discord bot (optional) ────────────────────────────────────────────────
	var (
		bot  *discordbot.Bot
		talk *commands.TalkCommands
	)
	if cfg.Discord.Enabled() {
		bot, err = discordbot.New(ctx, discordbot.Config{
			Token:   cfg.Discord.Token,
			GuildID: cfg.Discord.GuildID,
			RoleID:  cfg.Discord.RoleID,
		})
		if err != nil {
			slog.Error("failed to create Discord bot", "err", err)
			return 1
		}
		talk = commands.NewTalkCommands(commands.TalkConfig{
			Platform:      bot.Platform(),
			Perms:         bot.Permissions(),
			GuildID:       bot.GuildID(),
			VoiceChannel:  bot.VoiceChannel,
			Poster:        bot.Session(),
			NewController: controllerFactory(srv, srvCfg),
			Modes: func() ([]sysctx.Mode, string) {
				conv := srv.Conversation()
				return conv.Context.Modes(), conv.DefaultMode
			},
		})
		talk.Register(bot.Router())
		slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, shutdownTimeout)
	})
	if bot != nil {
		g.Go(func() error {
			return bot.Run(gctx)
		})
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	if talk != nil {
		talk.Close()
	}
	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Wiring ────────────────────────────────────────────────────────────────────

// registerTransports wires the built-in realtime transports into reg.
func registerTransports(reg *config.Registry) {
	reg.RegisterTransport(gemini.ProviderName, func(entry config.ProviderEntry) (transport.Transport, error) {
		if entry.APIKey == "" {
			return nil, errors.New("api_key is required")
		}
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport(openai.ProviderName, func(entry config.ProviderEntry) (transport.Transport, error) {
		if entry.APIKey == "" {
			return nil, errors.New("api_key is required")
		}
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered transport", "name", name)
	}
}

// historyStore is a history.Store that can report reachability.
type historyStore interface {
	history.Store
	health.Pinger
}

// openHistory opens PostgreSQL when a DSN is configured and falls back to
// memory otherwise.
func openHistory(ctx context.Context, hc config.HistoryConfig) (historyStore, func(), error) {
	if hc.PostgresDSN == "" {
		slog.Info("history kept in memory")
		return history.NewMemory(), func() {}, nil
	}
	s, err := postgres.NewStore(ctx, hc.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("history stored in postgres")
	return s, s.Close, nil
}

// buildConversation renders the conversation section for the server.
func buildConversation(cc config.ConversationConfig) server.Conversation {
	return server.Conversation{
		Context:     cc.Builder(),
		Profile:     cc.Profile(),
		StopPhrases: voicecmd.New(cc.StopPhrases),
		DefaultMode: cc.DefaultMode,
	}
}

// telemetryConfig describes this deployment on the telemetry resource.
func telemetryConfig(cfg *config.Config) observe.ProviderConfig {
	pc := observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		DefaultMode:    cfg.Conversation.DefaultMode,
	}
	for _, p := range cfg.Transport.Providers {
		pc.Providers = append(pc.Providers, p.Name)
	}
	for _, m := range cfg.Conversation.ResolvedModes() {
		pc.Modes = append(pc.Modes, m.Name)
	}
	return pc
}

// groundedSearch reports whether any provider enables google_search.
func groundedSearch(tc config.TransportConfig) bool {
	return slices.ContainsFunc(tc.Providers, func(e config.ProviderEntry) bool {
		return e.BoolOption("google_search")
	})
}

// controllerFactory builds Discord session controllers from the server's
// current conversation configuration.
func controllerFactory(srv *server.Server, sc server.Config) commands.ControllerFactory {
	return func(in audio.InputDevice, out audio.OutputDevice, hooks session.Hooks) (*session.Controller, error) {
		conv := srv.Conversation()
		return session.New(session.Config{
			Transport:      sc.Transport,
			Input:          in,
			Output:         out,
			Context:        conv.Context,
			Profile:        conv.Profile,
			History:        sc.History,
			StopPhrases:    conv.StopPhrases,
			Voice:          sc.Voice,
			GroundedSearch: sc.GroundedSearch,
			WireFormat:     sc.WireFormat,
			FrameSamples:   sc.FrameSamples,
			ConnectTimeout: sc.ConnectTimeout,
			Metrics:        sc.Metrics,
			Hooks:          hooks,
		})
	}
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(srv *server.Server, level *slog.LevelVar, d config.ConfigDiff, cfg *config.Config) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ConversationChanged {
		srv.SetConversation(buildConversation(cfg.Conversation))
		slog.Info("conversation settings reloaded",
			"mode_changes", len(d.ModeChanges),
			"stop_phrases_changed", d.StopPhrasesChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         duplex · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for i, p := range cfg.Transport.Providers {
		kind := "Fallback"
		if i == 0 {
			kind = "Primary"
		}
		printRow(kind, providerLabel(p))
	}
	if cfg.History.PostgresDSN != "" {
		printRow("History", "postgres")
	} else {
		printRow("History", "memory")
	}
	printRow("Default mode", cfg.Conversation.DefaultMode)
	printRow("Behaviour", string(cfg.Conversation.Behavior))
	if cfg.Discord.Enabled() {
		printRow("Discord", "connected")
	} else {
		printRow("Discord", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(p config.ProviderEntry) string {
	if p.Model == "" {
		return p.Name
	}
	return p.Name + " / " + p.Model
}

func printRow(kind, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
