package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/duplex/internal/sysctx"
	"gopkg.in/yaml.v3"
)

// KnownProviders lists the realtime provider names shipped with duplex.
// Used by [Validate] to warn about unrecognised provider names.
var KnownProviders = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	if len(cfg.Transport.Providers) == 0 {
		slog.Warn("transport.providers is empty; conversations cannot be started")
	}
	seen := make(map[string]int, len(cfg.Transport.Providers))
	for i, p := range cfg.Transport.Providers {
		prefix := fmt.Sprintf("transport.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of transport.providers[%d]", prefix, p.Name, prev))
		}
		seen[p.Name] = i
		validateProviderName(p.Name)
		if p.APIKey == "" {
			slog.Warn("provider has no api_key", "provider", p.Name)
		}
	}
	if cfg.Transport.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.connect_timeout %s must not be negative", cfg.Transport.ConnectTimeout))
	}
	if cfg.Transport.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("transport.breaker.max_failures %d must not be negative", cfg.Transport.Breaker.MaxFailures))
	}
	if cfg.Transport.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.breaker.reset_timeout %s must not be negative", cfg.Transport.Breaker.ResetTimeout))
	}

	// Audio
	if cfg.Audio.WireSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.wire_sample_rate %d must be positive", cfg.Audio.WireSampleRate))
	}
	if cfg.Audio.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", cfg.Audio.FrameSamples))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", cfg.Audio.OutputSampleRate))
	}
	if ch := cfg.Audio.OutputChannels; ch != 0 && ch != 1 && ch != 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is invalid; valid values: 1, 2", ch))
	}

	// Conversation
	conv := cfg.Conversation
	if conv.Behavior != "" && !conv.Behavior.Valid() {
		errs = append(errs, fmt.Errorf("conversation.behavior %q is invalid; valid values: active, ambient", conv.Behavior))
	}
	modeSeen := make(map[string]int, len(conv.Modes))
	for i, m := range conv.Modes {
		prefix := fmt.Sprintf("conversation.modes[%d]", i)
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := modeSeen[m.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of conversation.modes[%d]", prefix, m.Name, prev))
		}
		modeSeen[m.Name] = i
		if m.Persona == "" && !isBuiltinMode(m.Name) {
			errs = append(errs, fmt.Errorf("%s.persona is required for new mode %q", prefix, m.Name))
		}
	}
	if conv.DefaultMode != "" {
		if !slices.ContainsFunc(conv.ResolvedModes(), func(m sysctx.Mode) bool { return m.Name == conv.DefaultMode }) {
			errs = append(errs, fmt.Errorf("conversation.default_mode %q is not a known mode", conv.DefaultMode))
		}
	}

	// History
	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; conversation history is kept in memory only")
	}

	// Discord
	if cfg.Discord.GuildID != "" && cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.guild_id is set but discord.token is empty"))
	}
	if cfg.Discord.RoleID != "" && cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.role_id requires discord.guild_id"))
	}

	return errors.Join(errs...)
}

func isBuiltinMode(name string) bool {
	return slices.ContainsFunc(sysctx.DefaultModes(), func(m sysctx.Mode) bool { return m.Name == name })
}

// validateProviderName logs a warning if name is not one of [KnownProviders].
func validateProviderName(name string) {
	if slices.Contains(KnownProviders, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or an unregistered provider",
		"name", name,
		"known", KnownProviders,
	)
}
