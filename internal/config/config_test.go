package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/sysctx"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  tls:
    cert_file: /etc/duplex/cert.pem
    key_file: /etc/duplex/key.pem
  allowed_origins: ["app.example.com"]
transport:
  providers:
    - name: gemini-live
      api_key: g-key
      model: gemini-live-2.5-flash-preview
      options:
        google_search: true
    - name: openai-realtime
      api_key: o-key
  connect_timeout: 20s
  voice: Puck
  breaker:
    max_failures: 5
    reset_timeout: 1m
audio:
  wire_sample_rate: 16000
  frame_samples: 2048
  output_sample_rate: 24000
  output_channels: 1
conversation:
  user_name: Dana
  default_mode: advisor
  behavior: ambient
  stop_phrases: ["stop", "enough"]
  recent_messages: 10
  modes:
    - name: advisor
      instructions: Focus on cash flow.
    - name: interview
      title: Interview coach
      persona: You are a tough but fair interviewer.
history:
  postgres_dsn: postgres://localhost/duplex
discord:
  token: bot-token
  guild_id: "1234"
telemetry:
  service_name: duplex-eu
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.KeyFile != "/etc/duplex/key.pem" {
		t.Errorf("tls: %+v", cfg.Server.TLS)
	}
	if len(cfg.Transport.Providers) != 2 || cfg.Transport.Providers[0].Name != "gemini-live" {
		t.Fatalf("providers: %+v", cfg.Transport.Providers)
	}
	if !cfg.Transport.Providers[0].BoolOption("google_search") {
		t.Error("google_search option not decoded")
	}
	if cfg.Transport.Providers[1].BoolOption("google_search") {
		t.Error("google_search set on provider without options")
	}
	if cfg.Transport.ConnectTimeout != 20*time.Second {
		t.Errorf("connect_timeout = %v", cfg.Transport.ConnectTimeout)
	}
	if cfg.Transport.Breaker.MaxFailures != 5 || cfg.Transport.Breaker.ResetTimeout != time.Minute {
		t.Errorf("breaker = %+v", cfg.Transport.Breaker)
	}
	if cfg.Audio.FrameSamples != 2048 || cfg.Audio.OutputChannels != 1 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Conversation.Behavior != sysctx.BehaviorAmbient || cfg.Conversation.Recent() != 10 {
		t.Errorf("conversation = %+v", cfg.Conversation)
	}
	if !cfg.Discord.Enabled() || cfg.Discord.GuildID != "1234" {
		t.Errorf("discord = %+v", cfg.Discord)
	}
	if cfg.Telemetry.ServiceName != "duplex-eu" {
		t.Errorf("service_name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name      string
		got, want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"connect_timeout", cfg.Transport.ConnectTimeout, config.DefaultConnectTimeout},
		{"breaker.max_failures", cfg.Transport.Breaker.MaxFailures, config.DefaultBreakerFailures},
		{"breaker.reset_timeout", cfg.Transport.Breaker.ResetTimeout, config.DefaultBreakerReset},
		{"wire_sample_rate", cfg.Audio.WireSampleRate, config.DefaultWireSampleRate},
		{"frame_samples", cfg.Audio.FrameSamples, config.DefaultFrameSamples},
		{"output_sample_rate", cfg.Audio.OutputSampleRate, config.DefaultOutputSampleRate},
		{"output_channels", cfg.Audio.OutputChannels, config.DefaultOutputChannels},
		{"default_mode", cfg.Conversation.DefaultMode, sysctx.ModeGeneral},
		{"behavior", cfg.Conversation.Behavior, sysctx.BehaviorActive},
		{"recent_messages", cfg.Conversation.RecentMessages, config.DefaultRecentMessages},
		{"service_name", cfg.Telemetry.ServiceName, config.DefaultServiceName},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if tc.got != tc.want {
				t.Errorf("got %v, want %v", tc.got, tc.want)
			}
		})
	}
	if cfg.Discord.Enabled() {
		t.Error("discord enabled without a token")
	}
}

func TestConversationConfig_Modes(t *testing.T) {
	t.Parallel()
	conv := config.ConversationConfig{
		Modes: []config.ModeConfig{
			{Name: sysctx.ModeAdvisor, Instructions: "Focus on cash flow."},
			{Name: "interview", Persona: "You are an interviewer."},
		},
	}
	modes := conv.ResolvedModes()
	if len(modes) != 4 {
		t.Fatalf("got %d modes, want 4", len(modes))
	}

	builtin := sysctx.DefaultModes()
	advisor := modes[1]
	if advisor.Name != sysctx.ModeAdvisor {
		t.Fatalf("modes[1] = %q, want advisor", advisor.Name)
	}
	if advisor.Persona != builtin[1].Persona {
		t.Error("override of instructions lost the built-in persona")
	}
	if advisor.Instructions != "Focus on cash flow." {
		t.Errorf("instructions = %q", advisor.Instructions)
	}

	interview := modes[3]
	if interview.Name != "interview" || interview.Title != "interview" {
		t.Errorf("added mode = %+v, want title defaulting to name", interview)
	}
}

func TestConversationConfig_Recent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want int
	}{
		{6, 6},
		{0, 0},
		{-1, 0},
	}
	for _, tc := range tests {
		if got := (config.ConversationConfig{RecentMessages: tc.in}).Recent(); got != tc.want {
			t.Errorf("Recent(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestConversationConfig_Builder(t *testing.T) {
	t.Parallel()
	conv := config.ConversationConfig{
		UserName: "Dana",
		Behavior: sysctx.BehaviorAmbient,
		Modes:    []config.ModeConfig{{Name: "interview", Persona: "You are an interviewer."}},
	}
	b := conv.Builder()
	out, err := b.Build("interview", conv.Profile(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.HasPrefix(out, "You are an interviewer. You are talking with Dana.") {
		t.Errorf("unexpected context start: %q", out)
	}
	if !strings.Contains(out, "Only respond when the user addresses you directly.") {
		t.Error("ambient behaviour not rendered")
	}
}
