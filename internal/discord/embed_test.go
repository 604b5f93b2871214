package discord

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/transcript"
)

func TestStatusEmbed(t *testing.T) {
	t.Parallel()

	embed := StatusEmbed(TalkInfo{
		Mode:      "advisor",
		ChannelID: "voice-1",
		UserID:    "alice",
		State:     "listening",
		StartedAt: time.Now().Add(-5 * time.Minute),
		Turns:     3,
	})

	if embed.Title != "Conversation" {
		t.Errorf("Title = %q, want %q", embed.Title, "Conversation")
	}
	if embed.Color != embedColorGreen {
		t.Errorf("Color = %d, want %d", embed.Color, embedColorGreen)
	}
	want := map[string]string{
		"Mode":     "advisor",
		"Channel":  "<#voice-1>",
		"Speaker":  "<@alice>",
		"Duration": "5m 0s",
		"Turns":    "3",
		"State":    "listening",
	}
	if len(embed.Fields) != len(want) {
		t.Fatalf("got %d fields, want %d", len(embed.Fields), len(want))
	}
	for _, f := range embed.Fields {
		if want[f.Name] != f.Value {
			t.Errorf("field %s = %q, want %q", f.Name, f.Value, want[f.Name])
		}
	}
	if embed.Footer == nil || embed.Footer.Text != "Live conversation" {
		t.Errorf("Footer = %v, want 'Live conversation'", embed.Footer)
	}
}

func TestEndedEmbed(t *testing.T) {
	t.Parallel()

	info := TalkInfo{Mode: "general", ChannelID: "voice-1", UserID: "alice", State: "idle", StartedAt: time.Now()}

	embed := EndedEmbed(info, "speaker left the channel")
	if embed.Color != embedColorRed {
		t.Errorf("Color = %d, want %d", embed.Color, embedColorRed)
	}
	if embed.Description != "Conversation has ended: speaker left the channel." {
		t.Errorf("Description = %q", embed.Description)
	}
	for _, f := range embed.Fields {
		if f.Name == "State" {
			t.Error("ended embed shows the live state")
		}
	}

	if got := EndedEmbed(info, "").Description; got != "Conversation has ended." {
		t.Errorf("Description without reason = %q", got)
	}
}

func TestTurnEmbed(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []transcript.Message{
		{Role: transcript.RoleUser, Text: "what's the weather", CreatedAt: at},
		{
			Role:      transcript.RoleModel,
			Text:      "Sunny.",
			Sources:   []transcript.Source{{URI: "https://example.com/w", Title: "Weather"}, {URI: "https://example.com/x"}},
			CreatedAt: at,
		},
	}

	embed := TurnEmbed("general", msgs)
	if embed == nil {
		t.Fatal("TurnEmbed returned nil")
	}
	if len(embed.Fields) != 3 {
		t.Fatalf("got %d fields, want 3", len(embed.Fields))
	}
	if embed.Fields[0].Name != "You" || embed.Fields[0].Value != "what's the weather" {
		t.Errorf("Field[0] = %q:%q", embed.Fields[0].Name, embed.Fields[0].Value)
	}
	if embed.Fields[1].Name != "Assistant" || embed.Fields[1].Value != "Sunny." {
		t.Errorf("Field[1] = %q:%q", embed.Fields[1].Name, embed.Fields[1].Value)
	}
	wantSources := "[Weather](https://example.com/w)\n[https://example.com/x](https://example.com/x)"
	if embed.Fields[2].Value != wantSources {
		t.Errorf("Sources = %q, want %q", embed.Fields[2].Value, wantSources)
	}
	if embed.Footer.Text != "general" {
		t.Errorf("Footer = %q, want general", embed.Footer.Text)
	}
	if embed.Timestamp != at.Format(time.RFC3339) {
		t.Errorf("Timestamp = %q", embed.Timestamp)
	}
}

func TestTurnEmbed_Empty(t *testing.T) {
	t.Parallel()

	if embed := TurnEmbed("general", nil); embed != nil {
		t.Errorf("TurnEmbed(nil) = %+v, want nil", embed)
	}
	if embed := TurnEmbed("general", []transcript.Message{{Role: transcript.RoleModel}}); embed != nil {
		t.Errorf("TurnEmbed(empty text) = %+v, want nil", embed)
	}
}

func TestTurnEmbed_TruncatesLongText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ä", maxFieldValue+10)
	embed := TurnEmbed("general", []transcript.Message{{Role: transcript.RoleModel, Text: long}})
	got := []rune(embed.Fields[0].Value)
	if len(got) != maxFieldValue {
		t.Errorf("value = %d runes, want %d", len(got), maxFieldValue)
	}
	if got[len(got)-1] != '…' {
		t.Error("truncated value does not end with an ellipsis")
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 3*time.Minute + 15*time.Second, "3m 15s"},
		{"hours minutes seconds", 2*time.Hour + 30*time.Minute + 5*time.Second, "2h 30m 5s"},
		{"zero", 0, "0s"},
		{"sub-second truncated", 500 * time.Millisecond, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatDuration(tt.d)
			if got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}
