package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/duplex/internal/transcript"
	"github.com/bwmarrin/discordgo"
)

const (
	// embedColorGreen is the embed sidebar color for a running conversation.
	embedColorGreen = 0x2ECC71

	// embedColorBlue is the embed sidebar color for transcript turns.
	embedColorBlue = 0x3498DB

	// embedColorRed is the embed sidebar color when a conversation has ended
	// or failed.
	embedColorRed = 0xE74C3C
)

// maxFieldValue is the Discord limit for an embed field value.
const maxFieldValue = 1024

// TalkInfo is what the status embeds show about a voice conversation.
type TalkInfo struct {
	Mode      string
	ChannelID string
	UserID    string
	State     string
	StartedAt time.Time
	Turns     int64
}

// StatusEmbed renders the live status of a voice conversation.
func StatusEmbed(info TalkInfo) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:  "Conversation",
		Color:  embedColorGreen,
		Fields: infoFields(info, true),
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Live conversation",
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// EndedEmbed renders the final summary of a voice conversation.
func EndedEmbed(info TalkInfo, reason string) *discordgo.MessageEmbed {
	desc := "Conversation has ended."
	if reason != "" {
		desc = fmt.Sprintf("Conversation has ended: %s.", reason)
	}
	return &discordgo.MessageEmbed{
		Title:       "Conversation",
		Description: desc,
		Color:       embedColorRed,
		Fields:      infoFields(info, false),
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Conversation ended",
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func infoFields(info TalkInfo, live bool) []*discordgo.MessageEmbedField {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Mode", Value: info.Mode, Inline: true},
		{Name: "Channel", Value: fmt.Sprintf("<#%s>", info.ChannelID), Inline: true},
		{Name: "Speaker", Value: fmt.Sprintf("<@%s>", info.UserID), Inline: true},
		{Name: "Duration", Value: formatDuration(time.Since(info.StartedAt)), Inline: true},
		{Name: "Turns", Value: fmt.Sprintf("%d", info.Turns), Inline: true},
	}
	if live && info.State != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "State", Value: info.State, Inline: true})
	}
	return fields
}

// TurnEmbed renders the messages of one finalized turn. It returns nil
// when msgs holds nothing to show.
func TurnEmbed(mode string, msgs []transcript.Message) *discordgo.MessageEmbed {
	var fields []*discordgo.MessageEmbedField
	var sources []string
	for _, m := range msgs {
		name := "You"
		if m.Role == transcript.RoleModel {
			name = "Assistant"
		}
		if m.Text != "" {
			fields = append(fields, &discordgo.MessageEmbedField{Name: name, Value: truncate(m.Text, maxFieldValue)})
		}
		for _, src := range m.Sources {
			title := src.Title
			if title == "" {
				title = src.URI
			}
			sources = append(sources, fmt.Sprintf("[%s](%s)", title, src.URI))
		}
	}
	if len(sources) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Sources",
			Value: truncate(strings.Join(sources, "\n"), maxFieldValue),
		})
	}
	if len(fields) == 0 {
		return nil
	}
	embed := &discordgo.MessageEmbed{
		Color:  embedColorBlue,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{Text: mode},
	}
	if len(msgs) > 0 && !msgs[len(msgs)-1].CreatedAt.IsZero() {
		embed.Timestamp = msgs[len(msgs)-1].CreatedAt.UTC().Format(time.RFC3339)
	}
	return embed
}

// ErrorEmbed renders a conversation failure.
func ErrorEmbed(message string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Conversation error",
		Description: message,
		Color:       embedColorRed,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
