// Package sysctx builds the system context string a conversation session is
// opened with.
//
// The context is a pure function of the conversation mode, the user's
// profile, the configured behaviour, and optionally a few recent messages
// from the mode's history. Empty sections are omitted rather than rendered
// as empty headers.
package sysctx

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/duplex/internal/transcript"
)

// Behavior controls how proactive the model is.
type Behavior string

const (
	// BehaviorActive lets the model ask follow-up questions and keep the
	// conversation going.
	BehaviorActive Behavior = "active"

	// BehaviorAmbient makes the model answer only when addressed.
	BehaviorAmbient Behavior = "ambient"
)

// Valid reports whether b is a known behaviour.
func (b Behavior) Valid() bool {
	return b == BehaviorActive || b == BehaviorAmbient
}

// Mode describes one conversation style.
type Mode struct {
	// Name is the identifier clients select, e.g. "general".
	Name string `json:"name"`

	// Title is a short human-readable label.
	Title string `json:"title"`

	// Persona is the opening description of who the model is in this mode.
	Persona string `json:"-"`

	// Instructions are extra mode-specific rules.
	Instructions string `json:"-"`
}

// Built-in mode names.
const (
	ModeGeneral  = "general"
	ModeAdvisor  = "advisor"
	ModePractice = "practice"
)

// DefaultModes returns the built-in modes.
func DefaultModes() []Mode {
	return []Mode{
		{
			Name:    ModeGeneral,
			Title:   "General assistant",
			Persona: "You are a friendly voice assistant having a spoken conversation.",
		},
		{
			Name:    ModeAdvisor,
			Title:   "Advisor",
			Persona: "You are a thoughtful business advisor talking the user through decisions about their company.",
			Instructions: "Ask one clarifying question before giving a recommendation when the situation is unclear. " +
				"Be explicit about assumptions and risks.",
		},
		{
			Name:    ModePractice,
			Title:   "Practice partner",
			Persona: "You are a conversation partner helping the user rehearse a conversation such as a pitch or a negotiation.",
			Instructions: "Stay in the role the user gives you until they ask for feedback. " +
				"When asked, give short, concrete feedback on what to improve.",
		},
	}
}

// Profile carries what the session knows about the user.
type Profile struct {
	Name string
}

// Builder renders system contexts for a fixed set of modes.
// It is safe for concurrent use once constructed.
type Builder struct {
	modes    []Mode
	behavior Behavior
	recent   int
}

// NewBuilder returns a Builder over modes. Later entries with the same name
// replace earlier ones, so configured modes override built-ins. recent is
// the maximum number of history messages included; zero disables the
// section.
func NewBuilder(modes []Mode, behavior Behavior, recent int) *Builder {
	if !behavior.Valid() {
		behavior = BehaviorActive
	}
	b := &Builder{behavior: behavior, recent: max(recent, 0)}
	for _, m := range modes {
		if i := slices.IndexFunc(b.modes, func(x Mode) bool { return x.Name == m.Name }); i >= 0 {
			b.modes[i] = m
			continue
		}
		b.modes = append(b.modes, m)
	}
	return b
}

// Modes returns the known modes in registration order.
func (b *Builder) Modes() []Mode { return slices.Clone(b.modes) }

// Mode looks up a mode by name.
func (b *Builder) Mode(name string) (Mode, bool) {
	i := slices.IndexFunc(b.modes, func(m Mode) bool { return m.Name == name })
	if i < 0 {
		return Mode{}, false
	}
	return b.modes[i], true
}

// Recent returns how many history messages Build includes at most.
func (b *Builder) Recent() int { return b.recent }

// Build renders the system context for mode. Unknown modes return an error.
// recent holds the mode's latest messages in chronological order; only the
// last [Builder.Recent] are used.
func (b *Builder) Build(mode string, profile Profile, recent []transcript.Message) (string, error) {
	m, ok := b.Mode(mode)
	if !ok {
		return "", fmt.Errorf("sysctx: unknown mode %q", mode)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(m.Persona))
	if name := strings.TrimSpace(profile.Name); name != "" {
		fmt.Fprintf(&sb, " You are talking with %s.", name)
	}

	if ins := strings.TrimSpace(m.Instructions); ins != "" {
		sb.WriteString("\n\n## Mode\n")
		sb.WriteString(ins)
	}

	sb.WriteString("\n\n## Behaviour\n")
	switch b.behavior {
	case BehaviorAmbient:
		sb.WriteString("Only respond when the user addresses you directly. Otherwise stay silent.")
	default:
		sb.WriteString("Keep the conversation going. You may ask short follow-up questions.")
	}
	sb.WriteString(" Replies are spoken aloud: keep them brief and avoid lists, markup, and links.")

	if b.recent > 0 && len(recent) > 0 {
		if len(recent) > b.recent {
			recent = recent[len(recent)-b.recent:]
		}
		sb.WriteString("\n\n## Earlier In This Conversation\n")
		for _, msg := range recent {
			speaker := "User"
			if msg.Role == transcript.RoleModel {
				speaker = "You"
			}
			fmt.Fprintf(&sb, "- %s: %s\n", speaker, strings.TrimSpace(msg.Text))
		}
	}

	return strings.TrimRight(sb.String(), "\n"), nil
}
