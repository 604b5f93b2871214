package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Log level and conversation settings are applied without a restart; the
// sections listed in RestartRequired are not.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged is true when anything in the conversation section
	// changed. New sessions pick the change up; running sessions keep the
	// context they were opened with.
	ConversationChanged bool
	ModeChanges         []ModeDiff // per-mode diffs
	StopPhrasesChanged  bool

	// RestartRequired names the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// ModeDiff describes what changed for a single configured mode.
type ModeDiff struct {
	Name    string
	Changed bool
	Added   bool
	Removed bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ConversationChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Conversation
	oc, nc := old.Conversation, new.Conversation
	d.StopPhrasesChanged = !slices.Equal(oc.StopPhrases, nc.StopPhrases)
	d.ModeChanges = diffModes(oc.Modes, nc.Modes)
	d.ConversationChanged = d.StopPhrasesChanged || len(d.ModeChanges) > 0 ||
		oc.UserName != nc.UserName ||
		oc.DefaultMode != nc.DefaultMode ||
		oc.Behavior != nc.Behavior ||
		oc.RecentMessages != nc.RecentMessages

	// Startup-only sections.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"transport", old.Transport, new.Transport},
		{"audio", old.Audio, new.Audio},
		{"history", old.History, new.History},
		{"discord", old.Discord, new.Discord},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}

// diffModes compares the configured mode lists by name.
func diffModes(old, new []ModeConfig) []ModeDiff {
	oldModes := make(map[string]ModeConfig, len(old))
	for _, m := range old {
		oldModes[m.Name] = m
	}
	newModes := make(map[string]ModeConfig, len(new))
	for _, m := range new {
		newModes[m.Name] = m
	}

	var out []ModeDiff
	for _, m := range old {
		nm, exists := newModes[m.Name]
		switch {
		case !exists:
			out = append(out, ModeDiff{Name: m.Name, Removed: true})
		case nm != m:
			out = append(out, ModeDiff{Name: m.Name, Changed: true})
		}
	}
	for _, m := range new {
		if _, exists := oldModes[m.Name]; !exists {
			out = append(out, ModeDiff{Name: m.Name, Added: true})
		}
	}
	return out
}
