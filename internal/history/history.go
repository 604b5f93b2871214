// Package history stores finalized conversation messages per mode.
//
// The history is append-only: a [Store] never mutates or deletes a message
// once written. Messages are keyed by the conversation mode so that a new
// session in the same mode can pick up where the last one stopped.
package history

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/duplex/internal/transcript"
)

// DefaultLimit is used when a read asks for zero or a negative number of
// messages.
const DefaultLimit = 50

// Store persists conversation messages.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// AppendMessages appends msgs to the history of mode, preserving their
	// order. Appending the same message ID twice is a no-op.
	AppendMessages(ctx context.Context, mode string, msgs []transcript.Message) error

	// Messages returns the latest limit messages of mode in chronological
	// order (oldest first).
	Messages(ctx context.Context, mode string, limit int) ([]transcript.Message, error)

	// Search returns up to limit messages of mode matching query, oldest
	// first.
	Search(ctx context.Context, mode, query string, limit int) ([]transcript.Message, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

var _ Store = (*Memory)(nil)

// Memory is an in-process [Store]. Search is a case-insensitive match on
// every query word.
type Memory struct {
	mu    sync.RWMutex
	modes map[string][]transcript.Message
	ids   map[string]struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		modes: make(map[string][]transcript.Message),
		ids:   make(map[string]struct{}),
	}
}

// AppendMessages implements [Store].
func (m *Memory) AppendMessages(ctx context.Context, mode string, msgs []transcript.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if _, dup := m.ids[msg.ID]; dup {
			continue
		}
		m.ids[msg.ID] = struct{}{}
		msg.Sources = slices.Clone(msg.Sources)
		m.modes[mode] = append(m.modes[mode], msg)
	}
	return nil
}

// Messages implements [Store].
func (m *Memory) Messages(ctx context.Context, mode string, limit int) ([]transcript.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.modes[mode]
	return slices.Clone(all[max(0, len(all)-normLimit(limit)):]), nil
}

// Search implements [Store].
func (m *Memory) Search(ctx context.Context, mode, query string, limit int) ([]transcript.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return []transcript.Message{}, nil
	}
	limit = normLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []transcript.Message{}
	for _, msg := range m.modes[mode] {
		text := strings.ToLower(msg.Text)
		if !containsAll(text, words) {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping implements [Store].
func (m *Memory) Ping(context.Context) error { return nil }

func containsAll(text string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(text, w) {
			return false
		}
	}
	return true
}

func normLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
