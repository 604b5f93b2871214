// Package transcript assembles streamed partial transcripts into finalized
// conversation turns.
//
// An [Aggregator] holds the pending [Turn]. User partials extend the user
// text; the first model partial of a turn freezes the user text as the
// utterance the model is answering, and later model partials extend the
// model text. [Aggregator.Finalize] turns the pending turn into at most two
// immutable [Message]s and clears it. Interruptions never finalize.
//
// An Aggregator is owned by a single goroutine and is not safe for
// concurrent use.
package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role tags a finalized message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Source is a citation attached to a model message.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

// Message is a finalized, append-only conversation record.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is the mutable accumulator for the exchange in progress.
type Turn struct {
	UserText    string
	ModelText   string
	Sources     []Source
	FinalizedAt time.Time

	// capturedUser is the user text frozen by the first model partial.
	capturedUser string
	captured     bool
}

// CapturedUserText returns the user text frozen when the model began
// responding, and whether that has happened yet.
func (t Turn) CapturedUserText() (string, bool) { return t.capturedUser, t.captured }

// Empty reports whether the turn holds no text at all.
func (t Turn) Empty() bool {
	return t.UserText == "" && t.ModelText == "" && !t.captured
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithIDFunc overrides message ID generation.
func WithIDFunc(fn func() string) Option {
	return func(a *Aggregator) { a.newID = fn }
}

// Aggregator accumulates partial transcripts for one session.
type Aggregator struct {
	pending Turn
	last    Turn
	now     func() time.Time
	newID   func() string
}

// New returns an Aggregator with an empty pending turn.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// UserPartial appends text to the pending user text.
func (a *Aggregator) UserPartial(text string) {
	a.pending.UserText += text
}

// ModelPartial appends text to the pending model text. The first call of a
// turn freezes the user text accumulated so far; user speech arriving after
// that point is kept in UserText but is not part of this turn's user
// message.
func (a *Aggregator) ModelPartial(text string) {
	if !a.pending.captured {
		a.pending.capturedUser = a.pending.UserText
		a.pending.captured = true
	}
	a.pending.ModelText += text
}

// AddSources attaches citations to the pending model answer, skipping
// duplicates by URI.
func (a *Aggregator) AddSources(sources ...Source) {
	for _, s := range sources {
		if s.URI == "" || a.hasSource(s.URI) {
			continue
		}
		a.pending.Sources = append(a.pending.Sources, s)
	}
}

func (a *Aggregator) hasSource(uri string) bool {
	for _, s := range a.pending.Sources {
		if s.URI == uri {
			return true
		}
	}
	return false
}

// Pending returns a copy of the pending turn.
func (a *Aggregator) Pending() Turn {
	t := a.pending
	t.Sources = append([]Source(nil), a.pending.Sources...)
	return t
}

// Finalize closes the pending turn. It returns a user message when the
// frozen user text is non-empty and a model message when the trimmed model
// text is non-empty, in that order, then clears the pending turn. A second
// call with no partials in between returns nothing.
func (a *Aggregator) Finalize() []Message {
	t := a.pending
	a.pending = Turn{}

	now := a.now()
	t.FinalizedAt = now
	a.last = t
	var out []Message
	if user := strings.TrimSpace(t.capturedUser); user != "" {
		out = append(out, Message{ID: a.newID(), Role: RoleUser, Text: user, CreatedAt: now})
	}
	if model := strings.TrimSpace(t.ModelText); model != "" {
		out = append(out, Message{ID: a.newID(), Role: RoleModel, Text: model, Sources: t.Sources, CreatedAt: now})
	}
	return out
}

// Last returns the most recently finalized turn, with FinalizedAt set.
func (a *Aggregator) Last() Turn { return a.last }

// Reset discards the pending turn without emitting anything.
func (a *Aggregator) Reset() {
	a.pending = Turn{}
}
