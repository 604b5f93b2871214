// Package voicecmd detects spoken stop phrases in user transcripts.
//
// Speech-to-text output for short interjections is noisy ("stop" arrives as
// "Stop.", "stopp" or "stahp"), so phrases are matched phonetically: each
// transcript word must share a Double Metaphone code with the corresponding
// phrase word and reach a minimum Jaro-Winkler similarity. Words that match
// exactly always pass.
//
// A Detector is read-only after construction and safe for concurrent use.
package voicecmd

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const defaultThreshold = 0.80

// DefaultPhrases are used when no stop phrases are configured.
var DefaultPhrases = []string{"stop", "wait", "hold on", "be quiet"}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets the minimum per-word Jaro-Winkler score for a
// phonetically matching word. Default: 0.80.
func WithThreshold(threshold float64) Option {
	return func(d *Detector) {
		if threshold > 0 && threshold <= 1 {
			d.threshold = threshold
		}
	}
}

type phrase struct {
	text  string
	words []word
}

type word struct {
	text  string
	codes [2]string
}

// Detector matches transcripts against a fixed set of stop phrases.
type Detector struct {
	phrases   []phrase
	threshold float64
}

// New returns a Detector for phrases. Blank phrases are ignored; when none
// remain, [DefaultPhrases] are used.
func New(phrases []string, opts ...Option) *Detector {
	d := &Detector{threshold: defaultThreshold}
	for _, o := range opts {
		o(d)
	}
	for _, p := range phrases {
		if ws := tokenize(p); len(ws) > 0 {
			d.phrases = append(d.phrases, phrase{text: strings.Join(ws, " "), words: encode(ws)})
		}
	}
	if len(d.phrases) == 0 {
		return New(DefaultPhrases, opts...)
	}
	return d
}

// Phrases returns the normalized phrases the detector listens for.
func (d *Detector) Phrases() []string {
	out := make([]string, len(d.phrases))
	for i, p := range d.phrases {
		out[i] = p.text
	}
	return out
}

// Detect reports the first configured phrase found anywhere in text.
func (d *Detector) Detect(text string) (string, bool) {
	words := encode(tokenize(text))
	if len(words) == 0 {
		return "", false
	}
	for _, p := range d.phrases {
		for start := 0; start+len(p.words) <= len(words); start++ {
			if d.matchAt(words[start:start+len(p.words)], p.words) {
				return p.text, true
			}
		}
	}
	return "", false
}

func (d *Detector) matchAt(got, want []word) bool {
	for i := range want {
		if got[i].text == want[i].text {
			continue
		}
		if !codesOverlap(got[i].codes, want[i].codes) {
			return false
		}
		if matchr.JaroWinkler(got[i].text, want[i].text, false) < d.threshold {
			return false
		}
	}
	return true
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func encode(tokens []string) []word {
	out := make([]word, len(tokens))
	for i, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		out[i] = word{text: t, codes: [2]string{p, s}}
	}
	return out
}

func codesOverlap(a, b [2]string) bool {
	for _, x := range a {
		if x == "" {
			continue
		}
		if x == b[0] || x == b[1] {
			return true
		}
	}
	return false
}
