// Package transcript assembles the text side of translation sessions and
// mirrors it to the room over the transcription topic. Engines emit two text
// streams per session (the recognized original and the translated
// rendering); the assembler pairs them up and throttles partials so the UI
// is not redrawn for single-token deltas.
package transcript

import (
	"strings"
	"sync"

	"github.com/harunnryd/traduki/pkg/frames"
)

// Config bounds when a growing partial is worth announcing.
type Config struct {
	MinPartialWords int
	MinPartialChars int
}

func (c Config) withDefaults() Config {
	if c.MinPartialWords <= 0 {
		c.MinPartialWords = 2
	}
	if c.MinPartialChars <= 0 {
		c.MinPartialChars = 15
	}
	return c
}

// Update is one publishable transcript state for a session.
type Update struct {
	SessionKey     string
	SpeakerID      string
	TargetLanguage string
	Original       string
	Translated     string
	Final          bool
}

type entry struct {
	sb       strings.Builder
	original string
	speaker  string
	language string
}

// Assembler accumulates per-session transcript deltas. One goroutine per
// session writes (the session pump); Reset may race with it, so everything
// is mutex-guarded.
type Assembler struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
}

func NewAssembler(cfg Config) *Assembler {
	return &Assembler{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
	}
}

// Ingest folds one engine text frame into the session's accumulation and
// returns a publishable update. ok is false while a partial is still below
// the announcement threshold, and for recognition frames, which only feed
// the original-text side.
func (a *Assembler) Ingest(key string, f frames.TextFrame) (Update, bool) {
	meta := f.Meta()

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[key]
	if !ok {
		e = &entry{}
		a.entries[key] = e
	}
	if v := meta[frames.MetaSpeakerID]; v != "" {
		e.speaker = v
	}
	if v := meta[frames.MetaTargetLanguage]; v != "" {
		e.language = v
	}

	if meta[frames.MetaSource] == frames.SourceRecognition {
		if meta[frames.MetaIsFinal] == "true" {
			if text := strings.TrimSpace(f.Text()); text != "" {
				e.original = text
			}
		}
		return Update{}, false
	}

	if meta[frames.MetaIsFinal] == "true" {
		text := strings.TrimSpace(f.Text())
		if text == "" {
			text = strings.TrimSpace(e.sb.String())
		}
		original := e.original
		if original == "" {
			original = text
		}
		e.sb.Reset()
		e.original = ""
		if text == "" {
			return Update{}, false
		}
		return Update{
			SessionKey:     key,
			SpeakerID:      e.speaker,
			TargetLanguage: e.language,
			Original:       original,
			Translated:     text,
			Final:          true,
		}, true
	}

	e.sb.WriteString(f.Text())
	acc := strings.TrimSpace(e.sb.String())
	if len(acc) < a.cfg.MinPartialChars && len(strings.Fields(acc)) < a.cfg.MinPartialWords {
		return Update{}, false
	}
	return Update{
		SessionKey:     key,
		SpeakerID:      e.speaker,
		TargetLanguage: e.language,
		Original:       e.original,
		Translated:     acc,
		Final:          false,
	}, true
}

// Reset discards any partial accumulation for a closed session.
func (a *Assembler) Reset(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, key)
}
