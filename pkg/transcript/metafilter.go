package transcript

import "strings"

// Realtime models occasionally answer the "translate everything" instruction
// itself instead of translating ("I'll stay silent", "no translation
// needed"), most often when a speaker already talks the target language.
// These phrases classify such output.
var metaPhrases = []string{
	"i understand", "i'll stay silent", "i'll remain silent", "understood",
	"i'll stop", "no translation needed", "staying silent", "remaining silent",
	"no output", "zero output", "complete silence", "producing nothing",
	"nothing to translate", "no translation", "staying quiet", "remaining quiet",
	"i understand now", "got it", "okay", "ok", "will stay silent", "will remain silent",
	"not translating", "thank you", "thanks", "you're welcome", "no problem",
	"sure", "of course", "absolutely", "certainly", "indeed",
	"i see", "i hear you", "gotcha", "roger", "copy", "affirmative",
	"no need to translate", "already in", "same language", "no change needed",
	"no translation required", "already correct", "no action needed",
}

var acknowledgmentWords = map[string]struct{}{
	"understand": {}, "silent": {}, "ok": {}, "okay": {}, "got": {}, "it": {},
	"no": {}, "output": {}, "zero": {}, "nothing": {}, "thanks": {}, "thank": {},
	"sure": {}, "yes": {}, "yeah": {}, "yep": {}, "right": {}, "correct": {}, "exactly": {},
}

const (
	// A classified text is only dropped when this short. Longer text that
	// merely contains a stock phrase is a real translation and passes.
	filterMaxChars = 15
	filterMaxWords = 3
)

// IsMetaCommentary classifies text as model self-talk rather than a
// translation. The classification is deliberately broad; ShouldFilter adds
// the length gate that decides whether to actually drop.
func IsMetaCommentary(text string) bool {
	if text == "" {
		return true
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	clean := stripPunct(lower)
	if clean == "" {
		return true
	}

	for _, phrase := range metaPhrases {
		phraseClean := stripPunct(phrase)
		if clean == phraseClean ||
			strings.HasPrefix(clean, phraseClean+" ") ||
			strings.HasSuffix(clean, " "+phraseClean) {
			return true
		}
	}
	for _, phrase := range metaPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}

	words := strings.Fields(lower)
	if len(words) <= 4 {
		for _, w := range words {
			if _, ok := acknowledgmentWords[stripPunct(w)]; ok {
				return true
			}
		}
	}
	if len(words) <= 6 {
		all := true
		for _, w := range words {
			if _, ok := acknowledgmentWords[stripPunct(w)]; !ok {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// ShouldFilter reports whether text must be dropped from the transcript
// stream: meta commentary, and short enough that it cannot be a genuine
// translation.
func ShouldFilter(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if len(trimmed) > filterMaxChars || len(strings.Fields(trimmed)) > filterMaxWords {
		return false
	}
	return IsMetaCommentary(trimmed)
}

func stripPunct(s string) string {
	r := strings.NewReplacer(".", "", ",", "", "!", "", "?", "", "'", "")
	return strings.TrimSpace(r.Replace(s))
}
