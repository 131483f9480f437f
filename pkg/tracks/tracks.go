package tracks

import "strings"

// Prefix marks a published audio track as translator output. Anything not
// carrying it belongs to the regular media path and is never interpreted here.
const Prefix = "translation-"

// UnifiedLanguage is the sentinel occupying the language slot of broadcast
// tracks while the room runs in unified mode.
const UnifiedLanguage = "unified"

// UnifiedPrefix marks a unified-mode broadcast track. The remainder of the
// name identifies the broadcast, which for per-language broadcasts is the
// covered language code itself.
const UnifiedPrefix = Prefix + UnifiedLanguage + "-"

// Name is the parsed identity of a translation track.
type Name struct {
	TargetLanguage string
	SpeakerID      string
}

// Unified reports whether the track is a unified-mode broadcast track.
func (n Name) Unified() bool { return n.TargetLanguage == UnifiedLanguage }

// String renders the track back into its wire form.
func (n Name) String() string {
	return Format(n.TargetLanguage, n.SpeakerID)
}

// Format builds a normal-mode track name. Language codes may carry region
// suffixes (es-CO); speaker IDs must not contain hyphens or the grammar
// becomes ambiguous.
func Format(targetLanguage, speakerID string) string {
	return Prefix + targetLanguage + "-" + speakerID
}

// FormatUnified builds a unified-mode broadcast track name. The id names the
// broadcast; the session manager uses the covered language code.
func FormatUnified(id string) string {
	return UnifiedPrefix + id
}

// IsTranslation reports whether the name is addressed by this subsystem.
func IsTranslation(name string) bool {
	return strings.HasPrefix(name, Prefix)
}

// UnifiedTarget extracts the broadcast identity from a unified-mode track
// name. Matching is a plain prefix test so identities carrying hyphens
// (region-qualified language codes) survive intact.
func UnifiedTarget(name string) (string, bool) {
	if !strings.HasPrefix(name, UnifiedPrefix) {
		return "", false
	}
	rest := name[len(UnifiedPrefix):]
	if rest == "" {
		return "", false
	}
	return rest, true
}

// Parse recovers language and speaker from a track name. The split happens on
// the last hyphen so region-qualified codes survive: parsing
// "translation-es-CO-alice" yields ("es-CO", "alice"), never ("es", "CO-alice").
// Names without the translation prefix, or with no speaker segment, are not
// translation tracks; ok is false and no error is raised.
func Parse(name string) (Name, bool) {
	if !strings.HasPrefix(name, Prefix) {
		return Name{}, false
	}
	rest := name[len(Prefix):]
	cut := strings.LastIndex(rest, "-")
	if cut <= 0 || cut == len(rest)-1 {
		return Name{}, false
	}
	return Name{
		TargetLanguage: rest[:cut],
		SpeakerID:      rest[cut+1:],
	}, true
}
