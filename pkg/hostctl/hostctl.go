// Package hostctl carries the host's room-wide tuning: voice activity
// sensitivity, synthesized voice, end-of-turn silence, and barge-in policy.
// The host publishes changes on the host-control topic; the agent folds them
// into a Store and re-tunes live sessions from there.
package hostctl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/harunnryd/traduki/pkg/engine"
)

// Named sensitivity levels.
const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

// DefaultVoice is used when the host never picked one.
const DefaultVoice = "alloy"

// prefixPaddingMs of speech is kept ahead of every detected turn regardless
// of sensitivity.
const prefixPaddingMs = 300

const (
	minSilenceMs = 100
	maxSilenceMs = 5000
)

var voices = map[string]struct{}{
	"alloy": {},
	"echo":  {},
	"fable": {},
	"nova":  {},
}

// Settings is the host-owned tuning state shared by every translation
// session in the room.
type Settings struct {
	// Sensitivity is one of the named levels.
	Sensitivity string
	Voice       string
	// SilenceMs overrides the end-of-turn silence window. Zero derives the
	// window from the sensitivity level.
	SilenceMs          int
	AllowInterruptions bool
}

// Default returns the tuning new rooms start with.
func Default() Settings {
	return Settings{
		Sensitivity:        SensitivityMedium,
		Voice:              DefaultVoice,
		AllowInterruptions: true,
	}
}

// Tuning resolves the settings into engine parameters.
func (s Settings) Tuning() engine.Tuning {
	threshold, silence := vadParams(s.Sensitivity)
	if s.SilenceMs > 0 {
		silence = s.SilenceMs
	}
	voice := strings.ToLower(strings.TrimSpace(s.Voice))
	if !ValidVoice(voice) {
		voice = DefaultVoice
	}
	return engine.Tuning{
		VADThreshold:       threshold,
		SilenceDurationMs:  silence,
		PrefixPaddingMs:    prefixPaddingMs,
		Voice:              voice,
		AllowInterruptions: s.AllowInterruptions,
	}
}

// vadParams maps a sensitivity level to a detection threshold and the
// silence window that ends a turn. Low tolerates noise and waits longer
// before closing a turn; high reacts fast.
func vadParams(level string) (threshold float64, silenceMs int) {
	switch level {
	case SensitivityLow:
		return 0.75, 1000
	case SensitivityHigh:
		return 0.4, 400
	default:
		return 0.5, 500
	}
}

// NormalizeSensitivity accepts a named level or a 0-100 slider value and
// returns the canonical level. Slider thirds map onto the named levels, with
// higher numbers meaning more sensitive.
func NormalizeSensitivity(value string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return v, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 100 {
		return "", fmt.Errorf("unknown vad sensitivity %q", value)
	}
	switch {
	case n <= 33:
		return SensitivityLow, nil
	case n <= 66:
		return SensitivityMedium, nil
	default:
		return SensitivityHigh, nil
	}
}

// ValidVoice reports whether the synthesis backends know the voice.
func ValidVoice(voice string) bool {
	_, ok := voices[strings.ToLower(strings.TrimSpace(voice))]
	return ok
}

// Voices lists the accepted voice names.
func Voices() []string {
	out := make([]string, 0, len(voices))
	for v := range voices {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func clampSilence(ms int) int {
	if ms < minSilenceMs {
		return minSilenceMs
	}
	if ms > maxSilenceMs {
		return maxSilenceMs
	}
	return ms
}
