// Package roommode decides between the per-speaker and broadcast topologies
// and propagates that decision over the room_mode topic.
package roommode

import "sort"

// Mode is the room topology carried on the wire.
type Mode string

const (
	// ModeNormal publishes one track per (speaker, target-language) pair.
	ModeNormal Mode = "normal"
	// ModeUnified publishes a single broadcast track per language.
	ModeUnified Mode = "unified"
)

// UnifiedThreshold is the largest distinct-language count that still fits
// the broadcast topology. Two-language meetings are the dominant case and
// unified mode halves the session count for them.
const UnifiedThreshold = 2

// Decide returns the topology for a set of distinct enabled languages.
func Decide(languages []string) Mode {
	if len(languages) <= UnifiedThreshold {
		return ModeUnified
	}
	return ModeNormal
}

// State is a committed topology decision. In unified mode Languages is the
// frozen set the broadcast covers; in normal mode it is informational.
type State struct {
	Mode      Mode
	Languages []string
}

// Equal reports whether two states describe the same topology over the same
// language set.
func (s State) Equal(other State) bool {
	if s.Mode != other.Mode || len(s.Languages) != len(other.Languages) {
		return false
	}
	for i := range s.Languages {
		if s.Languages[i] != other.Languages[i] {
			return false
		}
	}
	return true
}

func (s State) clone() State {
	out := State{Mode: s.Mode}
	if len(s.Languages) > 0 {
		out.Languages = append([]string(nil), s.Languages...)
	}
	return out
}

func normalize(languages []string) []string {
	if len(languages) == 0 {
		return nil
	}
	out := append([]string(nil), languages...)
	sort.Strings(out)
	return out
}
