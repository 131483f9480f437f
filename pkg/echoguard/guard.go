// Package echoguard arbitrates the local microphone between the user and
// the translator. While the participant's own translated audio is audible
// the mic is auto-muted so the room never hears a translation of a
// translation.
package echoguard

import (
	"context"
	"log/slog"
	"sync"

	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/tracks"
	"github.com/harunnryd/traduki/pkg/transports"
)

// Guard wraps the transport's microphone control. Two flags keep user
// intent and automatic muting from losing each other's updates: autoMuted
// records that the guard, not the user, performed the current mute, and
// wasEnabled remembers the state to restore afterwards. A manual mute is
// never overridden.
type Guard struct {
	mic transports.MicController

	mu         sync.Mutex
	audible    map[string]struct{}
	autoMuted  bool
	wasEnabled bool

	logger *slog.Logger
}

func New(mic transports.MicController) *Guard {
	return &Guard{
		mic:     mic,
		audible: make(map[string]struct{}),
		logger:  logging.NewComponentLogger(slog.Default(), "echo_guard"),
	}
}

func (g *Guard) SetLogger(logger *slog.Logger) {
	if logger != nil {
		g.logger = logging.NewComponentLogger(logger, "echo_guard")
	}
}

// AudioStarted reports that a subscribed translation track began playing.
// Non-translation tracks are ignored.
func (g *Guard) AudioStarted(ctx context.Context, track string) {
	if !tracks.IsTranslation(track) {
		return
	}
	g.mu.Lock()
	first := len(g.audible) == 0
	g.audible[track] = struct{}{}
	if !first || g.autoMuted {
		g.mu.Unlock()
		return
	}
	enabled := g.mic.MicEnabled()
	if !enabled {
		// The user muted themselves; leave their choice alone.
		g.mu.Unlock()
		return
	}
	g.autoMuted = true
	g.wasEnabled = true
	g.mu.Unlock()

	if err := g.mic.SetMicEnabled(ctx, false); err != nil {
		g.logger.Warn("echo guard mute failed",
			slog.String("track", track),
			slog.String("error", err.Error()))
		g.mu.Lock()
		g.autoMuted = false
		g.wasEnabled = false
		g.mu.Unlock()
		return
	}
	g.logger.Debug("mic auto-muted", slog.String("track", track))
}

// AudioStopped reports that a translation track went silent. When the last
// audible track stops and the guard owns the mute, the mic returns to its
// prior state.
func (g *Guard) AudioStopped(ctx context.Context, track string) {
	if !tracks.IsTranslation(track) {
		return
	}
	g.mu.Lock()
	delete(g.audible, track)
	if len(g.audible) > 0 || !g.autoMuted {
		g.mu.Unlock()
		return
	}
	restore := g.wasEnabled
	g.autoMuted = false
	g.wasEnabled = false
	g.mu.Unlock()

	if !restore {
		return
	}
	if err := g.mic.SetMicEnabled(ctx, true); err != nil {
		g.logger.Warn("echo guard restore failed",
			slog.String("track", track),
			slog.String("error", err.Error()))
		return
	}
	g.logger.Debug("mic restored", slog.String("track", track))
}

// SetMicEnabled is the user path. Manual intent always wins: the guard's
// flags reset so a later AudioStopped does not undo the user's choice.
func (g *Guard) SetMicEnabled(ctx context.Context, enabled bool) error {
	g.mu.Lock()
	g.autoMuted = false
	g.wasEnabled = false
	g.mu.Unlock()
	return g.mic.SetMicEnabled(ctx, enabled)
}

func (g *Guard) MicEnabled() bool { return g.mic.MicEnabled() }

// AutoMuted reports whether the guard currently owns the mute.
func (g *Guard) AutoMuted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.autoMuted
}

var _ transports.MicController = (*Guard)(nil)
