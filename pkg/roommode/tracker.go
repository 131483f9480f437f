package roommode

import (
	"log/slog"
	"sync"
	"time"
)

// Tracker is the client-side mirror of the controller's state. It adopts
// whatever the room_mode broadcast says and assumes normal mode until the
// first broadcast arrives.
type Tracker struct {
	logger *slog.Logger

	mu        sync.RWMutex
	state     State
	listeners []Listener
}

// NewTracker builds a tracker in the pre-broadcast default state.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger: logger.With(slog.String("component", "roommode")),
		state:  State{Mode: ModeNormal},
	}
}

// State returns the last adopted topology.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.clone()
}

// AddListener registers a transition observer. Subscription resolvers
// re-evaluate their subscriptions from here.
func (t *Tracker) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Apply adopts a broadcast state. Repeated identical broadcasts are
// swallowed; senders resend on reconnect and listeners must not churn.
func (t *Tracker) Apply(mode string, languages []string) {
	next := State{Mode: Mode(mode), Languages: normalize(languages)}

	t.mu.Lock()
	prev := t.state
	if next.Equal(prev) {
		t.mu.Unlock()
		return
	}
	t.state = next
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	t.logger.Debug("room_mode_adopted",
		slog.String("from", string(prev.Mode)),
		slog.String("to", string(next.Mode)),
		slog.Int("language_count", len(next.Languages)))

	change := Change{From: prev.clone(), To: next.clone(), Timestamp: time.Now(), Reason: "broadcast"}
	for _, l := range listeners {
		l.OnModeChange(change)
	}
}
