package roommode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/metrics"
)

// Change is a committed topology transition.
type Change struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// Listener observes committed transitions. The session manager drops
// sessions keyed for the old topology from here.
type Listener interface {
	OnModeChange(change Change)
}

// LanguageSource supplies the distinct enabled target languages in the room.
type LanguageSource interface {
	EnabledLanguages() []string
}

// Publisher sends an encoded control payload on a data-channel topic.
type Publisher interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
}

// Controller is the single writer of the room's topology. It recomputes the
// mode from the aggregate language preferences and broadcasts every
// transition. Clients keep operating under the previous mode until the
// broadcast reaches them; the gap is bounded and accepted.
type Controller struct {
	source    LanguageSource
	publisher Publisher
	logger    *slog.Logger
	obs       metrics.Observer

	mu        sync.RWMutex
	state     State
	listeners []Listener
}

// NewController starts in normal mode, matching what clients assume before
// the first broadcast arrives.
func NewController(source LanguageSource, publisher Publisher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		source:    source,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "roommode")),
		state:     State{Mode: ModeNormal},
	}
}

// State returns the current committed topology.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// AddListener registers a transition observer.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// SetObserver attaches a metrics sink for committed transitions.
func (c *Controller) SetObserver(obs metrics.Observer) { c.obs = obs }

// Recompute re-derives the topology from the current language set and, when
// it changed, broadcasts the new state and notifies listeners. A unified
// room whose covered set changes counts as a transition too: sessions for
// dropped languages must go.
func (c *Controller) Recompute(ctx context.Context, reason string) (State, bool, error) {
	languages := normalize(c.source.EnabledLanguages())
	next := State{Mode: Decide(languages), Languages: languages}

	c.mu.Lock()
	prev := c.state
	if next.Equal(prev) {
		c.mu.Unlock()
		return prev.clone(), false, nil
	}
	c.state = next
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	change := Change{From: prev.clone(), To: next.clone(), Timestamp: time.Now(), Reason: reason}
	c.logger.Info("room_mode_changed",
		slog.String("from", string(prev.Mode)),
		slog.String("to", string(next.Mode)),
		slog.Int("language_count", len(next.Languages)),
		slog.String("reason", reason))
	if c.obs != nil {
		c.obs.RecordEvent(metrics.MetricsEvent{
			Name: "mode_transition",
			Time: change.Timestamp,
			Tags: map[string]string{
				"from":   string(prev.Mode),
				"to":     string(next.Mode),
				"reason": reason,
			},
		})
	}

	for _, l := range listeners {
		l.OnModeChange(change)
	}

	if err := c.broadcast(ctx, next); err != nil {
		return next.clone(), true, err
	}
	return next.clone(), true, nil
}

// Broadcast resends the current state without recomputing. Used to bring a
// late joiner up to date.
func (c *Controller) Broadcast(ctx context.Context) error {
	return c.broadcast(ctx, c.State())
}

func (c *Controller) broadcast(ctx context.Context, st State) error {
	payload, err := control.Encode(control.RoomModeUpdate{
		Mode:          string(st.Mode),
		LanguageCount: len(st.Languages),
		Languages:     st.Languages,
	})
	if err != nil {
		return err
	}
	if err := c.publisher.PublishData(ctx, control.TopicRoomMode, payload); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonControlSend)
	}
	return nil
}
