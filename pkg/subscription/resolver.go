// Package subscription decides, per listener, which translation tracks to
// subscribe to. Ordinary media tracks are never touched; the conferencing
// transport's default handling owns them.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/prefs"
	"github.com/harunnryd/traduki/pkg/roommode"
	"github.com/harunnryd/traduki/pkg/tracks"
)

// Subscriber issues subscribe and unsubscribe commands to the transport.
// Calls are fire-and-forget; completion arrives later as track events.
type Subscriber interface {
	SetSubscribed(ctx context.Context, trackName string, subscribed bool) error
}

// PreferenceSource supplies the local listener's language preference.
type PreferenceSource interface {
	Preference() (prefs.Preference, bool)
}

// ModeSource supplies the last known room topology.
type ModeSource interface {
	State() roommode.State
}

// Resolver reconciles published translation tracks against the local
// preference and the room mode. It keeps at most one subscription per
// language key: when a new matching track appears for a key that already has
// one, the old subscription goes first. Track events may race control
// messages, so every decision is recomputed from current state and a Rescan
// replays all of them after a connection gap.
type Resolver struct {
	subscriber Subscriber
	preference PreferenceSource
	mode       ModeSource
	logger     *slog.Logger
	obs        metrics.Observer

	mu        sync.Mutex
	published map[string]string
	state     map[string]string
}

// NewResolver builds a resolver with empty state.
func NewResolver(subscriber Subscriber, preference PreferenceSource, mode ModeSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		subscriber: subscriber,
		preference: preference,
		mode:       mode,
		logger:     logger.With(slog.String("component", "subscription")),
		published:  make(map[string]string),
		state:      make(map[string]string),
	}
}

// SetObserver attaches a metrics sink for issued commands.
func (r *Resolver) SetObserver(obs metrics.Observer) { r.obs = obs }

// TrackPublished records the track and reconciles it.
func (r *Resolver) TrackPublished(ctx context.Context, name, publisher string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[name] = publisher
	r.applyLocked(ctx, name)
}

// TrackUnpublished forgets the track. No unsubscribe is issued; the track is
// already gone and the transport reports the detach on its own.
func (r *Resolver) TrackUnpublished(ctx context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.published, name)
	if key, _, ok := r.decideLocked(name); ok && r.state[key] == name {
		delete(r.state, key)
	}
}

// TrackSubscribed handles the transport's confirmation. A confirmation for a
// track the resolver no longer wants is answered with an unsubscribe; the
// decision may have changed while the command was in flight.
func (r *Resolver) TrackSubscribed(ctx context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, want, ok := r.decideLocked(name)
	if !ok {
		return
	}
	if !want || r.state[key] != name {
		r.issueLocked(ctx, name, false)
		return
	}
}

// TrackUnsubscribed drops the bookkeeping entry so a later duplicate check
// does not mistake a stale track for an active subscription.
func (r *Resolver) TrackUnsubscribed(ctx context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key, _, ok := r.decideLocked(name); ok && r.state[key] == name {
		delete(r.state, key)
	}
}

// Reset drops all bookkeeping. Neither the published set nor the held
// subscriptions survive a transport reconnect; the snapshot replay that
// follows the reconnect rebuilds both from the live room.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = make(map[string]string)
	r.state = make(map[string]string)
}

// Rescan re-applies the rules to every known published track and drops state
// entries whose tracks vanished. The event stream alone cannot be trusted
// after a reconnect.
func (r *Resolver) Rescan(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, name := range r.state {
		if _, ok := r.published[name]; !ok {
			delete(r.state, key)
		}
	}
	for name := range r.published {
		r.applyLocked(ctx, name)
	}
}

// OnModeChange re-evaluates every track under the new topology. Obsolete
// subscriptions for the old mode are dropped here.
func (r *Resolver) OnModeChange(roommode.Change) {
	r.Rescan(context.Background())
}

// Subscribed returns a snapshot of the language-key to track map.
func (r *Resolver) Subscribed() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.state))
	for k, v := range r.state {
		out[k] = v
	}
	return out
}

// IsSubscribed reports whether the named track is currently held.
func (r *Resolver) IsSubscribed(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.state {
		if v == name {
			return true
		}
	}
	return false
}

// decideLocked classifies a track and decides whether this listener wants
// it. The language key is what the single-subscription bookkeeping hangs on:
// parsed target language for per-speaker tracks, the unified sentinel for
// broadcast tracks. ok is false for names this subsystem does not interpret.
func (r *Resolver) decideLocked(name string) (key string, want bool, ok bool) {
	if !tracks.IsTranslation(name) {
		return "", false, false
	}

	var served string
	if target, isUnified := tracks.UnifiedTarget(name); isUnified {
		key = tracks.UnifiedLanguage
		served = target
	} else {
		parsed, parsedOK := tracks.Parse(name)
		if !parsedOK {
			// Carries the prefix but not the grammar; not routable, ignored.
			return "", false, false
		}
		key = parsed.TargetLanguage
		served = parsed.TargetLanguage
	}

	pref, has := r.preference.Preference()
	if !has || !pref.Enabled {
		return key, false, true
	}

	switch r.mode.State().Mode {
	case roommode.ModeUnified:
		want = key == tracks.UnifiedLanguage && served == pref.Language
	default:
		want = key != tracks.UnifiedLanguage && served == pref.Language
	}
	return key, want, true
}

func (r *Resolver) applyLocked(ctx context.Context, name string) {
	key, want, ok := r.decideLocked(name)
	if !ok {
		return
	}
	cur, held := r.state[key]

	if !want {
		if held && cur == name {
			delete(r.state, key)
		}
		// Unsubscribe regardless of bookkeeping; the transport may have
		// auto-subscribed the track before this resolver saw it.
		r.issueLocked(ctx, name, false)
		return
	}

	if held && cur == name {
		return
	}
	if held && cur != name {
		r.issueLocked(ctx, cur, false)
		delete(r.state, key)
	}
	r.issueLocked(ctx, name, true)
	r.state[key] = name
}

func (r *Resolver) issueLocked(ctx context.Context, name string, subscribed bool) {
	action := "subscribe"
	if !subscribed {
		action = "unsubscribe"
	}
	if r.obs != nil {
		r.obs.RecordEvent(metrics.MetricsEvent{
			Name: "subscribe_action",
			Time: time.Now(),
			Tags: map[string]string{"track": name, "action": action},
		})
	}
	if err := r.subscriber.SetSubscribed(ctx, name, subscribed); err != nil {
		r.logger.Warn("subscription_command_failed",
			slog.String("track", name),
			slog.Bool("subscribed", subscribed),
			slog.String("error", err.Error()))
	}
}
