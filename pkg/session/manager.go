package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/traduki/pkg/engine"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/participant"
	"github.com/harunnryd/traduki/pkg/resilience"
	"github.com/harunnryd/traduki/pkg/roommode"
)

// RosterView is the read side of the participant roster the manager plans
// against.
type RosterView interface {
	Speakers() []participant.Participant
	EnabledLanguages() []string
	Listeners(lang string) []participant.Participant
	Get(id string) (participant.Participant, bool)
}

// ModeSource exposes the committed room topology.
type ModeSource interface {
	State() roommode.State
}

// Listener observes session-level signals: translated audio starting and
// stopping on a track, and pairs degrading when their engine stream cannot
// be established.
type Listener interface {
	SessionAudioStarted(key Key, track string)
	SessionAudioStopped(key Key, track string)
	SessionDegraded(key Key, err error)
}

// Manager reconciles the set of live translation sessions against the
// roster and room mode. Sessions are created lazily when a pair first needs
// one, reused while the need holds, and drained when it lapses. All methods
// are safe for concurrent use; the transport event loop is the usual caller.
type Manager struct {
	eng    engine.Engine
	pub    TrackPublisher
	roster RosterView
	modes  ModeSource

	mu       sync.Mutex
	sessions map[Key]*session
	tuning   engine.Tuning
	degraded map[Key]bool

	roomID       string
	sampleRate   int
	drainTimeout time.Duration

	listeners []Listener
	sink      TranscriptSink

	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy

	obs    metrics.Observer
	logger *slog.Logger
}

func NewManager(eng engine.Engine, pub TrackPublisher, roster RosterView, modes ModeSource) *Manager {
	return &Manager{
		eng:          eng,
		pub:          pub,
		roster:       roster,
		modes:        modes,
		sessions:     make(map[Key]*session),
		degraded:     make(map[Key]bool),
		sampleRate:   24000,
		drainTimeout: 5 * time.Second,
		breaker:      resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:        resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:       logging.NewComponentLogger(slog.Default(), "session_manager"),
	}
}

func (m *Manager) SetObserver(obs metrics.Observer) { m.obs = obs }

func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logging.NewComponentLogger(logger, "session_manager")
	}
}

func (m *Manager) SetRoomID(roomID string) { m.roomID = roomID }

func (m *Manager) SetSampleRate(rate int) {
	if rate > 0 {
		m.sampleRate = rate
	}
}

func (m *Manager) SetDrainTimeout(d time.Duration) {
	if d > 0 {
		m.drainTimeout = d
	}
}

// SetTranscriptSink routes transcript frames from every session.
func (m *Manager) SetTranscriptSink(sink TranscriptSink) { m.sink = sink }

// AddListener registers a session signal listener.
func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetTuning seeds the parameters new sessions open with. Use ApplyTuning to
// also re-tune live sessions.
func (m *Manager) SetTuning(t engine.Tuning) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuning = t
}

// ApplyTuning stores t for future sessions and pushes it to every live one.
// Engines pick the new parameters up on their next synthesis turn; nothing
// is restarted.
func (m *Manager) ApplyTuning(ctx context.Context, t engine.Tuning) {
	m.mu.Lock()
	m.tuning = t
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		if err := s.updateTuning(t); err != nil {
			m.logger.Warn("tuning update failed",
				slog.String("session_key", s.key.String()),
				slog.String("error", err.Error()))
		}
	}
	m.record("tuning_applied", map[string]string{"voice": t.Voice})
	m.logger.Info("tuning applied",
		slog.Float64("vad_threshold", t.VADThreshold),
		slog.Int("silence_ms", t.SilenceDurationMs),
		slog.String("voice", t.Voice),
		slog.Bool("allow_interruptions", t.AllowInterruptions),
		slog.Int("live_sessions", len(live)))
}

// desired returns the session keys the current roster and mode call for,
// mapped to the best source-language hint. In unified mode there is one
// broadcast stream per covered language; in normal mode one stream per
// (speaker, language) pair that has at least one listener besides the
// speaker. A pair whose speaker already talks the target language is
// skipped entirely.
func (m *Manager) desired() map[Key]string {
	want := make(map[Key]string)
	state := m.modes.State()

	if state.Mode == roommode.ModeUnified {
		for _, lang := range state.Languages {
			want[Key{TargetLanguage: lang}] = ""
		}
		return want
	}

	speakers := m.roster.Speakers()
	for _, lang := range m.roster.EnabledLanguages() {
		listeners := m.roster.Listeners(lang)
		if len(listeners) == 0 {
			continue
		}
		for _, sp := range speakers {
			if sp.Language != "" && strings.EqualFold(sp.Language, lang) {
				continue
			}
			for _, l := range listeners {
				if l.ID != sp.ID {
					want[Key{SpeakerID: sp.ID, TargetLanguage: lang}] = sp.Language
					break
				}
			}
		}
	}
	return want
}

// Reconcile diffs live sessions against the desired set: extra sessions are
// drained asynchronously, missing ones are opened. Safe to call on every
// roster or mode change; an unchanged set is a no-op.
func (m *Manager) Reconcile(ctx context.Context, reason string) {
	want := m.desired()

	m.mu.Lock()
	var stale []*session
	for key, s := range m.sessions {
		if _, ok := want[key]; !ok {
			stale = append(stale, s)
			delete(m.sessions, key)
		}
	}
	for key := range m.degraded {
		if _, ok := want[key]; !ok {
			delete(m.degraded, key)
		}
	}
	var missing []Key
	for key := range want {
		if _, ok := m.sessions[key]; !ok {
			missing = append(missing, key)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		detached := context.WithoutCancel(ctx)
		go s.shutdown(detached, reason, m.drainTimeout)
	}
	for _, key := range missing {
		m.open(ctx, key, want[key], reason)
	}

	if len(stale) > 0 || len(missing) > 0 {
		m.logger.Info("sessions reconciled",
			slog.String("reason", reason),
			slog.Int("opened", len(missing)),
			slog.Int("drained", len(stale)),
			slog.Int("live", m.Count()))
	}
}

func (m *Manager) open(ctx context.Context, key Key, sourceLang, reason string) {
	if !m.breaker.Allow() {
		err := errorsx.Wrap(errBreakerOpen, errorsx.ReasonEngineCircuitOpen)
		m.markDegraded(key, err)
		return
	}

	cfg := engine.SessionConfig{
		Key:            key.String(),
		RoomID:         m.roomID,
		SpeakerID:      key.SpeakerID,
		SourceLanguage: sourceLang,
		TargetLanguage: key.TargetLanguage,
		TrackName:      key.TrackName(),
		SampleRate:     m.sampleRate,
		Tuning:         m.currentTuning(),
		TraceID:        uuid.NewString(),
	}

	if err := m.pub.PublishTrack(ctx, cfg.TrackName); err != nil {
		m.markDegraded(key, errorsx.Wrap(err, errorsx.ReasonTransportPublish))
		return
	}

	var es engine.Session
	err := m.retry.Do(func() error {
		var openErr error
		es, openErr = m.eng.Open(ctx, cfg)
		return openErr
	})
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSessionCreate)
		m.breaker.OnError(err)
		if unpubErr := m.pub.UnpublishTrack(ctx, cfg.TrackName); unpubErr != nil {
			m.logger.Warn("unpublish after failed open",
				slog.String("track_name", cfg.TrackName),
				slog.String("error", unpubErr.Error()))
		}
		m.markDegraded(key, err)
		return
	}
	m.breaker.OnSuccess()

	s := newSession(key, cfg, es, m.pub, m.sink, m.obs, m.logger)
	s.onAudioStarted = m.notifyAudioStarted
	s.onAudioStopped = m.notifyAudioStopped

	m.mu.Lock()
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		go s.shutdown(context.WithoutCancel(ctx), "duplicate open", m.drainTimeout)
		return
	}
	m.sessions[key] = s
	delete(m.degraded, key)
	m.mu.Unlock()

	if err := s.sm.Transition(StateActive, reason); err != nil {
		m.logger.Warn("activate failed", slog.String("session_key", key.String()), slog.String("error", err.Error()))
	}
	go s.pump(context.WithoutCancel(ctx))

	m.record("session_created", map[string]string{
		frames.MetaSessionKey:     key.String(),
		frames.MetaTargetLanguage: key.TargetLanguage,
		frames.MetaSpeakerID:      key.SpeakerID,
		frames.MetaTrackName:      cfg.TrackName,
		"reason":                  reason,
	})
	m.logger.Info("session created",
		slog.String("session_key", key.String()),
		slog.String("track_name", cfg.TrackName),
		slog.String("source_language", sourceLang),
		slog.String("reason", reason))
}

// HandleAudio fans one speaker frame into every session that consumes this
// speaker. The frame's pooled buffer is released after fan-out; engines
// must not retain it past SendAudio.
func (m *Manager) HandleAudio(ctx context.Context, speakerID string, f frames.AudioFrame) {
	state := m.modes.State()

	var speakerLang string
	if p, ok := m.roster.Get(speakerID); ok {
		speakerLang = p.Language
	}

	m.mu.Lock()
	targets := make([]*session, 0, 2)
	for key, s := range m.sessions {
		if state.Mode == roommode.ModeUnified {
			if !key.Unified() {
				continue
			}
			if speakerLang != "" && strings.EqualFold(speakerLang, key.TargetLanguage) {
				continue
			}
			targets = append(targets, s)
		} else if key.SpeakerID == speakerID {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	var failed []Key
	for _, s := range targets {
		if err := s.sendAudio(f); err != nil {
			m.logger.Warn("audio send failed",
				slog.String("session_key", s.key.String()),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			m.record("session_send_error", map[string]string{frames.MetaSessionKey: s.key.String()})
			failed = append(failed, s.key)
		}
	}
	frames.ReleaseAudioFrame(f)

	// A failed send usually means the provider stream died. Drop the
	// session and let the next reconcile rebuild it.
	for _, key := range failed {
		m.Recycle(ctx, key, "send_error")
	}
}

// Recycle tears one session down and reopens it if still desired.
func (m *Manager) Recycle(ctx context.Context, key Key, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if ok {
		s.shutdown(context.WithoutCancel(ctx), reason, m.drainTimeout)
	}
	if src, wanted := m.desired()[key]; wanted {
		m.open(ctx, key, src, reason)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Keys returns the live session keys, for introspection.
func (m *Manager) Keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.sessions))
	for key := range m.sessions {
		out = append(out, key)
	}
	return out
}

// Degraded reports whether the pair is currently without a working stream.
func (m *Manager) Degraded(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded[key]
}

// Close drains every session in parallel and waits for all of them.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	live := make([]*session, 0, len(m.sessions))
	for key, s := range m.sessions {
		live = append(live, s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.shutdown(ctx, "manager close", m.drainTimeout)
		}(s)
	}
	wg.Wait()
	m.logger.Info("all sessions closed", slog.Int("count", len(live)))
}

func (m *Manager) currentTuning() engine.Tuning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tuning
}

func (m *Manager) markDegraded(key Key, err error) {
	m.mu.Lock()
	already := m.degraded[key]
	m.degraded[key] = true
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Warn("session degraded",
		slog.String("session_key", key.String()),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	if !already {
		m.record("session_degraded", map[string]string{
			frames.MetaSessionKey: key.String(),
			"reason_code":         string(errorsx.Reason(err)),
		})
		for _, l := range listeners {
			l.SessionDegraded(key, err)
		}
	}
}

func (m *Manager) notifyAudioStarted(key Key, track string) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.SessionAudioStarted(key, track)
	}
}

func (m *Manager) notifyAudioStopped(key Key, track string) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.SessionAudioStopped(key, track)
	}
}

func (m *Manager) record(name string, tags map[string]string) {
	if m.obs == nil {
		return
	}
	all := map[string]string{frames.MetaRoomID: m.roomID}
	for k, v := range tags {
		if v != "" {
			all[k] = v
		}
	}
	m.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: all})
}

var errBreakerOpen = breakersOpenError{}

type breakersOpenError struct{}

func (breakersOpenError) Error() string { return "engine circuit open" }
