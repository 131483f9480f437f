package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/traduki/pkg/engine"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/participant"
	"github.com/harunnryd/traduki/pkg/resilience"
	"github.com/harunnryd/traduki/pkg/roommode"
)

type fakeEngineSession struct {
	cfg engine.SessionConfig

	mu      sync.Mutex
	sends   int
	tunings []engine.Tuning
	flushed bool

	out       chan frames.Frame
	closed    chan struct{}
	closeOnce sync.Once
	sendErr   error
}

func (s *fakeEngineSession) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sends++
	return nil
}

func (s *fakeEngineSession) Output() <-chan frames.Frame { return s.out }

func (s *fakeEngineSession) UpdateTuning(t engine.Tuning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunings = append(s.tunings, t)
	return nil
}

func (s *fakeEngineSession) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	return nil
}

func (s *fakeEngineSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.out)
		close(s.closed)
	})
	return nil
}

func (s *fakeEngineSession) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

type fakeEngine struct {
	mu       sync.Mutex
	sessions map[string]*fakeEngineSession
	openErr  error
	opens    int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sessions: make(map[string]*fakeEngineSession)}
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Open(_ context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeEngineSession{
		cfg:    cfg,
		out:    make(chan frames.Frame, 16),
		closed: make(chan struct{}),
	}
	f.sessions[cfg.Key] = s
	return s, nil
}

func (f *fakeEngine) session(key string) *fakeEngineSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[key]
}

type capturePub struct {
	mu          sync.Mutex
	published   []string
	unpublished []string
	audio       map[string]int
}

func newCapturePub() *capturePub { return &capturePub{audio: make(map[string]int)} }

func (p *capturePub) PublishTrack(_ context.Context, track string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, track)
	return nil
}

func (p *capturePub) UnpublishTrack(_ context.Context, track string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpublished = append(p.unpublished, track)
	return nil
}

func (p *capturePub) PublishAudio(_ context.Context, track string, _ frames.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audio[track]++
	return nil
}

func (p *capturePub) unpublishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.unpublished)
}

type stubModes struct {
	mu sync.Mutex
	st roommode.State
}

func (s *stubModes) State() roommode.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *stubModes) set(st roommode.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
}

type captureSignals struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	degraded []Key
}

func (c *captureSignals) SessionAudioStarted(_ Key, track string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, track)
}

func (c *captureSignals) SessionAudioStopped(_ Key, track string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, track)
}

func (c *captureSignals) SessionDegraded(key Key, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded = append(c.degraded, key)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func normalModes() *stubModes {
	return &stubModes{st: roommode.State{Mode: roommode.ModeNormal}}
}

func audioFrame(speaker string) frames.AudioFrame {
	return frames.NewAudioFrame("", time.Now().UnixNano(), []byte{1, 2, 3, 4}, 24000, 1,
		map[string]string{frames.MetaSpeakerID: speaker})
}

func TestReconcileCreatesSessionsPerListenedPair(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "es", true)
	roster.SetPreference("bob", "fr", true)
	roster.SetPreference("carol", "en", true)

	eng := newFakeEngine()
	pub := newCapturePub()
	m := NewManager(eng, pub, roster, normalModes())
	m.Reconcile(context.Background(), "test")

	keys := m.Keys()
	if len(keys) != 6 {
		t.Fatalf("expected 6 sessions (3 speakers x 2 foreign languages), got %d: %v", len(keys), keys)
	}
	for _, k := range keys {
		sp, _ := roster.Get(k.SpeakerID)
		if sp.Language == k.TargetLanguage {
			t.Fatalf("session %v violates the language-match skip", k)
		}
	}
}

func TestLanguageMatchSkip(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "es", true)
	roster.SetPreference("bob", "es", true)

	m := NewManager(newFakeEngine(), newCapturePub(), roster, normalModes())
	m.Reconcile(context.Background(), "test")

	if n := m.Count(); n != 0 {
		t.Fatalf("expected no sessions when every speaker already talks the target, got %d", n)
	}
}

func TestSoleListenerDoesNotGetOwnSpeech(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "es", true)

	m := NewManager(newFakeEngine(), newCapturePub(), roster, normalModes())
	m.Reconcile(context.Background(), "test")

	if n := m.Count(); n != 0 {
		t.Fatalf("expected no session for a listener alone in the room, got %d", n)
	}
}

func TestUnifiedModeOneSessionPerLanguage(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "en", true)
	roster.SetPreference("bob", "es", true)
	modes := &stubModes{st: roommode.State{Mode: roommode.ModeUnified, Languages: []string{"en", "es"}}}

	eng := newFakeEngine()
	pub := newCapturePub()
	m := NewManager(eng, pub, roster, modes)
	m.Reconcile(context.Background(), "test")

	keys := m.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected one broadcast session per language, got %v", keys)
	}
	var names []string
	for _, k := range keys {
		if !k.Unified() {
			t.Fatalf("expected unified key, got %v", k)
		}
		names = append(names, k.TrackName())
	}
	sort.Strings(names)
	if names[0] != "translation-unified-en" || names[1] != "translation-unified-es" {
		t.Fatalf("unexpected track names %v", names)
	}
}

func TestReconcileDrainsDisabledPair(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "es", true)
	roster.SetPreference("bob", "fr", true)
	roster.SetPreference("carol", "en", true)

	eng := newFakeEngine()
	pub := newCapturePub()
	m := NewManager(eng, pub, roster, normalModes())
	m.SetDrainTimeout(100 * time.Millisecond)
	ctx := context.Background()
	m.Reconcile(ctx, "join")
	if m.Count() != 6 {
		t.Fatalf("precondition: %d sessions", m.Count())
	}

	roster.SetPreference("alice", "es", false)
	m.Reconcile(ctx, "preference_off")

	// bob->fr and carol->en each keep two speakers' sessions.
	if m.Count() != 4 {
		t.Fatalf("expected 4 sessions after alice disabled, got %d: %v", m.Count(), m.Keys())
	}
	waitUntil(t, "stale sessions to unpublish", func() bool { return pub.unpublishedCount() == 2 })
}

func TestHandleAudioRoutesBySpeaker(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "es", true)
	roster.SetPreference("bob", "fr", true)
	roster.SetPreference("carol", "en", true)

	eng := newFakeEngine()
	m := NewManager(eng, newCapturePub(), roster, normalModes())
	ctx := context.Background()
	m.Reconcile(ctx, "test")

	m.HandleAudio(ctx, "alice", audioFrame("alice"))

	// Alice speaks es, so only her fr and en sessions should receive audio.
	for key, s := range eng.sessions {
		want := 0
		if key == "alice:fr" || key == "alice:en" {
			want = 1
		}
		if got := s.sendCount(); got != want {
			t.Fatalf("session %s saw %d frames, want %d", key, got, want)
		}
	}
}

func TestHandleAudioUnifiedSkipsOwnLanguage(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "es", true)
	roster.SetPreference("bob", "en", true)
	modes := &stubModes{st: roommode.State{Mode: roommode.ModeUnified, Languages: []string{"en", "es"}}}

	eng := newFakeEngine()
	m := NewManager(eng, newCapturePub(), roster, modes)
	ctx := context.Background()
	m.Reconcile(ctx, "test")

	m.HandleAudio(ctx, "alice", audioFrame("alice"))

	if got := eng.session("unified:en").sendCount(); got != 1 {
		t.Fatalf("english broadcast saw %d frames, want 1", got)
	}
	if got := eng.session("unified:es").sendCount(); got != 0 {
		t.Fatalf("spanish broadcast saw %d frames, want 0 for a spanish speaker", got)
	}
}

func TestOpenFailureSignalsDegradedOnce(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "es", true)
	roster.SetPreference("bob", "fr", true)
	roster.SetPreference("carol", "en", true)

	eng := newFakeEngine()
	eng.openErr = errors.New("provider down")
	pub := newCapturePub()
	m := NewManager(eng, pub, roster, normalModes())
	m.retry = resilience.RetryPolicy{MaxRetries: 0, Backoff: time.Millisecond}
	signals := &captureSignals{}
	m.AddListener(signals)

	ctx := context.Background()
	m.Reconcile(ctx, "test")

	if m.Count() != 0 {
		t.Fatalf("no sessions should be live, got %d", m.Count())
	}
	signals.mu.Lock()
	degraded := len(signals.degraded)
	signals.mu.Unlock()
	if degraded == 0 {
		t.Fatal("expected degraded signals for failed pairs")
	}
	key := Key{SpeakerID: "alice", TargetLanguage: "fr"}
	if !m.Degraded(key) {
		t.Fatalf("pair %v should be degraded", key)
	}

	// Tracks published ahead of the failed opens must be withdrawn.
	pub.mu.Lock()
	pubN, unpubN := len(pub.published), len(pub.unpublished)
	pub.mu.Unlock()
	if pubN != unpubN {
		t.Fatalf("published %d tracks but unpublished %d", pubN, unpubN)
	}

	// Recovery: next reconcile opens sessions and clears the flag.
	eng.mu.Lock()
	eng.openErr = nil
	eng.mu.Unlock()
	m.breaker.OnSuccess()
	m.Reconcile(ctx, "retry")
	if m.Degraded(key) {
		t.Fatalf("pair %v should have recovered", key)
	}
}

func TestApplyTuningReachesLiveSessions(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "en", true)
	modes := &stubModes{st: roommode.State{Mode: roommode.ModeUnified, Languages: []string{"en"}}}

	eng := newFakeEngine()
	m := NewManager(eng, newCapturePub(), roster, modes)
	ctx := context.Background()
	m.Reconcile(ctx, "test")

	tuning := engine.Tuning{VADThreshold: 0.4, SilenceDurationMs: 400, PrefixPaddingMs: 300, Voice: "nova", AllowInterruptions: true}
	m.ApplyTuning(ctx, tuning)

	s := eng.session("unified:en")
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tunings) != 1 || s.tunings[0] != tuning {
		t.Fatalf("live session tunings = %+v", s.tunings)
	}

	// New sessions open with the updated snapshot.
	if got := m.currentTuning(); got != tuning {
		t.Fatalf("stored tuning = %+v", got)
	}
}

func TestPumpPublishesAudioAndSignalsTurns(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "en", true)
	modes := &stubModes{st: roommode.State{Mode: roommode.ModeUnified, Languages: []string{"en"}}}

	eng := newFakeEngine()
	pub := newCapturePub()
	m := NewManager(eng, pub, roster, modes)
	signals := &captureSignals{}
	m.AddListener(signals)
	m.Reconcile(context.Background(), "test")

	s := eng.session("unified:en")
	s.out <- frames.NewAudioFrame("unified:en", 1, []byte{9, 9}, 24000, 1, nil)
	waitUntil(t, "audio started signal", func() bool {
		signals.mu.Lock()
		defer signals.mu.Unlock()
		return len(signals.started) == 1
	})

	s.out <- frames.NewControlFrame("unified:en", 2, frames.ControlTurnComplete, nil)
	waitUntil(t, "audio stopped signal", func() bool {
		signals.mu.Lock()
		defer signals.mu.Unlock()
		return len(signals.stopped) == 1
	})

	waitUntil(t, "audio published on track", func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return pub.audio["translation-unified-en"] == 1
	})

	signals.mu.Lock()
	defer signals.mu.Unlock()
	if signals.started[0] != "translation-unified-en" {
		t.Fatalf("started on track %q", signals.started[0])
	}
}

type captureSink struct {
	mu    sync.Mutex
	texts []string
	keys  []Key
}

func (c *captureSink) HandleTranscript(_ context.Context, key Key, f frames.TextFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	c.texts = append(c.texts, f.Text())
}

func TestPumpForwardsTranscripts(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "en", true)
	modes := &stubModes{st: roommode.State{Mode: roommode.ModeUnified, Languages: []string{"en"}}}

	eng := newFakeEngine()
	m := NewManager(eng, newCapturePub(), roster, modes)
	sink := &captureSink{}
	m.SetTranscriptSink(sink)
	m.Reconcile(context.Background(), "test")

	s := eng.session("unified:en")
	s.out <- frames.NewTextFrame("unified:en", 1, "hola", map[string]string{frames.MetaIsFinal: "true"})

	waitUntil(t, "transcript forwarded", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.texts) == 1 && sink.texts[0] == "hola"
	})
}

func TestCloseDrainsBeforeClosing(t *testing.T) {
	roster := participant.NewRoster()
	roster.SetPreference("alice", "en", true)
	modes := &stubModes{st: roommode.State{Mode: roommode.ModeUnified, Languages: []string{"en"}}}

	eng := newFakeEngine()
	pub := newCapturePub()
	m := NewManager(eng, pub, roster, modes)
	m.SetDrainTimeout(time.Second)
	signals := &captureSignals{}
	m.AddListener(signals)
	m.Reconcile(context.Background(), "test")

	s := eng.session("unified:en")
	s.out <- frames.NewAudioFrame("unified:en", 1, []byte{1}, 24000, 1, nil)
	waitUntil(t, "speaking", func() bool {
		signals.mu.Lock()
		defer signals.mu.Unlock()
		return len(signals.started) == 1
	})

	// Finish the turn while Close waits on the drain.
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.out <- frames.NewControlFrame("unified:en", 2, frames.ControlTurnComplete, nil)
	}()

	m.Close(context.Background())

	s.mu.Lock()
	flushed := s.flushed
	s.mu.Unlock()
	if !flushed {
		t.Fatal("engine should be flushed during drain")
	}
	select {
	case <-s.closed:
	default:
		t.Fatal("engine session should be closed")
	}
	signals.mu.Lock()
	defer signals.mu.Unlock()
	if len(signals.stopped) != 1 {
		t.Fatalf("expected the turn to finish before close, stopped=%d", len(signals.stopped))
	}
	if pub.unpublishedCount() != 1 {
		t.Fatal("track should be unpublished after close")
	}
}
