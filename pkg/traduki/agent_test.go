package traduki

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	mockprov "github.com/harunnryd/traduki/pkg/providers/mock"
	"github.com/harunnryd/traduki/pkg/transports"
	"github.com/harunnryd/traduki/pkg/transports/mock"
)

func testConfig() Config {
	return Config{
		Agent:     AgentConfig{Identity: "translator-agent", Name: "Translator", Room: "room-1", SampleRate: 24000},
		Transport: TransportConfig{Provider: "mock"},
		Engine:    VendorConfig{Provider: "mock"},
		Tuning:    TuningConfig{Sensitivity: "medium", Voice: "alloy", AllowInterruptions: true},
		Control:   ControlConfig{RequireHostRole: true, QueueSize: 64},
	}
}

func startAgent(t *testing.T, cfg Config) (*Agent, *mock.Transport, *mockprov.Engine) {
	t.Helper()
	tr := mock.New()
	eng := mockprov.NewEngine(mockprov.EngineConfig{Transcript: "good morning", FramesPerTurn: 2})
	a, err := NewAgent(AgentOptions{Config: cfg, Transport: tr, Engine: eng, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	return a, tr, eng
}

func joined(id, name, role string) transports.RoomEvent {
	return transports.RoomEvent{
		Kind:        transports.EventParticipantJoined,
		Participant: transports.Participant{ID: id, Name: name, Role: role},
		Time:        time.Now(),
	}
}

func left(id string) transports.RoomEvent {
	return transports.RoomEvent{
		Kind:        transports.EventParticipantLeft,
		Participant: transports.Participant{ID: id},
		Time:        time.Now(),
	}
}

func dataEvent(t *testing.T, sender, topic string, msg control.Message) transports.RoomEvent {
	t.Helper()
	payload, err := control.Encode(msg)
	if err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	return transports.RoomEvent{
		Kind:        transports.EventData,
		Participant: transports.Participant{ID: sender},
		Topic:       topic,
		Payload:     payload,
		Time:        time.Now(),
	}
}

func audioEvent(speaker string) transports.RoomEvent {
	return transports.RoomEvent{
		Kind:        transports.EventAudio,
		Participant: transports.Participant{ID: speaker},
		Audio:       frames.NewAudioFrame("", time.Now().UnixNano(), make([]byte, 320), 24000, 1, nil),
		Time:        time.Now(),
	}
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

func waitForData(t *testing.T, tr *mock.Transport, what string, match func(mock.PublishedData) bool) mock.PublishedData {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, d := range tr.SentData() {
			if match(d) {
				return d
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return mock.PublishedData{}
}

func countTopic(tr *mock.Transport, topic string) int {
	n := 0
	for _, d := range tr.SentData() {
		if d.Topic == topic {
			n++
		}
	}
	return n
}

func hasTrack(tr *mock.Transport, name string) bool {
	for _, tn := range tr.PublishedTracks() {
		if tn == name {
			return true
		}
	}
	return false
}

func TestAgentOpensSessionForPreference(t *testing.T) {
	_, tr, eng := startAgent(t, testConfig())

	tr.Push(joined("alice", "Alice", "host"))
	tr.Push(joined("bob", "Bob", "guest"))
	tr.Push(dataEvent(t, "bob", control.TopicLanguagePreference,
		control.LanguageUpdate{ParticipantName: "Bob", Language: "es", Enabled: true}))

	waitUntil(t, "translation track", func() bool { return hasTrack(tr, "translation-es-alice") })

	opens := eng.Opens()
	if len(opens) != 1 {
		t.Fatalf("expected one engine session, got %d", len(opens))
	}
	cfg := opens[0]
	if cfg.Key != "alice:es" || cfg.SpeakerID != "alice" || cfg.TargetLanguage != "es" {
		t.Fatalf("session config = %+v", cfg)
	}
	if cfg.RoomID != "room-1" || cfg.SampleRate != 24000 {
		t.Fatalf("session config = %+v", cfg)
	}
	if cfg.Tuning.Voice != "alloy" || cfg.Tuning.VADThreshold != 0.5 {
		t.Fatalf("seed tuning = %+v", cfg.Tuning)
	}

	// The sender gets an addressed acknowledgment.
	d := waitForData(t, tr, "language confirmation", func(d mock.PublishedData) bool {
		return d.Topic == control.TopicLanguageConfirmation && d.To == "bob"
	})
	msg, err := control.Decode(d.Payload)
	if err != nil {
		t.Fatalf("decode confirmation: %v", err)
	}
	conf, ok := msg.(control.LanguageConfirmed)
	if !ok || conf.Language != "es" || !conf.Enabled {
		t.Fatalf("confirmation = %#v", msg)
	}

	// Joins broadcast the topology so late joiners catch up.
	d = waitForData(t, tr, "room mode broadcast", func(d mock.PublishedData) bool {
		return d.Topic == control.TopicRoomMode
	})
	msg, err = control.Decode(d.Payload)
	if err != nil {
		t.Fatalf("decode room mode: %v", err)
	}
	if rm, ok := msg.(control.RoomModeUpdate); !ok || rm.Mode != "normal" {
		t.Fatalf("room mode = %#v", msg)
	}
}

func TestAgentDisableTearsDownSession(t *testing.T) {
	a, tr, _ := startAgent(t, testConfig())

	tr.Push(joined("alice", "Alice", "host"))
	tr.Push(joined("bob", "Bob", "guest"))
	tr.Push(dataEvent(t, "bob", control.TopicLanguagePreference,
		control.LanguageUpdate{Language: "es", Enabled: true}))
	waitUntil(t, "translation track", func() bool { return hasTrack(tr, "translation-es-alice") })

	tr.Push(dataEvent(t, "bob", control.TopicLanguagePreference,
		control.LanguageUpdate{Language: "es", Enabled: false}))

	waitUntil(t, "session teardown", func() bool { return a.Sessions().Count() == 0 })
	waitUntil(t, "track withdrawal", func() bool { return len(tr.PublishedTracks()) == 0 })
}

func TestAgentSwitchesToUnifiedMode(t *testing.T) {
	a, tr, _ := startAgent(t, testConfig())

	tr.Push(joined("alice", "Alice", "host"))
	tr.Push(joined("bob", "Bob", "guest"))
	tr.Push(dataEvent(t, "alice", control.TopicLanguagePreference,
		control.LanguageUpdate{Language: "en", Enabled: true}))
	tr.Push(dataEvent(t, "bob", control.TopicLanguagePreference,
		control.LanguageUpdate{Language: "es", Enabled: true}))

	// Two distinct enabled languages tip the room into broadcast topology.
	waitUntil(t, "unified tracks", func() bool {
		return hasTrack(tr, "translation-unified-en") && hasTrack(tr, "translation-unified-es")
	})
	waitUntil(t, "per-speaker tracks withdrawn", func() bool {
		return len(tr.PublishedTracks()) == 2
	})

	d := waitForData(t, tr, "unified broadcast", func(d mock.PublishedData) bool {
		if d.Topic != control.TopicRoomMode {
			return false
		}
		msg, err := control.Decode(d.Payload)
		if err != nil {
			return false
		}
		rm, ok := msg.(control.RoomModeUpdate)
		return ok && rm.Mode == "unified"
	})
	msg, _ := control.Decode(d.Payload)
	rm := msg.(control.RoomModeUpdate)
	if rm.LanguageCount != 2 || len(rm.Languages) != 2 {
		t.Fatalf("room mode = %+v", rm)
	}
	if got := a.Modes().State().Mode; string(got) != "unified" {
		t.Fatalf("controller mode = %s", got)
	}
}

func TestAgentPublishesTranslationAndTranscript(t *testing.T) {
	_, tr, _ := startAgent(t, testConfig())

	tr.Push(joined("alice", "Alice", "host"))
	tr.Push(joined("bob", "Bob", "guest"))
	tr.Push(dataEvent(t, "bob", control.TopicLanguagePreference,
		control.LanguageUpdate{Language: "es", Enabled: true}))
	waitUntil(t, "translation track", func() bool { return hasTrack(tr, "translation-es-alice") })

	// Two frames complete one scripted turn.
	tr.Push(audioEvent("alice"))
	tr.Push(audioEvent("alice"))

	select {
	case out := <-tr.AudioOut():
		if out.Track != "translation-es-alice" {
			t.Fatalf("translated audio on track %q", out.Track)
		}
		if out.Frame.Rate() != 24000 {
			t.Fatalf("translated audio rate = %d", out.Frame.Rate())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("translated audio never published")
	}

	d := waitForData(t, tr, "final transcription", func(d mock.PublishedData) bool {
		if d.Topic != control.TopicTranscription {
			return false
		}
		msg, err := control.Decode(d.Payload)
		if err != nil {
			return false
		}
		tx, ok := msg.(control.Transcription)
		return ok && tx.Final
	})
	msg, _ := control.Decode(d.Payload)
	tx := msg.(control.Transcription)
	if tx.Text != "[es] good morning" {
		t.Fatalf("transcription text = %q", tx.Text)
	}
	if tx.Language != "es" || tx.ParticipantID != "alice" || tx.TargetParticipant != "all" {
		t.Fatalf("transcription = %+v", tx)
	}
}

func TestAgentAppliesHostTuning(t *testing.T) {
	a, tr, eng := startAgent(t, testConfig())

	tr.Push(joined("alice", "Alice", "host"))
	tr.Push(joined("bob", "Bob", "guest"))
	tr.Push(dataEvent(t, "bob", control.TopicLanguagePreference,
		control.LanguageUpdate{Language: "es", Enabled: true}))
	waitUntil(t, "translation track", func() bool { return hasTrack(tr, "translation-es-alice") })

	tr.Push(dataEvent(t, "alice", control.TopicHostControl, control.HostVADSetting{Value: "low"}))
	waitUntil(t, "sensitivity change", func() bool {
		return a.HostControls().Current().Sensitivity == "low"
	})

	s, ok := eng.Session("alice:es")
	if !ok {
		t.Fatal("session missing")
	}
	waitUntil(t, "tuning push to live session", func() bool {
		for _, tn := range s.Tunings() {
			if tn.VADThreshold == 0.75 && tn.SilenceDurationMs == 1000 {
				return true
			}
		}
		return false
	})

	// A guest's attempt is rejected; the following host change proves the
	// queue got past it.
	tr.Push(dataEvent(t, "bob", control.TopicHostControl, control.HostVoiceSetting{Voice: "nova"}))
	tr.Push(dataEvent(t, "alice", control.TopicHostControl, control.HostSilenceDurationSetting{Duration: 800}))
	waitUntil(t, "silence change", func() bool {
		return a.HostControls().Current().SilenceMs == 800
	})
	if voice := a.HostControls().Current().Voice; voice != "alloy" {
		t.Fatalf("guest changed the voice to %q", voice)
	}
}

func TestAgentParticipantLeftTearsDown(t *testing.T) {
	a, tr, _ := startAgent(t, testConfig())

	tr.Push(joined("alice", "Alice", "host"))
	tr.Push(joined("bob", "Bob", "guest"))
	tr.Push(dataEvent(t, "bob", control.TopicLanguagePreference,
		control.LanguageUpdate{Language: "es", Enabled: true}))
	waitUntil(t, "translation track", func() bool { return hasTrack(tr, "translation-es-alice") })

	tr.Push(left("bob"))

	waitUntil(t, "session teardown", func() bool { return a.Sessions().Count() == 0 })
	if a.Roster().Count() != 1 {
		t.Fatalf("roster size = %d", a.Roster().Count())
	}
}

func TestAgentReconnectRecyclesSessions(t *testing.T) {
	_, tr, eng := startAgent(t, testConfig())

	tr.Push(joined("alice", "Alice", "host"))
	tr.Push(joined("bob", "Bob", "guest"))
	tr.Push(dataEvent(t, "bob", control.TopicLanguagePreference,
		control.LanguageUpdate{Language: "es", Enabled: true}))
	waitUntil(t, "translation track", func() bool { return hasTrack(tr, "translation-es-alice") })

	modeCasts := countTopic(tr, control.TopicRoomMode)
	tr.Push(transports.RoomEvent{Kind: transports.EventReconnected, Time: time.Now()})

	// The SFU lost our published tracks; the session reopens and republishes.
	waitUntil(t, "session recycle", func() bool { return len(eng.Opens()) == 2 })
	waitUntil(t, "track republish", func() bool { return hasTrack(tr, "translation-es-alice") })
	waitUntil(t, "fresh mode broadcast", func() bool {
		return countTopic(tr, control.TopicRoomMode) > modeCasts
	})
}

func TestAgentIgnoresAgentAudio(t *testing.T) {
	a, tr, eng := startAgent(t, testConfig())

	tr.Push(joined("alice", "Alice", "host"))
	tr.Push(joined("bob", "Bob", "guest"))
	tr.Push(dataEvent(t, "bob", control.TopicLanguagePreference,
		control.LanguageUpdate{Language: "es", Enabled: true}))
	waitUntil(t, "translation track", func() bool { return hasTrack(tr, "translation-es-alice") })

	tr.Push(joined("carol", "Carol", "translator-agent"))
	tr.Push(audioEvent("carol"))
	tr.Push(audioEvent("carol"))
	tr.Push(audioEvent("translator-agent"))
	tr.Push(audioEvent("translator-agent"))

	// Events drain in order, so once dave's join lands the audio above has
	// been fully handled.
	tr.Push(joined("dave", "Dave", "guest"))
	waitUntil(t, "roster growth", func() bool { return a.Roster().Count() == 4 })

	s, ok := eng.Session("alice:es")
	if !ok {
		t.Fatal("session missing")
	}
	if s.Turns() != 0 {
		t.Fatalf("agent audio produced %d turns", s.Turns())
	}
}

func TestNewAgentRejectsUnknownProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Provider = "carrier"
	if _, err := NewAgent(AgentOptions{Config: cfg, Logger: slog.Default()}); err == nil {
		t.Fatal("expected an unknown transport error")
	} else if !strings.Contains(err.Error(), "transport provider not registered") {
		t.Fatalf("error = %v", err)
	}

	cfg = testConfig()
	cfg.Engine.Provider = "warp"
	_, err := NewAgent(AgentOptions{Config: cfg, Transport: mock.New(), Logger: slog.Default()})
	if err == nil {
		t.Fatal("expected an unknown engine error")
	}
	if errorsx.Reason(err) != errorsx.ReasonConfigLoad {
		t.Fatalf("reason = %s", errorsx.Reason(err))
	}
}

func TestAgentStartTwice(t *testing.T) {
	a, _, _ := startAgent(t, testConfig())
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}
}
