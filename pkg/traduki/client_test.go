package traduki

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/transports"
	"github.com/harunnryd/traduki/pkg/transports/mock"
)

func startClient(t *testing.T, opts ClientOptions) (*Client, *mock.Transport) {
	t.Helper()
	tr := mock.New()
	opts.Transport = tr
	if opts.Name == "" {
		opts.Name = "Nadia"
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c, tr
}

func trackPublished(name, owner string) transports.RoomEvent {
	return transports.RoomEvent{
		Kind:        transports.EventTrackPublished,
		Participant: transports.Participant{ID: owner},
		Track:       name,
		Time:        time.Now(),
	}
}

// connectWithPreference gets the client into a known good state: preference
// stored, channel up, and the replayed announcement observed on the wire.
func connectWithPreference(t *testing.T, c *Client, tr *mock.Transport, lang string) {
	t.Helper()
	if err := c.SetLanguage(context.Background(), lang, true); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	tr.Push(transports.RoomEvent{Kind: transports.EventConnected, Time: time.Now()})
	waitForData(t, tr, "preference announcement", func(d mock.PublishedData) bool {
		return d.Topic == control.TopicLanguagePreference
	})
}

func TestClientAnnouncesPreferenceOnConnect(t *testing.T) {
	c, tr := startClient(t, ClientOptions{})

	// Set while the channel is still down: stored locally, replayed once the
	// room connects.
	if err := c.SetLanguage(context.Background(), "es", true); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if len(tr.SentData()) != 0 {
		t.Fatal("nothing should be sent before the channel is up")
	}

	tr.Push(transports.RoomEvent{Kind: transports.EventConnected, Time: time.Now()})
	d := waitForData(t, tr, "preference announcement", func(d mock.PublishedData) bool {
		return d.Topic == control.TopicLanguagePreference
	})
	msg, err := control.Decode(d.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	upd, ok := msg.(control.LanguageUpdate)
	if !ok || upd.ParticipantName != "Nadia" || upd.Language != "es" || !upd.Enabled {
		t.Fatalf("announcement = %#v", msg)
	}

	pref, set := c.Preference()
	if !set || pref.Language != "es" || !pref.Enabled {
		t.Fatalf("preference = %+v set=%v", pref, set)
	}
}

func TestClientSubscribesToMatchingTrack(t *testing.T) {
	c, tr := startClient(t, ClientOptions{})
	connectWithPreference(t, c, tr, "es")

	tr.Push(trackPublished("translation-fr-alice", "agent-1"))
	tr.Push(trackPublished("translation-es-alice", "agent-1"))

	waitUntil(t, "subscription", func() bool { return tr.Subscribed("translation-es-alice") })
	if tr.Subscribed("translation-fr-alice") {
		t.Fatal("subscribed to a track in the wrong language")
	}
	if got := c.Subscribed()["es"]; got != "translation-es-alice" {
		t.Fatalf("held subscriptions = %v", c.Subscribed())
	}

	// A newer matching track replaces the held one; never two per language.
	tr.Push(trackPublished("translation-es-bob", "agent-1"))
	waitUntil(t, "replacement", func() bool {
		return tr.Subscribed("translation-es-bob") && !tr.Subscribed("translation-es-alice")
	})
}

func TestClientDisableUnsubscribes(t *testing.T) {
	c, tr := startClient(t, ClientOptions{})
	connectWithPreference(t, c, tr, "es")

	tr.Push(trackPublished("translation-es-alice", "agent-1"))
	waitUntil(t, "subscription", func() bool { return tr.Subscribed("translation-es-alice") })

	if err := c.SetLanguage(context.Background(), "es", false); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	waitUntil(t, "unsubscribe", func() bool { return !tr.Subscribed("translation-es-alice") })
	if len(c.Subscribed()) != 0 {
		t.Fatalf("held subscriptions = %v", c.Subscribed())
	}

	// The disable itself still goes out so the agent can drain.
	waitForData(t, tr, "disable announcement", func(d mock.PublishedData) bool {
		if d.Topic != control.TopicLanguagePreference {
			return false
		}
		msg, err := control.Decode(d.Payload)
		if err != nil {
			return false
		}
		upd, ok := msg.(control.LanguageUpdate)
		return ok && !upd.Enabled
	})
}

func TestClientModeSwitchMovesSubscription(t *testing.T) {
	c, tr := startClient(t, ClientOptions{})
	connectWithPreference(t, c, tr, "es")

	tr.Push(trackPublished("translation-es-alice", "agent-1"))
	waitUntil(t, "per-speaker subscription", func() bool { return tr.Subscribed("translation-es-alice") })

	// The broadcast track exists but is not wanted while the room is normal.
	tr.Push(trackPublished("translation-unified-es", "agent-1"))

	payload, err := control.Encode(control.RoomModeUpdate{Mode: "unified", LanguageCount: 2, Languages: []string{"en", "es"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tr.Push(transports.RoomEvent{
		Kind:        transports.EventData,
		Participant: transports.Participant{ID: "agent-1"},
		Topic:       control.TopicRoomMode,
		Payload:     payload,
		Time:        time.Now(),
	})

	waitUntil(t, "subscription move", func() bool {
		return tr.Subscribed("translation-unified-es") && !tr.Subscribed("translation-es-alice")
	})
	if string(c.Mode().Mode) != "unified" {
		t.Fatalf("tracked mode = %s", c.Mode().Mode)
	}
}

func TestClientReconnectReplaysPreference(t *testing.T) {
	c, tr := startClient(t, ClientOptions{})
	connectWithPreference(t, c, tr, "es")

	tr.Push(trackPublished("translation-es-alice", "agent-1"))
	waitUntil(t, "subscription", func() bool { return len(c.Subscribed()) == 1 })

	before := countTopic(tr, control.TopicLanguagePreference)
	tr.Push(transports.RoomEvent{Kind: transports.EventDisconnected, Time: time.Now()})
	tr.Push(transports.RoomEvent{Kind: transports.EventReconnected, Time: time.Now()})

	waitUntil(t, "preference replay", func() bool {
		return countTopic(tr, control.TopicLanguagePreference) == before+1
	})
	if len(c.Subscribed()) != 0 {
		t.Fatalf("subscriptions should not survive a reconnect, got %v", c.Subscribed())
	}

	// The snapshot replay rebuilds the held state.
	tr.Push(trackPublished("translation-es-alice", "agent-1"))
	waitUntil(t, "resubscription", func() bool { return len(c.Subscribed()) == 1 })
}

func TestClientEchoGuardWiring(t *testing.T) {
	got := make(chan control.Transcription, 1)
	c, tr := startClient(t, ClientOptions{OnTranscription: func(tx control.Transcription) { got <- tx }})
	connectWithPreference(t, c, tr, "es")

	tr.Push(trackPublished("translation-es-alice", "agent-1"))
	waitUntil(t, "subscription", func() bool { return tr.Subscribed("translation-es-alice") })

	// Audio on a track we do not hold leaves the mic alone. The transcription
	// behind it is the ordering fence.
	tr.Push(transports.RoomEvent{Kind: transports.EventTrackAudioStarted, Track: "translation-fr-alice", Time: time.Now()})
	payload, _ := control.Encode(control.Transcription{Text: "hola", Final: true})
	tr.Push(transports.RoomEvent{Kind: transports.EventData, Topic: control.TopicTranscription, Payload: payload, Time: time.Now()})
	select {
	case tx := <-got:
		if tx.Text != "hola" {
			t.Fatalf("transcription = %+v", tx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transcription callback never fired")
	}
	if !c.MicEnabled() || c.AutoMuted() {
		t.Fatal("unheld track should not touch the mic")
	}

	tr.Push(transports.RoomEvent{Kind: transports.EventTrackAudioStarted, Track: "translation-es-alice", Time: time.Now()})
	waitUntil(t, "auto mute", func() bool { return !tr.MicEnabled() })
	if !c.AutoMuted() {
		t.Fatal("guard should own the mute")
	}

	tr.Push(transports.RoomEvent{Kind: transports.EventTrackAudioStopped, Track: "translation-es-alice", Time: time.Now()})
	waitUntil(t, "mic restore", func() bool { return tr.MicEnabled() })
	if c.AutoMuted() {
		t.Fatal("guard should have released the mute")
	}
}

func TestClientLanguageConfirmationCallback(t *testing.T) {
	got := make(chan control.LanguageConfirmed, 1)
	c, tr := startClient(t, ClientOptions{OnLanguageConfirmed: func(m control.LanguageConfirmed) { got <- m }})
	connectWithPreference(t, c, tr, "es")

	payload, err := control.Encode(control.LanguageConfirmed{Language: "es", Enabled: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tr.Push(transports.RoomEvent{
		Kind:    transports.EventData,
		Topic:   control.TopicLanguageConfirmation,
		Payload: payload,
		Time:    time.Now(),
	})

	select {
	case m := <-got:
		if m.Language != "es" || !m.Enabled {
			t.Fatalf("confirmation = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation callback never fired")
	}
}

func TestClientHostControls(t *testing.T) {
	c, tr := startClient(t, ClientOptions{Host: true})
	pub := c.HostControls()
	if pub == nil {
		t.Fatal("host client should expose tuning controls")
	}
	if err := pub.SetVoice(context.Background(), "nova"); err != nil {
		t.Fatalf("SetVoice: %v", err)
	}
	d := waitForData(t, tr, "voice setting", func(d mock.PublishedData) bool {
		return d.Topic == control.TopicHostControl
	})
	msg, err := control.Decode(d.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := msg.(control.HostVoiceSetting); !ok || v.Voice != "nova" {
		t.Fatalf("setting = %#v", msg)
	}

	guest, _ := startClient(t, ClientOptions{})
	if guest.HostControls() != nil {
		t.Fatal("non-host client should not expose tuning controls")
	}
}

func TestNewClientRequiresTransport(t *testing.T) {
	if _, err := NewClient(ClientOptions{}); err == nil {
		t.Fatal("expected an error without a transport")
	}
}
