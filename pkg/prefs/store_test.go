package prefs

import (
	"context"
	"sync"
	"testing"

	"github.com/harunnryd/traduki/pkg/control"
)

type capturePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	topics   []string
}

func (c *capturePublisher) PublishData(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *capturePublisher) updates(t *testing.T) []control.LanguageUpdate {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]control.LanguageUpdate, 0, len(c.payloads))
	for _, p := range c.payloads {
		msg, err := control.Decode(p)
		if err != nil {
			t.Fatalf("decode published payload: %v", err)
		}
		lu, ok := msg.(control.LanguageUpdate)
		if !ok {
			t.Fatalf("expected LanguageUpdate, got %T", msg)
		}
		out = append(out, lu)
	}
	return out
}

func TestSetResendsIdenticalPreference(t *testing.T) {
	pub := &capturePublisher{}
	s := NewStore("alice", pub, nil)
	ctx := context.Background()
	if err := s.SetConnected(ctx, true); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := s.Set(ctx, "es", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "es", true); err != nil {
		t.Fatalf("set again: %v", err)
	}

	updates := pub.updates(t)
	if len(updates) != 2 {
		t.Fatalf("expected 2 sends for identical preference, got %d", len(updates))
	}
	for _, u := range updates {
		if u.ParticipantName != "alice" || u.Language != "es" || !u.Enabled {
			t.Fatalf("unexpected update %+v", u)
		}
	}
	if pub.topics[0] != control.TopicLanguagePreference {
		t.Fatalf("unexpected topic %q", pub.topics[0])
	}
}

func TestDisableIsBroadcast(t *testing.T) {
	pub := &capturePublisher{}
	s := NewStore("bob", pub, nil)
	ctx := context.Background()
	s.SetConnected(ctx, true)

	s.Set(ctx, "fr", true)
	if err := s.Set(ctx, "fr", false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	updates := pub.updates(t)
	if len(updates) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(updates))
	}
	last := updates[len(updates)-1]
	if last.Enabled {
		t.Fatalf("disable must be carried on the wire, got %+v", last)
	}
	pref, ok := s.Preference()
	if !ok || pref.Enabled || pref.Language != "fr" {
		t.Fatalf("local state not updated: %+v ok=%v", pref, ok)
	}
}

func TestDisconnectedSendsAreDroppedNotQueued(t *testing.T) {
	pub := &capturePublisher{}
	s := NewStore("carol", pub, nil)
	ctx := context.Background()

	if err := s.Set(ctx, "de", true); err != nil {
		t.Fatalf("set while disconnected: %v", err)
	}
	if err := s.Set(ctx, "ja", true); err != nil {
		t.Fatalf("set while disconnected: %v", err)
	}
	if got := len(pub.updates(t)); got != 0 {
		t.Fatalf("expected no sends while disconnected, got %d", got)
	}

	// Reconnect replays only the latest full preference.
	if err := s.SetConnected(ctx, true); err != nil {
		t.Fatalf("connect: %v", err)
	}
	updates := pub.updates(t)
	if len(updates) != 1 {
		t.Fatalf("expected single resync send, got %d", len(updates))
	}
	if updates[0].Language != "ja" {
		t.Fatalf("resync must carry the latest preference, got %+v", updates[0])
	}
}

func TestResyncRepeatsCurrentPreference(t *testing.T) {
	pub := &capturePublisher{}
	s := NewStore("dave", pub, nil)
	ctx := context.Background()
	s.SetConnected(ctx, true)

	if err := s.Resync(ctx); err != nil {
		t.Fatalf("resync without preference: %v", err)
	}
	if got := len(pub.updates(t)); got != 0 {
		t.Fatalf("resync before any Set must be a no-op, got %d sends", got)
	}

	s.Set(ctx, "es-CO", true)
	if err := s.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	updates := pub.updates(t)
	if len(updates) != 2 {
		t.Fatalf("expected set + resync sends, got %d", len(updates))
	}
	if updates[1].Language != "es-CO" || !updates[1].Enabled {
		t.Fatalf("unexpected resync payload %+v", updates[1])
	}
}
