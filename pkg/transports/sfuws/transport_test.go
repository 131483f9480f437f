package sfuws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/traduki/pkg/transports"
)

// gateway is a scripted in-process agent gateway. Each accepted connection
// reads the join command, then replays the scripted events and records every
// command it receives.
type gateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    int
	commands []wireCommand

	script func(conn *websocket.Conn, connNum int)
}

func newGateway(t *testing.T, script func(conn *websocket.Conn, connNum int)) *gateway {
	t.Helper()
	g := &gateway{script: script}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns++
		num := g.conns
		g.mu.Unlock()

		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var cmd wireCommand
				if err := json.Unmarshal(data, &cmd); err != nil {
					continue
				}
				g.mu.Lock()
				g.commands = append(g.commands, cmd)
				g.mu.Unlock()
			}
		}()
		if g.script != nil {
			g.script(conn, num)
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *gateway) commandNamed(name string) (wireCommand, bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		for _, c := range g.commands {
			if c.Command == name {
				g.mu.Unlock()
				return c, true
			}
		}
		g.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return wireCommand{}, false
}

func (g *gateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns
}

func writeEvent(conn *websocket.Conn, ev wireEvent) {
	payload, _ := json.Marshal(ev)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

func nextEvent(t *testing.T, ch <-chan transports.RoomEvent) transports.RoomEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for room event")
		return transports.RoomEvent{}
	}
}

func TestTransportJoinsAndReplaysSnapshot(t *testing.T) {
	g := newGateway(t, func(conn *websocket.Conn, _ int) {
		writeEvent(conn, wireEvent{
			Event:        "room_joined",
			Participants: []wireParticipant{{ID: "alice", Name: "Alice", Role: "host"}},
			Tracks: []wireTrack{
				{Name: "translation-es-alice", Participant: wireParticipant{ID: "agent-1", Role: "translator-agent"}},
			},
		})
		writeEvent(conn, wireEvent{
			Event:       "data",
			Participant: &wireParticipant{ID: "alice"},
			Topic:       "language_preference",
			Payload:     base64.StdEncoding.EncodeToString([]byte(`{"type":"language_update"}`)),
		})
	})

	tr := New(Config{URL: g.url(), Room: "room-1", Identity: "agent-1", Role: "translator-agent"}, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	join, ok := g.commandNamed("join")
	if !ok {
		t.Fatalf("gateway never saw a join command")
	}
	if join.Room != "room-1" || join.Identity != "agent-1" {
		t.Fatalf("join carried %q/%q", join.Room, join.Identity)
	}

	if ev := nextEvent(t, tr.Events()); ev.Kind != transports.EventConnected {
		t.Fatalf("first event = %q, want connected", ev.Kind)
	}
	if ev := nextEvent(t, tr.Events()); ev.Kind != transports.EventParticipantJoined || ev.Participant.ID != "alice" {
		t.Fatalf("expected alice join, got %+v", ev)
	}
	if ev := nextEvent(t, tr.Events()); ev.Kind != transports.EventTrackPublished || ev.Track != "translation-es-alice" {
		t.Fatalf("expected track publish, got %+v", ev)
	}
	ev := nextEvent(t, tr.Events())
	if ev.Kind != transports.EventData || ev.Topic != "language_preference" {
		t.Fatalf("expected data event, got %+v", ev)
	}
	if string(ev.Payload) != `{"type":"language_update"}` {
		t.Fatalf("payload not decoded: %q", ev.Payload)
	}
}

func TestTransportDeliversAudioFrames(t *testing.T) {
	pcm := make([]byte, 320)
	g := newGateway(t, func(conn *websocket.Conn, _ int) {
		writeEvent(conn, wireEvent{
			Event:       "audio",
			Participant: &wireParticipant{ID: "alice"},
			Track:       "mic-alice",
			Payload:     base64.StdEncoding.EncodeToString(pcm),
			SampleRate:  16000,
			Channels:    1,
		})
	})

	tr := New(Config{URL: g.url()}, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	if ev := nextEvent(t, tr.Events()); ev.Kind != transports.EventConnected {
		t.Fatalf("first event = %q", ev.Kind)
	}
	ev := nextEvent(t, tr.Events())
	if ev.Kind != transports.EventAudio {
		t.Fatalf("expected audio event, got %+v", ev)
	}
	if ev.Audio.Rate() != 16000 || len(ev.Audio.RawPayload()) != len(pcm) {
		t.Fatalf("frame not carried through: rate=%d len=%d", ev.Audio.Rate(), len(ev.Audio.RawPayload()))
	}
	if ev.Participant.ID != "alice" {
		t.Fatalf("speaker identity lost: %+v", ev.Participant)
	}
}

func TestTransportSendsCommands(t *testing.T) {
	g := newGateway(t, nil)

	tr := New(Config{URL: g.url()}, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	ctx := context.Background()
	if err := tr.PublishTrack(ctx, "translation-es-alice"); err != nil {
		t.Fatalf("publish track: %v", err)
	}
	if err := tr.SetSubscribed(ctx, "translation-unified-es", true); err != nil {
		t.Fatalf("set subscribed: %v", err)
	}
	if err := tr.PublishDataTo(ctx, "alice", "language_confirmation", []byte(`{}`)); err != nil {
		t.Fatalf("publish data to: %v", err)
	}
	if err := tr.SetMicEnabled(ctx, false); err != nil {
		t.Fatalf("set mic: %v", err)
	}
	if tr.MicEnabled() {
		t.Fatalf("mic state not tracked")
	}

	if cmd, ok := g.commandNamed("publish_track"); !ok || cmd.Track != "translation-es-alice" {
		t.Fatalf("publish_track not received: %+v", cmd)
	}
	cmd, ok := g.commandNamed("set_subscribed")
	if !ok || cmd.Track != "translation-unified-es" || cmd.Subscribed == nil || !*cmd.Subscribed {
		t.Fatalf("set_subscribed not received: %+v", cmd)
	}
	if cmd, ok := g.commandNamed("publish_data"); !ok || cmd.To != "alice" || cmd.Topic != "language_confirmation" {
		t.Fatalf("targeted data not received: %+v", cmd)
	}
	if cmd, ok := g.commandNamed("set_mic"); !ok || cmd.Enabled == nil || *cmd.Enabled {
		t.Fatalf("set_mic not received: %+v", cmd)
	}
}

func TestTransportReconnectsAfterDrop(t *testing.T) {
	g := newGateway(t, func(conn *websocket.Conn, connNum int) {
		if connNum == 1 {
			// Simulate a gateway crash right after the join.
			time.Sleep(20 * time.Millisecond)
			_ = conn.Close()
			return
		}
		writeEvent(conn, wireEvent{Event: "room_joined"})
	})

	tr := New(Config{URL: g.url(), BackoffMin: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond}, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	if ev := nextEvent(t, tr.Events()); ev.Kind != transports.EventConnected {
		t.Fatalf("first event = %q", ev.Kind)
	}
	if ev := nextEvent(t, tr.Events()); ev.Kind != transports.EventDisconnected {
		t.Fatalf("expected disconnect, got %q", ev.Kind)
	}
	if ev := nextEvent(t, tr.Events()); ev.Kind != transports.EventReconnected {
		t.Fatalf("expected reconnect, got %q", ev.Kind)
	}
	if g.connCount() < 2 {
		t.Fatalf("gateway saw %d connections, want at least 2", g.connCount())
	}
}
