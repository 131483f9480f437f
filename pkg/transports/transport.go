package transports

import (
	"context"
	"time"

	"github.com/harunnryd/traduki/pkg/frames"
)

// EventKind identifies what happened inside a room.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventReconnected       EventKind = "reconnected"
	EventDisconnected      EventKind = "disconnected"
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventTrackPublished    EventKind = "track_published"
	EventTrackUnpublished  EventKind = "track_unpublished"
	EventTrackSubscribed   EventKind = "track_subscribed"
	EventTrackUnsubscribed EventKind = "track_unsubscribed"
	EventTrackAudioStarted EventKind = "track_audio_started"
	EventTrackAudioStopped EventKind = "track_audio_stopped"
	EventData              EventKind = "data_received"
	EventAudio             EventKind = "audio"
)

// Participant describes a room member as reported by the SFU.
type Participant struct {
	ID   string
	Name string
	Role string
}

// RoomEvent is a single occurrence delivered by a Transport. Kind
// determines which of the remaining fields carry data: Track for track
// lifecycle events, Topic/Payload for data messages, Audio for inbound
// audio. Participant identifies the remote peer the event concerns
// (the sender for data, the speaker for audio, the owner for tracks).
type RoomEvent struct {
	Kind        EventKind
	Participant Participant
	Track       string
	Topic       string
	Payload     []byte
	Audio       frames.AudioFrame
	Time        time.Time
}

// Transport defines a vendor-agnostic boundary to a conferencing room:
// audio tracks, per-topic data messages, and membership events.
// Implementations are responsible for their own network lifecycle and
// must keep Events ordered per remote participant.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	// Events delivers room occurrences until Stop. The channel is closed
	// when the transport shuts down.
	Events() <-chan RoomEvent
	// PublishTrack announces a named outbound audio track.
	PublishTrack(ctx context.Context, track string) error
	// UnpublishTrack withdraws a previously published track.
	UnpublishTrack(ctx context.Context, track string) error
	// PublishAudio writes one frame to a published track.
	PublishAudio(ctx context.Context, track string, frame frames.AudioFrame) error
	// SetSubscribed attaches or detaches a remote track.
	SetSubscribed(ctx context.Context, track string, subscribed bool) error
	// PublishData broadcasts a payload on a topic to the whole room.
	PublishData(ctx context.Context, topic string, payload []byte) error
	// PublishDataTo sends a payload on a topic to a single participant.
	PublishDataTo(ctx context.Context, participantID string, topic string, payload []byte) error
}

// MicController is implemented by transports that own a local microphone.
// SetMicEnabled and MicEnabled arbitrate the shared mute state between
// the user and automatic guards.
type MicController interface {
	SetMicEnabled(ctx context.Context, enabled bool) error
	MicEnabled() bool
}

// ReadyReporter allows transports to expose readiness metadata (e.g., room
// URLs). Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
