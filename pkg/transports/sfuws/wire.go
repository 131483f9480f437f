package sfuws

import "github.com/harunnryd/traduki/pkg/transports"

// wireEvent is a gateway-to-agent envelope. The event field selects which of
// the rest carry data. Audio and data payloads travel base64-encoded so the
// protocol stays binary-safe inside JSON.
type wireEvent struct {
	Event       string           `json:"event"`
	Participant *wireParticipant `json:"participant,omitempty"`
	Track       string           `json:"track,omitempty"`
	Topic       string           `json:"topic,omitempty"`
	Payload     string           `json:"payload_b64,omitempty"`
	SampleRate  int              `json:"sample_rate,omitempty"`
	Channels    int              `json:"channels,omitempty"`
	Error       string           `json:"error,omitempty"`

	// room_joined snapshot.
	Participants []wireParticipant `json:"participants,omitempty"`
	Tracks       []wireTrack       `json:"tracks,omitempty"`
}

type wireParticipant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

func (p wireParticipant) toParticipant() transports.Participant {
	return transports.Participant{ID: p.ID, Name: p.Name, Role: p.Role}
}

type wireTrack struct {
	Name        string          `json:"name"`
	Participant wireParticipant `json:"participant"`
}

// wireCommand is an agent-to-gateway envelope. Pointer booleans distinguish
// an absent field from an explicit false.
type wireCommand struct {
	Command    string `json:"command"`
	Track      string `json:"track,omitempty"`
	Subscribed *bool  `json:"subscribed,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Payload    string `json:"payload_b64,omitempty"`
	To         string `json:"to,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// join fields.
	Room     string `json:"room,omitempty"`
	Identity string `json:"identity,omitempty"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
}
