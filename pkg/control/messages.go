package control

import (
	"encoding/json"
	"strconv"
)

// Topics tag data-channel traffic so receivers can route without decoding.
const (
	TopicLanguagePreference   = "language_preference"
	TopicHostControl          = "host-control"
	TopicRoomMode             = "room_mode"
	TopicTranscription        = "transcription"
	TopicLanguageConfirmation = "language_confirmation"
)

// Wire discriminators carried in the envelope's type field.
const (
	TypeLanguageUpdate                = "language_update"
	TypeLanguagePreference            = "language_preference"
	TypeRoomMode                      = "room_mode"
	TypeHostVADSetting                = "host_vad_setting"
	TypeHostVoiceSetting              = "host_voice_setting"
	TypeHostSilenceDurationSetting    = "host_silence_duration_setting"
	TypeHostAllowInterruptionsSetting = "host_allow_interruptions_setting"
	TypeTranscription                 = "transcription"
	TypeLanguageConfirmed             = "language_confirmed"
)

// Message is any decoded control-channel payload.
type Message interface {
	MessageType() string
}

// LanguageUpdate announces a participant's desired listening language. The
// legacy language_preference shape decodes into this same struct. Enabled is
// always carried, including false, so downstream session teardown fires.
type LanguageUpdate struct {
	ParticipantName string `json:"participantName" mapstructure:"participantName"`
	Language        string `json:"language" mapstructure:"language"`
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
}

func (LanguageUpdate) MessageType() string { return TypeLanguageUpdate }

// RoomModeUpdate is the controller's broadcast of the current topology.
type RoomModeUpdate struct {
	Mode          string   `json:"mode" mapstructure:"mode"`
	LanguageCount int      `json:"language_count" mapstructure:"language_count"`
	Languages     []string `json:"languages" mapstructure:"languages"`
}

func (RoomModeUpdate) MessageType() string { return TypeRoomMode }

// HostVADSetting adjusts voice-activity sensitivity. The wire value may be a
// named level ("low", "medium", "high") or a numeric 0-100; both arrive here
// as the raw scalar text.
type HostVADSetting struct {
	Value string `json:"value" mapstructure:"value"`
}

func (HostVADSetting) MessageType() string { return TypeHostVADSetting }

// MarshalJSON emits numeric sensitivity unquoted so the wire form matches
// what numeric senders produce.
func (m HostVADSetting) MarshalJSON() ([]byte, error) {
	if n, err := strconv.Atoi(m.Value); err == nil {
		return json.Marshal(struct {
			Value int `json:"value"`
		}{Value: n})
	}
	return json.Marshal(struct {
		Value string `json:"value"`
	}{Value: m.Value})
}

// HostVoiceSetting selects the synthesized voice for all sessions.
type HostVoiceSetting struct {
	Voice string `json:"voice" mapstructure:"voice"`
}

func (HostVoiceSetting) MessageType() string { return TypeHostVoiceSetting }

// HostSilenceDurationSetting sets the end-of-turn silence window in
// milliseconds.
type HostSilenceDurationSetting struct {
	Duration int `json:"duration" mapstructure:"duration"`
}

func (HostSilenceDurationSetting) MessageType() string { return TypeHostSilenceDurationSetting }

// HostAllowInterruptionsSetting toggles barge-in across all sessions.
type HostAllowInterruptionsSetting struct {
	Allow bool `json:"allow" mapstructure:"allow"`
}

func (HostAllowInterruptionsSetting) MessageType() string { return TypeHostAllowInterruptionsSetting }

// Transcription mirrors translated text to every participant so listeners see
// both the original and the rendered translation. Partial updates stream
// ahead of the final.
type Transcription struct {
	Text              string  `json:"text" mapstructure:"text"`
	OriginalText      string  `json:"originalText" mapstructure:"originalText"`
	Language          string  `json:"language" mapstructure:"language"`
	ParticipantID     string  `json:"participant_id" mapstructure:"participant_id"`
	TargetParticipant string  `json:"target_participant" mapstructure:"target_participant"`
	Partial           bool    `json:"partial" mapstructure:"partial"`
	Final             bool    `json:"final" mapstructure:"final"`
	Timestamp         float64 `json:"timestamp" mapstructure:"timestamp"`
}

func (Transcription) MessageType() string { return TypeTranscription }

// LanguageConfirmed is the agent's acknowledgment of an applied
// language_update, addressed back to the sender.
type LanguageConfirmed struct {
	Language string `json:"language" mapstructure:"language"`
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
}

func (LanguageConfirmed) MessageType() string { return TypeLanguageConfirmed }

// Unknown preserves the discriminator of an unrecognized message. Consumers
// ignore it; newer peers keep working against older ones.
type Unknown struct {
	Type string
}

func (u Unknown) MessageType() string { return u.Type }

// legacyPreference is the older client shape for language announcements.
type legacyPreference struct {
	ParticipantName    string `mapstructure:"participant_name"`
	TargetLanguage     string `mapstructure:"target_language"`
	TranslationEnabled bool   `mapstructure:"translation_enabled"`
}
