package control

import (
	"encoding/json"

	"github.com/harunnryd/traduki/pkg/configutil"
	"github.com/harunnryd/traduki/pkg/errorsx"
)

// Encode renders a message into its wire envelope, injecting the type
// discriminator. Payloads are UTF-8 JSON sent opaque over the data channel.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonControlSend)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonControlSend)
	}
	fields["type"] = m.MessageType()
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonControlSend)
	}
	return out, nil
}

// Decode parses a wire envelope into a typed message. Unrecognized types
// decode to Unknown, never an error; senders newer than this binary must not
// break it. Field values arriving with the wrong scalar type (a numeric
// sensitivity sent as a string, a duration sent as a number literal) are
// coerced rather than rejected.
func Decode(data []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
	}
	t, _ := raw["type"].(string)
	switch t {
	case TypeLanguageUpdate:
		var m LanguageUpdate
		if err := configutil.DecodeSettings(raw, &m); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return m, nil
	case TypeLanguagePreference:
		var legacy legacyPreference
		if err := configutil.DecodeSettings(raw, &legacy); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return LanguageUpdate{
			ParticipantName: legacy.ParticipantName,
			Language:        legacy.TargetLanguage,
			Enabled:         legacy.TranslationEnabled,
		}, nil
	case TypeRoomMode:
		var m RoomModeUpdate
		if err := configutil.DecodeSettings(raw, &m); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return m, nil
	case TypeHostVADSetting:
		var m HostVADSetting
		if err := configutil.DecodeSettings(raw, &m); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return m, nil
	case TypeHostVoiceSetting:
		var m HostVoiceSetting
		if err := configutil.DecodeSettings(raw, &m); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return m, nil
	case TypeHostSilenceDurationSetting:
		var m HostSilenceDurationSetting
		if err := configutil.DecodeSettings(raw, &m); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return m, nil
	case TypeHostAllowInterruptionsSetting:
		var m HostAllowInterruptionsSetting
		if err := configutil.DecodeSettings(raw, &m); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return m, nil
	case TypeTranscription:
		var m Transcription
		if err := configutil.DecodeSettings(raw, &m); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return m, nil
	case TypeLanguageConfirmed:
		var m LanguageConfirmed
		if err := configutil.DecodeSettings(raw, &m); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return m, nil
	default:
		return Unknown{Type: t}, nil
	}
}
