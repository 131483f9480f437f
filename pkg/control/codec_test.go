package control

import (
	"strings"
	"testing"
)

func TestDecodeLanguageUpdate(t *testing.T) {
	raw := `{"type":"language_update","participantName":"Alice","language":"es-CO","enabled":true}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	lu, ok := msg.(LanguageUpdate)
	if !ok {
		t.Fatalf("expected LanguageUpdate, got %T", msg)
	}
	if lu.ParticipantName != "Alice" || lu.Language != "es-CO" || !lu.Enabled {
		t.Fatalf("unexpected fields: %+v", lu)
	}
}

func TestDecodeLegacyPreference(t *testing.T) {
	raw := `{"type":"language_preference","participant_name":"Bob","target_language":"fr","translation_enabled":true}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	lu, ok := msg.(LanguageUpdate)
	if !ok {
		t.Fatalf("expected LanguageUpdate, got %T", msg)
	}
	if lu.ParticipantName != "Bob" || lu.Language != "fr" || !lu.Enabled {
		t.Fatalf("unexpected fields: %+v", lu)
	}
}

func TestDecodeDisabledPropagates(t *testing.T) {
	raw := `{"type":"language_update","participantName":"Alice","language":"es","enabled":false}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if lu := msg.(LanguageUpdate); lu.Enabled {
		t.Fatalf("expected enabled=false to survive decode")
	}
}

func TestDecodeHostVADNumericAndNamed(t *testing.T) {
	for raw, want := range map[string]string{
		`{"type":"host_vad_setting","value":80}`:       "80",
		`{"type":"host_vad_setting","value":"80"}`:     "80",
		`{"type":"host_vad_setting","value":"medium"}`: "medium",
	} {
		msg, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("Decode(%s): %v", raw, err)
		}
		vad, ok := msg.(HostVADSetting)
		if !ok {
			t.Fatalf("expected HostVADSetting, got %T", msg)
		}
		if vad.Value != want {
			t.Fatalf("Decode(%s) value = %q, want %q", raw, vad.Value, want)
		}
	}
}

func TestDecodeHostSilenceDurationWeak(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"host_silence_duration_setting","duration":"750"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d := msg.(HostSilenceDurationSetting); d.Duration != 750 {
		t.Fatalf("expected 750, got %d", d.Duration)
	}
}

func TestDecodeUnknownTypeIgnored(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"screen_share_started","surface":"window"}`))
	if err != nil {
		t.Fatalf("unknown type must not error: %v", err)
	}
	if _, ok := msg.(Unknown); !ok {
		t.Fatalf("expected Unknown, got %T", msg)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected decode error on malformed payload")
	}
}

func TestEncodeInjectsType(t *testing.T) {
	out, err := Encode(RoomModeUpdate{Mode: "unified", LanguageCount: 2, Languages: []string{"en", "es"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(out), `"type":"room_mode"`) {
		t.Fatalf("missing discriminator: %s", out)
	}
	msg, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode roundtrip: %v", err)
	}
	rm, ok := msg.(RoomModeUpdate)
	if !ok {
		t.Fatalf("expected RoomModeUpdate, got %T", msg)
	}
	if rm.Mode != "unified" || rm.LanguageCount != 2 || len(rm.Languages) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", rm)
	}
}

func TestEncodeHostVADNumericWire(t *testing.T) {
	out, err := Encode(HostVADSetting{Value: "80"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(out), `"value":80`) {
		t.Fatalf("numeric sensitivity should be unquoted on the wire: %s", out)
	}
}
