package frames

// Meta keys shared across transports, sessions, and engine providers.
const (
	MetaStreamID       = "stream_id"
	MetaRoomID         = "room_id"
	MetaSpeakerID      = "speaker_id"
	MetaParticipantID  = "participant_id"
	MetaTrackName      = "track_name"
	MetaTargetLanguage = "target_language"
	MetaSourceLanguage = "source_language"
	MetaSessionKey     = "session_key"
	MetaSource         = "source"
	MetaTraceID        = "trace_id"
	MetaIsFinal        = "is_final"
	MetaReason         = "reason"
	MetaVoice          = "voice"
	MetaNormalized     = "normalized"
)

// MetaSource values distinguishing the two transcript streams an engine
// session emits.
const (
	SourceRecognition = "recognition"
	SourceTranslation = "translation"
)
