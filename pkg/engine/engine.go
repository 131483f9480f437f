// Package engine defines the provider-agnostic contract for speech
// translation backends. A session takes one speaker's audio and produces
// translated audio plus transcripts for a single target language.
package engine

import (
	"context"
	"errors"

	"github.com/harunnryd/traduki/pkg/frames"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("engine: session closed")

// Tuning holds the synthesis parameters a session applies on its next turn.
// Values are provider-native: VADThreshold in [0,1], durations in ms.
type Tuning struct {
	VADThreshold       float64
	SilenceDurationMs  int
	PrefixPaddingMs    int
	Voice              string
	AllowInterruptions bool
}

// SessionConfig describes one speaker-to-language translation stream.
type SessionConfig struct {
	// Key is the stable session identity used for logs and metrics.
	Key string
	// RoomID names the room the stream belongs to.
	RoomID string
	// SpeakerID is the participant whose audio feeds the stream. Empty for
	// unified streams that mix every speaker.
	SpeakerID string
	// SourceLanguage is a best-known hint of the spoken language. May be
	// empty, in which case the engine detects it.
	SourceLanguage string
	// TargetLanguage is the language the stream translates into.
	TargetLanguage string
	// TrackName is the outbound track translated audio is published on.
	TrackName string
	// SampleRate of inbound and outbound PCM audio.
	SampleRate int
	Tuning     Tuning
	TraceID    string
}

// Session is one live translation stream.
type Session interface {
	// SendAudio forwards one frame of speaker audio to the engine.
	SendAudio(frame frames.AudioFrame) error
	// Output delivers translated audio frames, transcript text frames
	// (partials, plus finals carrying MetaIsFinal), and ControlTurnComplete
	// frames at turn boundaries. The channel is closed when the session ends.
	Output() <-chan frames.Frame
	// UpdateTuning swaps synthesis parameters. Takes effect on the next
	// turn; in-flight audio is not re-synthesized.
	UpdateTuning(t Tuning) error
	// Flush asks the engine to finalize any buffered turn.
	Flush() error
	// Close tears the stream down and releases provider resources.
	Close() error
}

// Engine opens translation sessions against one provider.
type Engine interface {
	Name() string
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}
