package tts

import (
	"context"

	"github.com/harunnryd/traduki/pkg/frames"
)

// StreamingTTS defines the contract for any speech synthesis vendor
// implementation. It is the last stage of the cascade engine.
type StreamingTTS interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the synthesis connection.
	Start(ctx context.Context) error
	// Close shuts down the synthesis connection.
	Close() error
	// SendText sends text to be synthesized.
	SendText(text string) error
	// Flush stops current synthesis and clears buffers.
	Flush()
	// Results returns a channel of audio/control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic synthesis configuration.
type Config struct {
	StreamID   string
	TraceID    string
	SampleRate int
	Channels   int
	Voice      string
	// Language of the text being synthesized.
	Language string
}
