package stt

import (
	"context"

	"github.com/harunnryd/traduki/pkg/frames"
)

// StreamingSTT defines the contract for any speech recognition vendor
// implementation. It is the first stage of the cascade engine.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the recognition connection.
	Start(ctx context.Context) error
	// Close shuts down the recognition connection.
	Close() error
	// SendAudio sends audio frames to the recognition service.
	SendAudio(frame frames.AudioFrame) error
	// Results returns a channel of transcription/control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic recognition configuration.
type Config struct {
	StreamID   string
	TraceID    string
	SampleRate int
	// Language hints the spoken language. Empty means auto-detect.
	Language string
}
