package pipeline

import (
	"context"
	"log/slog"

	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/metrics"
)

type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

type Config struct {
	StageBuffer   int
	HighCapacity  int
	LowCapacity   int
	FairnessRatio int
}

type EngineConfig struct {
	SampleRate      int `mapstructure:"samplerate"`
	STTReplayChunks int `mapstructure:"stt_replay_chunks"`
}

func LogConfiguration(cfg EngineConfig) {
	slog.Info("engine_config",
		"sample_rate", cfg.SampleRate,
		"stt_replay_chunks", cfg.STTReplayChunks,
	)
}

type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	Out() chan frames.Frame
	SetContext(ctx context.Context)
	SetObserver(obs metrics.Observer)
}
