// Package mock provides in-memory stand-ins for every provider contract:
// recognition, translation, synthesis, and the full engine. Tests and the
// example binaries run on these without network credentials.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/stt"
	"github.com/harunnryd/traduki/pkg/frames"
)

type STTConfig struct {
	StreamID          string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitVAD           bool
	EmitUtteranceEnd  bool
	// StartErr makes Start fail, for retry and breaker tests.
	StartErr error
}

// StreamingSTT emits a scripted recognition sequence on the first audio
// frame it receives and stays silent afterwards.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
	audioIn int
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

// AudioFrames reports how many frames SendAudio accepted.
func (s *StreamingSTT) AudioFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioIn
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	s.audioIn++
	if s.emitted {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()

	if s.cfg.EmitVAD {
		s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlInterrupt, s.meta(map[string]string{
			frames.MetaReason: "speech_started",
		}))
	}

	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), interim, s.meta(map[string]string{
			frames.MetaIsFinal: "false",
		}))
	}

	s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), s.cfg.Transcript, s.meta(map[string]string{
		frames.MetaIsFinal: "true",
	}))

	s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, s.meta(map[string]string{
		frames.MetaReason: "speech_final",
	}))

	if s.cfg.EmitUtteranceEnd {
		s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, s.meta(map[string]string{
			frames.MetaReason: "utterance_end",
		}))
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) meta(extra map[string]string) map[string]string {
	m := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaSource:   frames.SourceRecognition,
	}
	if s.cfg.TraceID != "" {
		m[frames.MetaTraceID] = s.cfg.TraceID
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
