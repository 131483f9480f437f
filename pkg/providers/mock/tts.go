package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/tts"
	"github.com/harunnryd/traduki/pkg/frames"
)

type TTSConfig struct {
	StreamID   string
	TraceID    string
	SampleRate int
	Channels   int
	Voice      string
	// SendErr makes SendText fail, for retry and recreate tests.
	SendErr error
}

// StreamingTTS answers every SendText with one silent audio frame followed
// by an audio_ready control, the same turn shape real synthesizers produce.
type StreamingTTS struct {
	cfg     TTSConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	sent    []string
	flushes int
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{
		cfg: cfg,
		out: make(chan frames.Frame, 16),
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) Close() error {
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

// Sent returns every text accepted so far, in order.
func (s *StreamingTTS) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Flushes reports how many times Flush was called.
func (s *StreamingTTS) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("not started")
	}
	if s.cfg.SendErr != nil {
		return s.cfg.SendErr
	}
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()

	pcm := make([]byte, 320)
	s.out <- frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pcm, s.cfg.SampleRate, s.cfg.Channels, s.meta(nil))
	s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioReady, s.meta(map[string]string{
		frames.MetaReason: "synthesis_complete",
	}))
	return nil
}

func (s *StreamingTTS) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

func (s *StreamingTTS) meta(extra map[string]string) map[string]string {
	m := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaSource:   frames.SourceTranslation,
	}
	if s.cfg.TraceID != "" {
		m[frames.MetaTraceID] = s.cfg.TraceID
	}
	if s.cfg.Voice != "" {
		m[frames.MetaVoice] = s.cfg.Voice
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
