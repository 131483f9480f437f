package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/engine"
	"github.com/harunnryd/traduki/pkg/frames"
)

type EngineConfig struct {
	// Transcript is the final text every turn produces. The translated
	// text is Transcript prefixed with the target language.
	Transcript string
	// FramesPerTurn is how many audio frames make one spoken turn.
	FramesPerTurn int
	// AudioChunk is the PCM payload emitted per turn. Defaults to 320
	// bytes of silence.
	AudioChunk []byte
	// OpenErr makes Open fail, for session manager error paths.
	OpenErr error
}

// Engine is a scripted translation backend. Every FramesPerTurn audio
// frames it emits one complete turn: a partial transcript, a final
// transcript, translated audio, and a turn boundary.
type Engine struct {
	cfg      EngineConfig
	mu       sync.Mutex
	opens    []engine.SessionConfig
	sessions map[string]*Session
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Transcript == "" {
		cfg.Transcript = "hello from the mock engine"
	}
	if cfg.FramesPerTurn <= 0 {
		cfg.FramesPerTurn = 25
	}
	if len(cfg.AudioChunk) == 0 {
		cfg.AudioChunk = make([]byte, 320)
	}
	return &Engine{cfg: cfg, sessions: make(map[string]*Session)}
}

func (e *Engine) Name() string { return "mock" }

func (e *Engine) Open(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	if e.cfg.OpenErr != nil {
		return nil, e.cfg.OpenErr
	}
	s := &Session{
		cfg:  cfg,
		ecfg: e.cfg,
		out:  make(chan frames.Frame, 64),
	}
	s.tuning = cfg.Tuning
	e.mu.Lock()
	e.opens = append(e.opens, cfg)
	e.sessions[cfg.Key] = s
	e.mu.Unlock()
	return s, nil
}

// Opens returns every session config passed to Open, in order.
func (e *Engine) Opens() []engine.SessionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.SessionConfig(nil), e.opens...)
}

// Session returns the live session opened under key, if any.
func (e *Engine) Session(key string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[key]
	return s, ok
}

// Session is one scripted translation stream.
type Session struct {
	cfg  engine.SessionConfig
	ecfg EngineConfig
	out  chan frames.Frame

	mu      sync.Mutex
	closed  bool
	pending int
	turns   int
	tuning  engine.Tuning
	tunings []engine.Tuning
	flushes int
}

func (s *Session) SendAudio(f frames.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return engine.ErrSessionClosed
	}
	s.pending++
	emit := s.pending >= s.ecfg.FramesPerTurn
	if emit {
		s.pending = 0
		s.turns++
	}
	turn := s.turns
	s.mu.Unlock()

	if emit {
		s.emitTurn(turn, "speech_final")
	}
	return nil
}

func (s *Session) Output() <-chan frames.Frame { return s.out }

func (s *Session) UpdateTuning(t engine.Tuning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrSessionClosed
	}
	s.tuning = t
	s.tunings = append(s.tunings, t)
	return nil
}

func (s *Session) Flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return engine.ErrSessionClosed
	}
	s.flushes++
	hadAudio := s.pending > 0
	if hadAudio {
		s.pending = 0
		s.turns++
	}
	turn := s.turns
	s.mu.Unlock()

	if hadAudio {
		s.emitTurn(turn, "drain")
		return nil
	}
	s.emit(frames.NewControlFrame(s.cfg.Key, time.Now().UnixNano(), frames.ControlTurnComplete, s.meta(map[string]string{
		frames.MetaReason: "drain",
	})))
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return nil
}

// Turns reports how many complete turns the session has emitted.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Tunings returns every tuning update applied, in order.
func (s *Session) Tunings() []engine.Tuning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Tuning(nil), s.tunings...)
}

// Flushes reports how many times Flush was called.
func (s *Session) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Session) emitTurn(turn int, reason string) {
	now := time.Now().UnixNano()
	translated := "[" + s.cfg.TargetLanguage + "] " + s.ecfg.Transcript

	s.emit(frames.NewTextFrame(s.cfg.Key, now, s.ecfg.Transcript, s.meta(map[string]string{
		frames.MetaIsFinal: "false",
	})))
	s.emit(frames.NewTextFrame(s.cfg.Key, now, translated, s.meta(map[string]string{
		frames.MetaIsFinal: "true",
	})))
	s.emit(frames.NewAudioFrame(s.cfg.Key, now, s.ecfg.AudioChunk, s.cfg.SampleRate, 1, s.meta(nil)))
	s.emit(frames.NewControlFrame(s.cfg.Key, now, frames.ControlTurnComplete, s.meta(map[string]string{
		frames.MetaReason: reason,
		"turn":            strconv.Itoa(turn),
	})))
}

func (s *Session) emit(f frames.Frame) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.out <- f:
	default:
	}
}

func (s *Session) meta(extra map[string]string) map[string]string {
	s.mu.Lock()
	voice := s.tuning.Voice
	s.mu.Unlock()
	m := map[string]string{
		frames.MetaStreamID:       s.cfg.Key,
		frames.MetaSessionKey:     s.cfg.Key,
		frames.MetaTargetLanguage: s.cfg.TargetLanguage,
		frames.MetaTrackName:      s.cfg.TrackName,
		frames.MetaSource:         frames.SourceTranslation,
	}
	if s.cfg.SpeakerID != "" {
		m[frames.MetaSpeakerID] = s.cfg.SpeakerID
	}
	if s.cfg.TraceID != "" {
		m[frames.MetaTraceID] = s.cfg.TraceID
	}
	if voice != "" {
		m[frames.MetaVoice] = voice
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Session = (*Session)(nil)
)
