// Package cascade chains speech recognition, text translation, and speech
// synthesis into one translation engine. It trades the realtime engine's
// latency for vendor flexibility: any recognizer and synthesizer pair works.
package cascade

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/stt"
	"github.com/harunnryd/traduki/pkg/adapters/translate"
	"github.com/harunnryd/traduki/pkg/adapters/tts"
	"github.com/harunnryd/traduki/pkg/engine"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/pipeline"
	"github.com/harunnryd/traduki/pkg/processors"
)

// drainTick keeps synthesis output flowing after the speaker goes quiet:
// without inbound audio nothing else would pump the stage drains.
const drainTick = 50 * time.Millisecond

type Config struct {
	Recognizer  func(cfg stt.Config) stt.StreamingSTT
	Translator  translate.Translator
	Synthesizer func(cfg tts.Config) tts.StreamingTTS

	// Glossary corrects recognizer output before translation.
	Glossary map[string]string

	ReplayChunks int
	OutBuffer    int
	Pipeline     pipeline.Config
}

func (c Config) withDefaults() Config {
	if c.ReplayChunks <= 0 {
		c.ReplayChunks = 50
	}
	if c.OutBuffer <= 0 {
		c.OutBuffer = 256
	}
	p := c.Pipeline
	if p.StageBuffer <= 0 {
		p.StageBuffer = 64
	}
	if p.HighCapacity <= 0 {
		p.HighCapacity = 256
	}
	if p.LowCapacity <= 0 {
		p.LowCapacity = 1024
	}
	if p.FairnessRatio <= 0 {
		p.FairnessRatio = 4
	}
	c.Pipeline = p
	return c
}

type Engine struct {
	cfg      Config
	registry *pipeline.SessionRegistry
	obs      metrics.Observer
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]engine.SessionConfig
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:     cfg.withDefaults(),
		logger:  logging.NewComponentLogger(slog.Default(), "cascade"),
		pending: make(map[string]engine.SessionConfig),
	}
	e.registry = pipeline.NewSessionRegistry(e.buildOrchestrator)
	return e
}

func (e *Engine) Name() string { return "cascade" }

func (e *Engine) SetObserver(obs metrics.Observer) { e.obs = obs }

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logging.NewComponentLogger(logger, "cascade")
	}
}

func (e *Engine) Open(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	if e.cfg.Recognizer == nil || e.cfg.Translator == nil || e.cfg.Synthesizer == nil {
		return nil, errorsx.Wrap(errors.New("cascade stages not configured"), errorsx.ReasonEngineConnect)
	}

	e.mu.Lock()
	e.pending[cfg.Key] = cfg
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, cfg.Key)
		e.mu.Unlock()
	}()

	sess, created, err := e.registry.GetOrCreate(cfg.Key, cfg.Key, cfg.TraceID)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}
	if sess == nil {
		return nil, errorsx.Wrap(errors.New("missing session key"), errorsx.ReasonEngineConnect)
	}
	if !created {
		// A prior session with this key is still registered; the caller
		// must drain it before reopening.
		return nil, errorsx.Wrap(errors.New("session already open: "+cfg.Key), errorsx.ReasonEngineConnect)
	}

	cs := &cascadeSession{
		cfg:    cfg,
		orch:   sess.Orch,
		engine: e,
		out:    make(chan frames.Frame, e.cfg.OutBuffer),
		logger: e.logger,
	}
	cs.tuning.Store(cfg.Tuning)
	cs.ctx, cs.cancel = context.WithCancel(context.Background())

	go cs.forwardOutput()
	go cs.pumpDrains()

	e.logger.Info("cascade session opened",
		slog.String("session_key", cfg.Key),
		slog.String("target_language", cfg.TargetLanguage),
		slog.String("voice", cfg.Tuning.Voice))
	return cs, nil
}

// Close drains every live pipeline. Called on engine shutdown.
func (e *Engine) Close() error {
	e.registry.CloseAll()
	return nil
}

func (e *Engine) Sessions() int64 { return e.registry.Count() }

func (e *Engine) buildOrchestrator(ctx context.Context, key, streamID, traceID string) (pipeline.Orchestrator, error) {
	e.mu.Lock()
	cfg, ok := e.pending[key]
	e.mu.Unlock()
	if !ok {
		return nil, errors.New("no session config staged for " + key)
	}

	recognize := processors.NewRecognizeProcessor(func(streamID string) stt.StreamingSTT {
		return e.cfg.Recognizer(stt.Config{
			StreamID:   streamID,
			TraceID:    traceID,
			SampleRate: cfg.SampleRate,
			Language:   cfg.SourceLanguage,
		})
	})
	recognize.SetReplayBuffer(processors.ReplayConfig{MaxChunks: e.cfg.ReplayChunks})

	translateStage := processors.NewTranslateProcessor(e.cfg.Translator, cfg.SourceLanguage, cfg.TargetLanguage)

	synthesize := processors.NewSynthesizeProcessor(func(streamID, voice string) tts.StreamingTTS {
		return e.cfg.Synthesizer(tts.Config{
			StreamID:   streamID,
			TraceID:    traceID,
			SampleRate: cfg.SampleRate,
			Channels:   1,
			Voice:      voice,
			Language:   cfg.TargetLanguage,
		})
	}, cfg.Tuning.Voice)
	synthesize.SetAllowInterruptions(cfg.Tuning.AllowInterruptions)

	builder := pipeline.NewTranslationBuilder().
		WithRecognizer(recognize)
	if len(e.cfg.Glossary) > 0 {
		builder.WithProcessor(processors.NewTextNormalizer(processors.TextNormalizerConfig{
			Replacements: e.cfg.Glossary,
		}))
	}
	orch := builder.
		WithTranslator(translateStage).
		WithFilter(processors.NewMetaFilterProcessor()).
		WithSynthesizer(synthesize).
		Build(e.cfg.Pipeline)

	orch.SetContext(ctx)
	if e.obs != nil {
		orch.SetObserver(e.obs)
		recognize.SetObserver(e.obs)
		translateStage.SetObserver(e.obs)
		synthesize.SetObserver(e.obs)
	}
	recognize.SetContext(ctx)
	translateStage.SetContext(ctx)
	synthesize.SetContext(ctx)
	return orch, nil
}

type cascadeSession struct {
	cfg    engine.SessionConfig
	orch   pipeline.Orchestrator
	engine *Engine
	out    chan frames.Frame

	ctx    context.Context
	cancel context.CancelFunc

	tuning    atomic.Value
	closeOnce sync.Once

	logger *slog.Logger
}

func (s *cascadeSession) SendAudio(f frames.AudioFrame) error {
	select {
	case <-s.ctx.Done():
		return errorsx.Wrap(engine.ErrSessionClosed, errorsx.ReasonEngineSend)
	default:
	}
	// The caller reclaims the frame's buffer after SendAudio returns, so
	// the pipeline gets its own pooled copy.
	meta := map[string]string{
		frames.MetaStreamID:   s.cfg.Key,
		frames.MetaSessionKey: s.cfg.Key,
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	cp := frames.NewAudioFrameFromPool(s.cfg.Key, f.PTS(), f.RawPayload(), f.Rate(), f.Channels(), meta)
	select {
	case s.orch.In() <- cp:
		return nil
	default:
		frames.ReleaseAudioFrame(cp)
		s.logger.Warn("cascade input full, dropping audio",
			slog.String("session_key", s.cfg.Key))
		return nil
	}
}

func (s *cascadeSession) Output() <-chan frames.Frame { return s.out }

func (s *cascadeSession) UpdateTuning(t engine.Tuning) error {
	prev, _ := s.tuning.Load().(engine.Tuning)
	s.tuning.Store(t)

	meta := map[string]string{
		frames.MetaStreamID:   s.cfg.Key,
		"allow_interruptions": strconv.FormatBool(t.AllowInterruptions),
	}
	if t.Voice != "" && t.Voice != prev.Voice {
		meta[frames.MetaVoice] = t.Voice
	}
	f := frames.NewControlFrame(s.cfg.Key, time.Now().UnixNano(), frames.ControlTuningUpdate, meta)
	select {
	case s.orch.In() <- f:
	case <-s.ctx.Done():
		return errorsx.Wrap(engine.ErrSessionClosed, errorsx.ReasonEngineSend)
	}
	s.logger.Info("cascade tuning queued",
		slog.String("session_key", s.cfg.Key),
		slog.String("voice", t.Voice),
		slog.Bool("allow_interruptions", t.AllowInterruptions))
	return nil
}

func (s *cascadeSession) Flush() error {
	f := frames.NewControlFrame(s.cfg.Key, time.Now().UnixNano(), frames.ControlFlush, map[string]string{
		frames.MetaStreamID: s.cfg.Key,
		frames.MetaReason:   "drain",
	})
	select {
	case s.orch.In() <- f:
		return nil
	case <-s.ctx.Done():
		return errorsx.Wrap(engine.ErrSessionClosed, errorsx.ReasonEngineSend)
	}
}

func (s *cascadeSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.engine.registry.Remove(s.cfg.Key)
	})
	return nil
}

// forwardOutput adapts pipeline frames to the engine session contract:
// translated audio, transcript text, and turn boundaries pass; pipeline
// internals stay inside.
func (s *cascadeSession) forwardOutput() {
	defer close(s.out)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-s.orch.Out():
			if !ok {
				return
			}
			switch f.Kind() {
			case frames.KindAudio:
				s.emit(f)
			case frames.KindText:
				tf := f.(frames.TextFrame)
				s.emit(frames.NewTextFrame(s.cfg.Key, tf.PTS(), tf.Text(), s.stampMeta(tf.Meta())))
			case frames.KindControl:
				cf := f.(frames.ControlFrame)
				if cf.Code() == frames.ControlTurnComplete {
					s.emit(frames.NewControlFrame(s.cfg.Key, cf.PTS(), frames.ControlTurnComplete, s.stampMeta(cf.Meta())))
					continue
				}
				frames.ReleaseAudioFrame(f)
			default:
				frames.ReleaseAudioFrame(f)
			}
		}
	}
}

// pumpDrains injects clock frames so stage drains keep running between
// speaker utterances.
func (s *cascadeSession) pumpDrains() {
	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			f := frames.NewSystemFrame(s.cfg.Key, time.Now().UnixNano(), "tick", nil)
			select {
			case s.orch.In() <- f:
			default:
			}
		}
	}
}

func (s *cascadeSession) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		frames.ReleaseAudioFrame(f)
		s.logger.Warn("cascade output full, dropping frame",
			slog.String("session_key", s.cfg.Key),
			slog.String("kind", string(f.Kind())))
	}
}

func (s *cascadeSession) stampMeta(meta map[string]string) map[string]string {
	if meta == nil {
		meta = make(map[string]string)
	}
	meta[frames.MetaSessionKey] = s.cfg.Key
	meta[frames.MetaTargetLanguage] = s.cfg.TargetLanguage
	meta[frames.MetaTrackName] = s.cfg.TrackName
	if s.cfg.SpeakerID != "" {
		meta[frames.MetaSpeakerID] = s.cfg.SpeakerID
	}
	if s.cfg.TraceID != "" && meta[frames.MetaTraceID] == "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Session = (*cascadeSession)(nil)
)
