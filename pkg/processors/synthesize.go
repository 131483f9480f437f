package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/tts"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/pipeline"
	"github.com/harunnryd/traduki/pkg/redact"
	"github.com/harunnryd/traduki/pkg/resilience"
)

// SynthesizeProcessor renders translated text as audio. Sessions are keyed
// by stream and voice so a host voice change simply retires the old vendor
// session; the next turn speaks with the new one.
type SynthesizeProcessor struct {
	mu       sync.Mutex
	sessions map[string]tts.StreamingTTS
	factory  func(streamID, voice string) tts.StreamingTTS
	voice    string

	ctx   context.Context
	obs   metrics.Observer
	first map[string]bool
	trace map[string]string

	allowInterruptions atomic.Bool

	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryPolicy
	open     bool
	provider string

	logger *slog.Logger
}

func NewSynthesizeProcessor(factory func(streamID, voice string) tts.StreamingTTS, voice string) *SynthesizeProcessor {
	if voice == "" {
		voice = "alloy"
	}
	p := &SynthesizeProcessor{
		sessions: make(map[string]tts.StreamingTTS),
		factory:  factory,
		voice:    voice,
		first:    make(map[string]bool),
		trace:    make(map[string]string),
		breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:    resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:   logging.NewComponentLogger(slog.Default(), "synthesize_processor"),
	}
	p.allowInterruptions.Store(true)
	return p
}

func (p *SynthesizeProcessor) Name() string { return "synthesize_processor" }

func (p *SynthesizeProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *SynthesizeProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *SynthesizeProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "synthesize_processor")
	}
}

func (p *SynthesizeProcessor) SetAllowInterruptions(v bool) {
	p.allowInterruptions.Store(v)
}

// SetVoice applies at the next turn: current vendor sessions are retired,
// not restarted.
func (p *SynthesizeProcessor) SetVoice(voice string) {
	if voice == "" {
		return
	}
	p.mu.Lock()
	changed := p.voice != voice
	p.voice = voice
	p.mu.Unlock()
	if changed {
		p.CloseAll()
		p.logger.Info("synthesis voice updated", slog.String("voice", voice))
	}
}

func (p *SynthesizeProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		p.setTrace(streamID, traceID)
	}

	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == "session_end" {
			p.CloseStream(streamID)
			return []frames.Frame{f}, nil
		}
		out := p.drainAll(streamID)
		return append(out, f), nil
	}

	if f.Kind() == frames.KindControl {
		cf := f.(frames.ControlFrame)
		out := p.drainAll(streamID)
		switch cf.Code() {
		case frames.ControlInterrupt:
			if p.allowInterruptions.Load() {
				p.withSessions(streamID, func(s tts.StreamingTTS) { s.Flush() })
				p.record("synthesis_interrupted", streamID)
				p.logger.Info("synthesis interrupted by speech",
					slog.String("stream_id", streamID))
			}
		case frames.ControlFlush:
			p.withSessions(streamID, func(s tts.StreamingTTS) { s.Flush() })
			if cf.Meta()[frames.MetaReason] == "drain" {
				done := frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlTurnComplete, map[string]string{
					frames.MetaStreamID: streamID,
					frames.MetaReason:   "drain",
				})
				out = append(out, done)
			}
		case frames.ControlCancel:
			p.CloseStream(streamID)
		case frames.ControlTuningUpdate:
			if v := cf.Meta()["allow_interruptions"]; v != "" {
				p.allowInterruptions.Store(v == "true")
			}
			if voice := cf.Meta()[frames.MetaVoice]; voice != "" {
				p.SetVoice(voice)
			}
		}
		return append(out, f), nil
	}

	if f.Kind() != frames.KindText {
		out := p.drainAll(streamID)
		return append(out, f), nil
	}

	tf := f.(frames.TextFrame)
	if meta[frames.MetaSource] != frames.SourceTranslation || meta[frames.MetaIsFinal] != "true" {
		out := p.drainAll(streamID)
		return append(out, f), nil
	}
	if strings.TrimSpace(tf.Text()) == "" {
		return p.drainAll(streamID), nil
	}

	out := p.drainAll(streamID)
	// The text frame always continues downstream for the transcript feed,
	// whether or not synthesis succeeds.
	out = append(out, f)

	if !p.breaker.Allow() {
		p.recordBreaker(metrics.EventBreakerDenied, streamID)
		p.setBreakerOpen(true, streamID)
		p.logger.Warn("synthesize circuit open",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonSynthesizeCircuitOpen)))
		return append(out, p.turnComplete(streamID, "synthesize_unavailable")), nil
	}
	p.setBreakerOpen(false, streamID)

	synth, err := p.getOrCreate(streamID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSynthesizeConnect)
		p.logger.Error("synthesize connection failed",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		p.recordRateLimit(err, streamID)
		p.breaker.OnError(err)
		return append(out, p.turnComplete(streamID, "synthesize_unavailable")), nil
	}

	p.logger.Info("synthesize request",
		slog.String("stream_id", streamID),
		slog.String("text", clipText(redact.Text(tf.Text()))),
		slog.Int("text_length", len(tf.Text())))

	if err := synth.SendText(tf.Text()); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSynthesizeSend)
		p.logger.Warn("synthesize send failed",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		retryErr := p.retry.Do(func() error {
			p.CloseStream(streamID)
			synth, err = p.getOrCreate(streamID)
			if err != nil {
				return err
			}
			return synth.SendText(tf.Text())
		})
		if retryErr != nil {
			retryErr = errorsx.Wrap(retryErr, errorsx.ReasonSynthesizeRetry)
			p.logger.Error("synthesize retry exhausted",
				slog.String("stream_id", streamID),
				slog.String("reason_code", string(errorsx.Reason(retryErr))),
				slog.String("error", retryErr.Error()))
			p.recordRateLimit(retryErr, streamID)
			p.breaker.OnError(retryErr)
			return append(out, p.turnComplete(streamID, "synthesize_unavailable")), nil
		}
	}
	p.breaker.OnSuccess()
	out = append(out, p.drainAll(streamID)...)
	return out, nil
}

func (p *SynthesizeProcessor) getOrCreate(streamID string) (tts.StreamingTTS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := streamID + "|" + p.voice
	if synth, ok := p.sessions[key]; ok {
		return synth, nil
	}
	synth := p.factory(streamID, p.voice)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := synth.Start(p.ctx); err != nil {
		return nil, err
	}
	p.sessions[key] = synth
	if p.provider == "" {
		p.provider = synth.Name()
	}
	p.logger.Info("synthesis session created",
		slog.String("stream_id", streamID),
		slog.String("voice", p.voice))
	return synth, nil
}

func (p *SynthesizeProcessor) CloseStream(streamID string) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, synth := range p.sessions {
		if strings.HasPrefix(key, streamID+"|") || key == streamID {
			_ = synth.Close()
			delete(p.sessions, key)
		}
	}
	delete(p.first, streamID)
	delete(p.trace, streamID)
}

func (p *SynthesizeProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, synth := range p.sessions {
		_ = synth.Close()
		delete(p.sessions, id)
	}
	p.first = make(map[string]bool)
	p.trace = make(map[string]string)
}

func (p *SynthesizeProcessor) withSessions(streamID string, fn func(tts.StreamingTTS)) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	var sessions []tts.StreamingTTS
	for key, sess := range p.sessions {
		if key == streamID || strings.HasPrefix(key, streamID+"|") {
			sessions = append(sessions, sess)
		}
	}
	p.mu.Unlock()
	for _, sess := range sessions {
		fn(sess)
	}
}

// drainAll pulls whatever the vendor session produced since the last frame
// passed through. Synthesis completion markers become turn boundaries here.
func (p *SynthesizeProcessor) drainAll(streamID string) []frames.Frame {
	var out []frames.Frame
	p.withSessions(streamID, func(sess tts.StreamingTTS) {
		for {
			select {
			case f, ok := <-sess.Results():
				if !ok {
					return
				}
				if f.Kind() == frames.KindControl {
					cf := f.(frames.ControlFrame)
					if cf.Code() == frames.ControlAudioReady {
						reason := cf.Meta()[frames.MetaReason]
						out = append(out, p.turnComplete(streamID, reason))
						continue
					}
				}
				if f.Kind() == frames.KindAudio {
					p.recordFirst(streamID)
				}
				out = append(out, f)
			default:
				return
			}
		}
	})
	return out
}

func (p *SynthesizeProcessor) turnComplete(streamID, reason string) frames.Frame {
	meta := map[string]string{frames.MetaStreamID: streamID}
	if reason != "" {
		meta[frames.MetaReason] = reason
	}
	if traceID := p.getTrace(streamID); traceID != "" {
		meta[frames.MetaTraceID] = traceID
	}
	return frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlTurnComplete, meta)
}

var _ pipeline.FrameProcessor = (*SynthesizeProcessor)(nil)

func (p *SynthesizeProcessor) recordFirst(streamID string) {
	if p.obs == nil {
		return
	}
	p.mu.Lock()
	if p.first[streamID] {
		p.mu.Unlock()
		return
	}
	p.first[streamID] = true
	p.mu.Unlock()
	p.record("synthesize_first_audio", streamID)
}

func (p *SynthesizeProcessor) setTrace(streamID, traceID string) {
	if traceID == "" {
		return
	}
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *SynthesizeProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

func (p *SynthesizeProcessor) baseTags(streamID string) map[string]string {
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "synthesize"}
	if traceID := p.getTrace(streamID); traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	return tags
}

func (p *SynthesizeProcessor) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: p.baseTags(streamID),
	})
}

func (p *SynthesizeProcessor) recordBreaker(name, streamID string) {
	p.record(name, streamID)
}

func (p *SynthesizeProcessor) recordRateLimit(err error, streamID string) {
	if err == nil {
		return
	}
	if resilience.IsRateLimit(err) {
		p.recordBreaker(metrics.EventRateLimit, streamID)
	}
}

func (p *SynthesizeProcessor) setBreakerOpen(open bool, streamID string) {
	p.mu.Lock()
	changed := p.open != open
	p.open = open
	p.mu.Unlock()
	if !changed {
		return
	}
	if open {
		p.recordBreaker(metrics.EventBreakerOpen, streamID)
		return
	}
	p.recordBreaker(metrics.EventBreakerClose, streamID)
}
