package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/stt"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/pipeline"
	"github.com/harunnryd/traduki/pkg/redact"
	"github.com/harunnryd/traduki/pkg/resilience"
)

// RecognizeProcessor feeds speaker audio to a streaming recognizer and
// forwards transcripts downstream. A dropped vendor connection is recreated
// transparently and the most recent audio chunks are replayed into it.
type RecognizeProcessor struct {
	mu             sync.Mutex
	sessions       map[string]stt.StreamingSTT
	factory        func(streamID string) stt.StreamingSTT
	replayCfg      ReplayConfig
	replay         map[string]*audioReplayBuffer
	ctx            context.Context
	obs            metrics.Observer
	trace          map[string]string
	retry          resilience.RetryPolicy
	breaker        *resilience.CircuitBreaker
	interimLogged  map[string]bool
	forwardInterim bool
	provider       string
	breakerOpen    bool
	logger         *slog.Logger
}

type ReplayConfig struct {
	MaxChunks int
}

type audioChunk struct {
	data     []byte
	rate     int
	channels int
}

type audioReplayBuffer struct {
	maxChunks int
	chunks    []audioChunk
}

func newAudioReplayBuffer(maxChunks int) *audioReplayBuffer {
	if maxChunks <= 0 {
		maxChunks = 0
	}
	return &audioReplayBuffer{maxChunks: maxChunks}
}

func (b *audioReplayBuffer) Add(chunk audioChunk) {
	if b == nil || b.maxChunks <= 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) > b.maxChunks {
		b.chunks = b.chunks[len(b.chunks)-b.maxChunks:]
	}
}

func (b *audioReplayBuffer) Snapshot() []audioChunk {
	if b == nil || len(b.chunks) == 0 {
		return nil
	}
	out := make([]audioChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

func NewRecognizeProcessor(factory func(streamID string) stt.StreamingSTT) *RecognizeProcessor {
	return &RecognizeProcessor{
		sessions:       make(map[string]stt.StreamingSTT),
		factory:        factory,
		replayCfg:      ReplayConfig{MaxChunks: 50},
		replay:         make(map[string]*audioReplayBuffer),
		trace:          make(map[string]string),
		retry:          resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:        resilience.NewCircuitBreaker(3, 30*time.Second),
		interimLogged:  make(map[string]bool),
		forwardInterim: true,
		logger:         logging.NewComponentLogger(slog.Default(), "recognize_processor"),
	}
}

// SetReplayBuffer configures how many recent audio chunks to replay on reconnect.
func (p *RecognizeProcessor) SetReplayBuffer(cfg ReplayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxChunks < 0 {
		cfg.MaxChunks = 0
	}
	p.replayCfg = cfg
	if cfg.MaxChunks == 0 {
		p.replay = make(map[string]*audioReplayBuffer)
	}
}

// SetForwardInterim toggles emitting interim text frames downstream.
func (p *RecognizeProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

func (p *RecognizeProcessor) Name() string { return "recognize_processor" }

func (p *RecognizeProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *RecognizeProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *RecognizeProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "recognize_processor")
	}
}

func (p *RecognizeProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == "session_end" {
			if streamID := sf.Meta()[frames.MetaStreamID]; streamID != "" {
				p.CloseStream(streamID)
				p.dropStreamState(streamID)
			}
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}
	af := f.(frames.AudioFrame)
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	p.addReplay(streamID, af)
	if v := meta[frames.MetaTraceID]; v != "" {
		p.setTrace(streamID, v)
	}

	// The clock heartbeat always flows so downstream drains keep running
	// even when recognition is unavailable.
	heartbeat := frames.NewSystemFrame(streamID, af.PTS(), "heartbeat", nil)

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID, p.getTrace(streamID))
		p.setBreakerOpen(true, streamID, p.getTrace(streamID))
		p.logger.Warn("recognize circuit open",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonRecognizeCircuitOpen)))
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{heartbeat}, nil
	}
	p.setBreakerOpen(false, streamID, p.getTrace(streamID))

	recognizer, err := p.getOrCreate(streamID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonRecognizeConnect)
		p.logger.Error("recognize session error",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		p.recordRateLimit(err, streamID)
		p.breaker.OnError(err)
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{heartbeat}, nil
	}
	p.setProviderFromSession(recognizer)
	if err := recognizer.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonRecognizeSend)
		p.logger.Warn("recognize send error",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		replayed := false
		retryErr := p.retry.Do(func() error {
			p.CloseStream(streamID)
			recognizer, err = p.getOrCreate(streamID)
			if err != nil {
				return err
			}
			if !replayed {
				p.replayToSession(streamID, recognizer)
				replayed = true
			}
			return recognizer.SendAudio(af)
		})
		if retryErr != nil {
			retryErr = errorsx.Wrap(retryErr, errorsx.ReasonRecognizeRetry)
			p.logger.Error("recognize retry exhausted",
				slog.String("stream_id", streamID),
				slog.String("reason_code", string(errorsx.Reason(retryErr))),
				slog.String("error", retryErr.Error()))
			p.recordRateLimit(retryErr, streamID)
			p.breaker.OnError(retryErr)
			frames.ReleaseAudioFrame(f)
			return []frames.Frame{heartbeat}, nil
		}
	}
	p.breaker.OnSuccess()
	frames.ReleaseAudioFrame(f)

	out := []frames.Frame{heartbeat}
	out = append(out, p.drainResults(recognizer.Results(), streamID)...)
	return out, nil
}

func (p *RecognizeProcessor) getOrCreate(streamID string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if recognizer, ok := p.sessions[streamID]; ok {
		return recognizer, nil
	}
	recognizer := p.factory(streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := recognizer.Start(p.ctx); err != nil {
		return nil, err
	}
	p.sessions[streamID] = recognizer
	return recognizer, nil
}

// CloseStream retires the vendor session but keeps the replay buffer, so a
// reconnect can replay the audio the dead session never heard.
func (p *RecognizeProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if recognizer, ok := p.sessions[streamID]; ok {
		_ = recognizer.Close()
		delete(p.sessions, streamID)
	}
	delete(p.interimLogged, streamID)
}

func (p *RecognizeProcessor) dropStreamState(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.trace, streamID)
	delete(p.replay, streamID)
}

func (p *RecognizeProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, recognizer := range p.sessions {
		_ = recognizer.Close()
		delete(p.sessions, id)
	}
	p.trace = make(map[string]string)
	p.replay = make(map[string]*audioReplayBuffer)
	p.interimLogged = make(map[string]bool)
}

func (p *RecognizeProcessor) drainResults(ch <-chan frames.Frame, streamID string) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Kind() == frames.KindText {
				tf := f.(frames.TextFrame)
				p.mu.Lock()
				forwardInterim := p.forwardInterim
				p.mu.Unlock()
				if tf.Meta()[frames.MetaIsFinal] != "true" {
					p.logInterim(streamID, tf.Text())
					if forwardInterim {
						out = append(out, tf)
					}
					continue
				}
				p.logFinal(streamID, tf.Text())
				p.record("recognize_final", streamID, p.getTrace(streamID))
				out = append(out, tf)
				continue
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

var _ pipeline.FrameProcessor = (*RecognizeProcessor)(nil)

func (p *RecognizeProcessor) record(name, streamID, traceID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "recognize"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: tags,
	})
}

func (p *RecognizeProcessor) addReplay(streamID string, af frames.AudioFrame) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	cfg := p.replayCfg
	buf := p.replay[streamID]
	if cfg.MaxChunks <= 0 {
		p.mu.Unlock()
		return
	}
	if buf == nil {
		buf = newAudioReplayBuffer(cfg.MaxChunks)
		p.replay[streamID] = buf
	}
	p.mu.Unlock()

	chunk := audioChunk{
		data:     append([]byte(nil), af.RawPayload()...),
		rate:     af.Rate(),
		channels: af.Channels(),
	}
	p.mu.Lock()
	buf.Add(chunk)
	p.mu.Unlock()
}

func (p *RecognizeProcessor) replayToSession(streamID string, sess stt.StreamingSTT) {
	if sess == nil || streamID == "" {
		return
	}
	p.mu.Lock()
	buf := p.replay[streamID]
	p.mu.Unlock()
	if buf == nil {
		return
	}
	for _, chunk := range buf.Snapshot() {
		if len(chunk.data) == 0 {
			continue
		}
		af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), chunk.data, chunk.rate, chunk.channels, nil)
		_ = sess.SendAudio(af)
	}
}

func (p *RecognizeProcessor) recordRateLimit(err error, streamID string) {
	if err == nil {
		return
	}
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID, p.getTrace(streamID))
	}
}

func (p *RecognizeProcessor) setProviderFromSession(sess stt.StreamingSTT) {
	if sess == nil || p.provider != "" {
		return
	}
	p.provider = sess.Name()
}

func (p *RecognizeProcessor) setBreakerOpen(open bool, streamID, traceID string) {
	if p.breakerOpen == open {
		return
	}
	p.breakerOpen = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID, traceID)
		return
	}
	p.record(metrics.EventBreakerClose, streamID, traceID)
}

func (p *RecognizeProcessor) setTrace(streamID, traceID string) {
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *RecognizeProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

func (p *RecognizeProcessor) logInterim(streamID, text string) {
	p.mu.Lock()
	if p.interimLogged[streamID] {
		p.mu.Unlock()
		return
	}
	p.interimLogged[streamID] = true
	traceID := p.trace[streamID]
	p.mu.Unlock()
	p.logger.Info("recognize interim",
		slog.String("stream_id", streamID),
		slog.String("trace_id", traceID),
		slog.String("text", clipText(redact.Text(text))))
}

func (p *RecognizeProcessor) logFinal(streamID, text string) {
	p.logger.Info("recognize final",
		slog.String("stream_id", streamID),
		slog.String("trace_id", p.getTrace(streamID)),
		slog.String("text", clipText(redact.Text(text))))
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}
