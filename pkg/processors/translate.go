package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/translate"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/pipeline"
	"github.com/harunnryd/traduki/pkg/redact"
	"github.com/harunnryd/traduki/pkg/resilience"
)

// TranslateProcessor turns final recognition transcripts into target
// language text. Everything else passes through untouched, so recognition
// finals stay visible downstream for transcript pairing.
type TranslateProcessor struct {
	translator     translate.Translator
	targetLanguage string
	sourceLanguage string

	mu      sync.Mutex
	ctx     context.Context
	obs     metrics.Observer
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	open    bool
	timeout time.Duration
	logger  *slog.Logger
}

func NewTranslateProcessor(translator translate.Translator, sourceLanguage, targetLanguage string) *TranslateProcessor {
	return &TranslateProcessor{
		translator:     translator,
		targetLanguage: targetLanguage,
		sourceLanguage: sourceLanguage,
		retry:          resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:        resilience.NewCircuitBreaker(3, 30*time.Second),
		timeout:        15 * time.Second,
		logger:         logging.NewComponentLogger(slog.Default(), "translate_processor"),
	}
}

func (p *TranslateProcessor) Name() string { return "translate_processor" }

func (p *TranslateProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TranslateProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *TranslateProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "translate_processor")
	}
}

func (p *TranslateProcessor) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

func (p *TranslateProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if meta[frames.MetaSource] != frames.SourceRecognition || meta[frames.MetaIsFinal] != "true" {
		return []frames.Frame{f}, nil
	}
	streamID := meta[frames.MetaStreamID]
	traceID := meta[frames.MetaTraceID]
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return []frames.Frame{f}, nil
	}

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID, traceID)
		p.setBreakerOpen(true, streamID, traceID)
		p.logger.Warn("translate circuit open",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonTranslateCircuitOpen)))
		return []frames.Frame{f}, nil
	}
	p.setBreakerOpen(false, streamID, traceID)

	req := translate.Request{
		Text:           text,
		SourceLanguage: p.sourceLanguage,
		TargetLanguage: p.targetLanguage,
		TraceID:        traceID,
	}

	var translated string
	err := p.retry.Do(func() error {
		ctx := p.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		var callErr error
		translated, callErr = p.translator.Translate(callCtx, req)
		return callErr
	})
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTranslateRetry)
		p.logger.Error("translate failed",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		p.recordRateLimit(err, streamID, traceID)
		p.breaker.OnError(err)
		return []frames.Frame{f}, nil
	}
	p.breaker.OnSuccess()

	if strings.TrimSpace(translated) == "" {
		// Already the target language; a translator stays silent.
		p.record("translate_skipped", streamID, traceID)
		p.logger.Debug("translate skipped, language match",
			slog.String("stream_id", streamID),
			slog.String("target_language", p.targetLanguage))
		return []frames.Frame{f}, nil
	}

	p.record("translate_final", streamID, traceID)
	p.logger.Info("translate final",
		slog.String("stream_id", streamID),
		slog.String("trace_id", traceID),
		slog.String("text", clipText(redact.Text(translated))))

	outMeta := map[string]string{
		frames.MetaStreamID:       streamID,
		frames.MetaSource:         frames.SourceTranslation,
		frames.MetaIsFinal:        "true",
		frames.MetaTargetLanguage: p.targetLanguage,
	}
	if traceID != "" {
		outMeta[frames.MetaTraceID] = traceID
	}
	tr := frames.NewTextFrame(streamID, time.Now().UnixNano(), translated, outMeta)
	return []frames.Frame{f, tr}, nil
}

var _ pipeline.FrameProcessor = (*TranslateProcessor)(nil)

func (p *TranslateProcessor) record(name, streamID, traceID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "translate"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.translator != nil {
		tags["provider"] = p.translator.Name()
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: tags,
	})
}

func (p *TranslateProcessor) recordRateLimit(err error, streamID, traceID string) {
	if err == nil {
		return
	}
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID, traceID)
	}
}

func (p *TranslateProcessor) setBreakerOpen(open bool, streamID, traceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open == open {
		return
	}
	p.open = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID, traceID)
		return
	}
	p.record(metrics.EventBreakerClose, streamID, traceID)
}
