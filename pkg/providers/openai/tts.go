package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/tts"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/resilience"
)

// speechSampleRate is what the speech endpoint produces for pcm output.
const speechSampleRate = 24000

const speechChunkBytes = 4096

// TTS synthesizes translated turns through the speech endpoint. Each
// SendText is one HTTP request whose pcm body streams out as audio frames.
type TTS struct {
	cfg     tts.Config
	apiKey  string
	model   string
	baseURL string
	client  *http.Client

	out   chan frames.Frame
	queue chan string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	curCancel context.CancelFunc

	logger *slog.Logger
}

func NewTTS(apiKey, model string, cfg tts.Config) *TTS {
	if model == "" {
		model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	return &TTS{
		cfg:     cfg,
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com/v1",
		client:  &http.Client{Timeout: 120 * time.Second},
		out:     make(chan frames.Frame, 256),
		queue:   make(chan string, 16),
		logger:  logging.NewComponentLogger(slog.Default(), "openai_tts"),
	}
}

func (t *TTS) Name() string { return "openai_speech" }

func (t *TTS) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	if t.cfg.SampleRate != 0 && t.cfg.SampleRate != speechSampleRate {
		t.logger.Warn("speech endpoint emits fixed-rate pcm",
			slog.Int("requested", t.cfg.SampleRate),
			slog.Int("actual", speechSampleRate),
			slog.String("stream_id", t.cfg.StreamID))
	}
	go t.worker()
	return nil
}

func (t *TTS) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *TTS) SendText(text string) error {
	if t.ctx == nil {
		return errors.New("not started")
	}
	select {
	case t.queue <- text:
		return nil
	case <-t.ctx.Done():
		return errors.New("closed")
	}
}

// Flush drops queued turns and cancels the in-flight synthesis.
func (t *TTS) Flush() {
	for {
		select {
		case <-t.queue:
		default:
			goto drained
		}
	}
drained:
	t.mu.Lock()
	if t.curCancel != nil {
		t.curCancel()
	}
	t.mu.Unlock()
}

func (t *TTS) Results() <-chan frames.Frame { return t.out }

func (t *TTS) worker() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case text := <-t.queue:
			t.synthesize(text)
		}
	}
}

func (t *TTS) synthesize(text string) {
	reqCtx, cancel := context.WithCancel(t.ctx)
	t.mu.Lock()
	t.curCancel = cancel
	t.mu.Unlock()
	defer func() {
		cancel()
		t.mu.Lock()
		t.curCancel = nil
		t.mu.Unlock()
	}()

	err := t.request(reqCtx, text)
	reason := "synthesis_complete"
	if err != nil {
		if reqCtx.Err() != nil {
			reason = "synthesis_cancelled"
		} else {
			reason = "synthesis_failed"
			t.logger.Error("speech synthesis failed",
				slog.String("stream_id", t.cfg.StreamID),
				slog.String("error", err.Error()))
		}
	}

	// Always close the turn so downstream drains do not hang on a failed
	// or cancelled synthesis.
	meta := map[string]string{
		frames.MetaStreamID: t.cfg.StreamID,
		frames.MetaReason:   reason,
	}
	if t.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = t.cfg.TraceID
	}
	t.emit(frames.NewControlFrame(t.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioReady, meta))
}

func (t *TTS) request(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]any{
		"model":           t.model,
		"input":           text,
		"voice":           t.cfg.Voice,
		"response_format": "pcm",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/speech", bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return resilience.RateLimitError{Provider: "openai", Message: string(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errors.New(string(body))
	}

	buf := make([]byte, speechChunkBytes)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			meta := map[string]string{
				frames.MetaStreamID: t.cfg.StreamID,
				frames.MetaSource:   frames.SourceTranslation,
			}
			if t.cfg.TraceID != "" {
				meta[frames.MetaTraceID] = t.cfg.TraceID
			}
			f := frames.NewAudioFrameFromPool(t.cfg.StreamID, time.Now().UnixNano(), buf[:n], speechSampleRate, 1, meta)
			t.emit(f)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (t *TTS) emit(f frames.Frame) {
	select {
	case t.out <- f:
	case <-t.ctx.Done():
		frames.ReleaseAudioFrame(f)
	}
}

var _ tts.StreamingTTS = (*TTS)(nil)
