package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/traduki/pkg/adapters/tts"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/resilience"
)

// pcmFormats maps engine sample rates onto the stream-input output formats.
var pcmFormats = map[int]string{
	16000: "pcm_16000",
	22050: "pcm_22050",
	24000: "pcm_24000",
	44100: "pcm_44100",
}

type Config struct {
	APIKey string
	// VoiceID is the vendor voice identifier. Host voice changes arrive
	// here through the synthesis tuning.
	VoiceID string
	ModelID string
	// OutputFormat overrides the format derived from SampleRate.
	OutputFormat string
	SampleRate   int
	StreamID     string
	TraceID      string
}

// TTS streams translated turns through the ElevenLabs stream-input socket.
// Each SendText is one finalized generation; the server's isFinal marker
// becomes the turn boundary downstream.
type TTS struct {
	cfg     Config
	format  string
	rate    int
	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan ttsMessage
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	logger  *slog.Logger
}

type ttsMessage struct {
	text  string
	flush bool
}

func New(cfg Config) *TTS {
	format, rate := resolveFormat(cfg)
	return &TTS{
		cfg:     cfg,
		format:  format,
		rate:    rate,
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan ttsMessage, 256),
		logger:  logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func resolveFormat(cfg Config) (string, int) {
	if cfg.OutputFormat != "" {
		rate := cfg.SampleRate
		if i := strings.LastIndex(cfg.OutputFormat, "_"); i >= 0 {
			if n, err := strconv.Atoi(cfg.OutputFormat[i+1:]); err == nil {
				rate = n
			}
		}
		return cfg.OutputFormat, rate
	}
	if format, ok := pcmFormats[cfg.SampleRate]; ok {
		return format, cfg.SampleRate
	}
	return "pcm_44100", 44100
}

func (s *TTS) Name() string { return "elevenlabs_tts" }

func (s *TTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Debug("connecting",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("output_format", s.format))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(s.buildURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("rate limit exceeded",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("status", resp.Status))
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return err
	}
	s.conn = conn
	s.logger.Info("connected",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("output_format", s.format))

	_ = s.send(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	})
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *TTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

// SendText queues one turn of translated text. The turn is flushed so the
// server finalizes generation and reports isFinal.
func (s *TTS) SendText(text string) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	select {
	case s.writeCh <- ttsMessage{text: text, flush: true}:
	default:
	}
	return nil
}

// Flush stops the current generation and drops audio already buffered, so
// nothing from the interrupted turn plays after the speaker resumes.
func (s *TTS) Flush() {
	_ = s.send(map[string]any{"text": " ", "flush": true})
drainLoop:
	for {
		select {
		case <-s.out:
		default:
			break drainLoop
		}
	}
	s.logger.Info("output purged", slog.String("stream_id", s.cfg.StreamID))
}

func (s *TTS) Results() <-chan frames.Frame { return s.out }

func (s *TTS) buildURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.format)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

func (s *TTS) writeLoop() {
	// The server closes streams idle for 20 seconds.
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			_ = s.send(payload)
		case <-ticker.C:
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *TTS) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("read loop error",
						slog.String("stream_id", s.cfg.StreamID),
						slog.String("error", err.Error()))
				}
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *TTS) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("undecodable message", slog.String("stream_id", s.cfg.StreamID))
		return
	}

	if final, ok := msg["isFinal"].(bool); ok && final {
		s.emit(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioReady, s.meta(map[string]string{
			frames.MetaReason: "synthesis_complete",
		})))
		return
	}

	audio, ok := msg["audio"].(string)
	if !ok || audio == "" {
		if _, isAlign := msg["alignment"]; !isAlign {
			s.logger.Debug("non-audio message", slog.String("stream_id", s.cfg.StreamID))
		}
		return
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		s.logger.Error("audio decode error",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return
	}

	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.rate, 1, s.meta(map[string]string{
		frames.MetaSource: frames.SourceTranslation,
	}))
	s.emit(f)
}

func (s *TTS) meta(extra map[string]string) map[string]string {
	meta := map[string]string{frames.MetaStreamID: s.cfg.StreamID}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

func (s *TTS) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("output buffer full", slog.String("stream_id", s.cfg.StreamID))
	}
}

func (s *TTS) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*TTS)(nil)
