// Package openairt drives speech translation over the OpenAI Realtime API:
// one websocket per session, PCM16 both ways, server-side turn detection.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/traduki/pkg/engine"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/resilience"
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-realtime-preview-2024-10-01"
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// OutBuffer and SendBuffer size the session channels.
	OutBuffer  int
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.OutBuffer <= 0 {
		c.OutBuffer = 256
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "openairt"),
	}
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logging.NewComponentLogger(logger, "openairt")
	}
}

func (e *Engine) Name() string { return "openai_realtime" }

func (e *Engine) Open(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	if e.cfg.APIKey == "" {
		return nil, errorsx.Wrap(errors.New("missing openai api key"), errorsx.ReasonEngineConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	u := e.cfg.BaseURL + "?" + url.Values{"model": []string{e.cfg.Model}}.Encode()
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, u, http.Header{
		"Authorization": []string{"Bearer " + e.cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			e.logger.Error("realtime rate limit on connect",
				slog.String("session_key", cfg.Key),
				slog.String("status", resp.Status))
			return nil, resilience.RateLimitError{Provider: "openai_realtime", Message: resp.Status}
		}
		e.logger.Error("realtime connect failed",
			slog.String("session_key", cfg.Key),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &rtSession{
		cfg:     cfg,
		conn:    conn,
		out:     make(chan frames.Frame, e.cfg.OutBuffer),
		writeCh: make(chan []byte, e.cfg.SendBuffer),
		ctx:     sctx,
		cancel:  cancel,
		logger:  e.logger,
	}
	s.allowInterruptions.Store(cfg.Tuning.AllowInterruptions)

	if err := s.writeNow(sessionUpdatePayload(cfg, cfg.Tuning)); err != nil {
		cancel()
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}

	go s.readLoop()
	go s.writeLoop()

	e.logger.Info("realtime session opened",
		slog.String("session_key", cfg.Key),
		slog.String("model", e.cfg.Model),
		slog.String("target_language", cfg.TargetLanguage),
		slog.String("voice", cfg.Tuning.Voice))
	return s, nil
}

type rtSession struct {
	cfg  engine.SessionConfig
	conn *websocket.Conn

	out     chan frames.Frame
	writeCh chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	responseActive     atomic.Bool
	allowInterruptions atomic.Bool
	closeOnce          sync.Once

	logger *slog.Logger
}

func (s *rtSession) SendAudio(f frames.AudioFrame) error {
	select {
	case <-s.ctx.Done():
		return errorsx.Wrap(engine.ErrSessionClosed, errorsx.ReasonEngineSend)
	default:
	}
	// Encode before queueing: the caller releases the frame's buffer after
	// SendAudio returns.
	payload, err := json.Marshal(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(f.RawPayload()),
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEngineSend)
	}
	select {
	case s.writeCh <- payload:
		return nil
	default:
		s.logger.Warn("realtime send buffer full, dropping audio",
			slog.String("session_key", s.cfg.Key))
		return nil
	}
}

func (s *rtSession) Output() <-chan frames.Frame { return s.out }

func (s *rtSession) UpdateTuning(t engine.Tuning) error {
	s.allowInterruptions.Store(t.AllowInterruptions)
	payload, err := json.Marshal(sessionUpdatePayload(s.cfg, t))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEngineSend)
	}
	select {
	case s.writeCh <- payload:
	case <-s.ctx.Done():
		return errorsx.Wrap(engine.ErrSessionClosed, errorsx.ReasonEngineSend)
	}
	s.logger.Info("realtime tuning queued",
		slog.String("session_key", s.cfg.Key),
		slog.Float64("vad_threshold", t.VADThreshold),
		slog.Int("silence_ms", t.SilenceDurationMs),
		slog.String("voice", t.Voice))
	return nil
}

func (s *rtSession) Flush() error {
	payload, _ := json.Marshal(map[string]any{"type": "input_audio_buffer.commit"})
	select {
	case s.writeCh <- payload:
		return nil
	case <-s.ctx.Done():
		return errorsx.Wrap(engine.ErrSessionClosed, errorsx.ReasonEngineSend)
	}
}

func (s *rtSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *rtSession) writeLoop() {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.writeCh:
			if err := s.write(payload); err != nil {
				s.logger.Warn("realtime write failed",
					slog.String("session_key", s.cfg.Key),
					slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
		}
	}
}

func (s *rtSession) write(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *rtSession) writeNow(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(payload)
}

func (s *rtSession) readLoop() {
	defer close(s.out)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("realtime read failed",
					slog.String("session_key", s.cfg.Key),
					slog.String("reason_code", string(errorsx.ReasonEngineStream)),
					slog.String("error", err.Error()))
			}
			return
		}
		s.handleEvent(data)
	}
}

// rtEvent is the shared shape of Realtime API server events. Only the
// fields this session reads are declared.
type rtEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *rtSession) handleEvent(data []byte) {
	var ev rtEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("realtime event unparsable",
			slog.String("session_key", s.cfg.Key),
			slog.String("error", err.Error()))
		return
	}

	switch ev.Type {
	case "response.created":
		s.responseActive.Store(true)

	case "input_audio_buffer.speech_started":
		// Barge-in: a speaker started while we are still rendering. Cancel
		// the in-flight response unless the host disabled interruptions.
		if s.responseActive.Load() && s.allowInterruptions.Load() {
			payload, _ := json.Marshal(map[string]any{"type": "response.cancel"})
			select {
			case s.writeCh <- payload:
			default:
			}
		}

	case "response.audio.delta":
		raw, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.logger.Warn("realtime audio decode failed",
				slog.String("session_key", s.cfg.Key),
				slog.String("error", err.Error()))
			return
		}
		f := frames.NewAudioFrame(s.cfg.Key, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, s.frameMeta(frames.SourceTranslation, false))
		s.emit(f)

	case "response.audio_transcript.delta":
		if ev.Delta == "" {
			return
		}
		s.emit(frames.NewTextFrame(s.cfg.Key, time.Now().UnixNano(), ev.Delta, s.frameMeta(frames.SourceTranslation, false)))

	case "response.audio_transcript.done":
		s.emit(frames.NewTextFrame(s.cfg.Key, time.Now().UnixNano(), ev.Transcript, s.frameMeta(frames.SourceTranslation, true)))

	case "conversation.item.input_audio_transcription.completed":
		if strings.TrimSpace(ev.Transcript) == "" {
			return
		}
		s.emit(frames.NewTextFrame(s.cfg.Key, time.Now().UnixNano(), ev.Transcript, s.frameMeta(frames.SourceRecognition, true)))

	case "response.done":
		s.responseActive.Store(false)
		s.emit(frames.NewControlFrame(s.cfg.Key, time.Now().UnixNano(), frames.ControlTurnComplete, s.frameMeta("", false)))

	case "error":
		s.logger.Warn("realtime server error",
			slog.String("session_key", s.cfg.Key),
			slog.String("reason_code", string(errorsx.ReasonEngineStream)),
			slog.String("error_type", ev.Error.Type),
			slog.String("error_code", ev.Error.Code),
			slog.String("error_message", ev.Error.Message))
	}
}

func (s *rtSession) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("realtime output buffer full, dropping frame",
			slog.String("session_key", s.cfg.Key),
			slog.String("kind", string(f.Kind())))
	}
}

func (s *rtSession) frameMeta(source string, final bool) map[string]string {
	meta := map[string]string{
		frames.MetaSessionKey:     s.cfg.Key,
		frames.MetaTargetLanguage: s.cfg.TargetLanguage,
		frames.MetaTrackName:      s.cfg.TrackName,
	}
	if source != "" {
		meta[frames.MetaSource] = source
	}
	if s.cfg.SpeakerID != "" {
		meta[frames.MetaSpeakerID] = s.cfg.SpeakerID
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	return meta
}

func sessionUpdatePayload(cfg engine.SessionConfig, t engine.Tuning) map[string]any {
	threshold := t.VADThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	silence := t.SilenceDurationMs
	if silence <= 0 {
		silence = 500
	}
	prefix := t.PrefixPaddingMs
	if prefix <= 0 {
		prefix = 300
	}
	voice := t.Voice
	if voice == "" {
		voice = "alloy"
	}
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":         []string{"text", "audio"},
			"instructions":       instructions(cfg),
			"voice":              voice,
			"input_audio_format": "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           threshold,
				"prefix_padding_ms":   prefix,
				"silence_duration_ms": silence,
			},
			"temperature":                0.8,
			"max_response_output_tokens": 4096,
		},
	}
}

// instructions pins the model to pure interpretation. The hard silence
// rules matter: without them the model narrates its own behavior whenever a
// speaker already talks the target language.
func instructions(cfg engine.SessionConfig) string {
	target := languageName(cfg.TargetLanguage)
	var b strings.Builder
	b.WriteString("You are a real-time translator. Your ONLY job is to translate speech into ")
	b.WriteString(target)
	b.WriteString(". Automatically detect the actual spoken language from the audio stream. ")
	b.WriteString("If the detected spoken language is already ")
	b.WriteString(target)
	b.WriteString(", produce ABSOLUTELY NOTHING: no audio, no text, no acknowledgments, no explanations. ")
	b.WriteString("Never translate a language to itself, and never say phrases like 'thank you', 'not translating', 'I understand', or 'I'll stay silent'. ")
	b.WriteString("Only output a translation when the spoken language differs from ")
	b.WriteString(target)
	b.WriteString(". Translate accurately and naturally. Never add meta-commentary, never describe your state or decisions. ")
	b.WriteString("If you have nothing to translate, produce nothing.")
	return b.String()
}

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"pl": "Polish",
	"tr": "Turkish",
	"ru": "Russian",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"hi": "Hindi",
	"ar": "Arabic",
}

// languageName renders a BCP 47 style code as the name the model prompt
// uses. Unknown codes pass through unchanged; the model copes with codes.
func languageName(code string) string {
	lc := strings.ToLower(strings.TrimSpace(code))
	if name, ok := languageNames[lc]; ok {
		return name
	}
	if base, _, found := strings.Cut(lc, "-"); found {
		if name, ok := languageNames[base]; ok {
			return name + " (" + strings.ToUpper(code[len(base)+1:]) + ")"
		}
	}
	return code
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Session = (*rtSession)(nil)
)
