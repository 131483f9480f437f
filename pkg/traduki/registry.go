package traduki

import (
	"fmt"
	"strings"

	"github.com/harunnryd/traduki/pkg/adapters/stt"
	"github.com/harunnryd/traduki/pkg/adapters/translate"
	"github.com/harunnryd/traduki/pkg/adapters/tts"
	"github.com/harunnryd/traduki/pkg/configutil"
	"github.com/harunnryd/traduki/pkg/engine"
	"github.com/harunnryd/traduki/pkg/providers/cascade"
	"github.com/harunnryd/traduki/pkg/providers/deepgram"
	"github.com/harunnryd/traduki/pkg/providers/elevenlabs"
	mockprov "github.com/harunnryd/traduki/pkg/providers/mock"
	"github.com/harunnryd/traduki/pkg/providers/openai"
	"github.com/harunnryd/traduki/pkg/providers/openairt"
)

// EngineFactory builds a translation engine from the loaded configuration.
type EngineFactory func(cfg Config) (engine.Engine, error)

// EngineRegistry maps provider names to engine factories. Embedders register
// their own engines here before building an Agent.
type EngineRegistry struct {
	factories map[string]EngineFactory
}

func NewEngineRegistry() *EngineRegistry {
	return &EngineRegistry{factories: make(map[string]EngineFactory)}
}

// DefaultEngineRegistry returns a registry with the built-in providers:
// openai_realtime, cascade, and mock.
func DefaultEngineRegistry() *EngineRegistry {
	r := NewEngineRegistry()
	r.Register("openai_realtime", buildOpenAIRealtime)
	r.Register("cascade", buildCascade)
	r.Register("mock", buildMockEngine)
	return r
}

func (r *EngineRegistry) Register(name string, factory EngineFactory) {
	r.factories[normalizeProvider(name)] = factory
}

func (r *EngineRegistry) Build(name string, cfg Config) (engine.Engine, error) {
	factory := r.factories[normalizeProvider(name)]
	if factory == nil {
		return nil, fmt.Errorf("engine provider not registered: %s", name)
	}
	return factory(cfg)
}

func normalizeProvider(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

func buildOpenAIRealtime(cfg Config) (engine.Engine, error) {
	var settings struct {
		APIKey     string `mapstructure:"api_key"`
		Model      string `mapstructure:"model"`
		BaseURL    string `mapstructure:"base_url"`
		OutBuffer  int    `mapstructure:"out_buffer"`
		SendBuffer int    `mapstructure:"send_buffer"`
	}
	if err := configutil.DecodeSettings(cfg.Engine.Settings, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "engine.settings.api_key"); err != nil {
		return nil, err
	}
	return openairt.NewEngine(openairt.Config{
		APIKey:     settings.APIKey,
		Model:      settings.Model,
		BaseURL:    settings.BaseURL,
		OutBuffer:  settings.OutBuffer,
		SendBuffer: settings.SendBuffer,
	}), nil
}

func buildCascade(cfg Config) (engine.Engine, error) {
	recognizer, err := buildRecognizer(cfg.Vendors.STT)
	if err != nil {
		return nil, err
	}
	translator, err := buildTranslator(cfg.Vendors.Translate)
	if err != nil {
		return nil, err
	}
	synthesizer, err := buildSynthesizer(cfg.Vendors.TTS)
	if err != nil {
		return nil, err
	}
	var settings struct {
		ReplayChunks int               `mapstructure:"replay_chunks"`
		Glossary     map[string]string `mapstructure:"glossary"`
	}
	if err := configutil.DecodeSettings(cfg.Engine.Settings, &settings); err != nil {
		return nil, err
	}
	return cascade.NewEngine(cascade.Config{
		Recognizer:   recognizer,
		Translator:   translator,
		Synthesizer:  synthesizer,
		Glossary:     settings.Glossary,
		ReplayChunks: settings.ReplayChunks,
	}), nil
}

func buildMockEngine(cfg Config) (engine.Engine, error) {
	var settings struct {
		Transcript    string `mapstructure:"transcript"`
		FramesPerTurn int    `mapstructure:"frames_per_turn"`
	}
	if err := configutil.DecodeSettings(cfg.Engine.Settings, &settings); err != nil {
		return nil, err
	}
	return mockprov.NewEngine(mockprov.EngineConfig{
		Transcript:    settings.Transcript,
		FramesPerTurn: settings.FramesPerTurn,
	}), nil
}

func buildRecognizer(v VendorConfig) (func(stt.Config) stt.StreamingSTT, error) {
	switch normalizeProvider(v.Provider) {
	case "deepgram":
		var settings struct {
			APIKey          string `mapstructure:"api_key"`
			Model           string `mapstructure:"model"`
			Interim         *bool  `mapstructure:"interim"`
			UtteranceEndMS  int    `mapstructure:"utterance_end_ms"`
			DisableVADEvent bool   `mapstructure:"disable_vad_events"`
		}
		if err := configutil.DecodeSettings(v.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return func(c stt.Config) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:     settings.APIKey,
				Model:      settings.Model,
				Language:   c.Language,
				SampleRate: c.SampleRate,
				Interim:    configutil.BoolValue(settings.Interim, true),
				VADEvents:  !settings.DisableVADEvent,
				StreamID:   c.StreamID,
				TraceID:    c.TraceID,
				Params:     deepgram.Params{UtteranceEndMS: settings.UtteranceEndMS},
			})
		}, nil
	case "mock":
		var settings struct {
			Transcript string `mapstructure:"transcript"`
		}
		if err := configutil.DecodeSettings(v.Settings, &settings); err != nil {
			return nil, err
		}
		return func(c stt.Config) stt.StreamingSTT {
			return mockprov.NewSTT(mockprov.STTConfig{
				StreamID:         c.StreamID,
				TraceID:          c.TraceID,
				Transcript:       settings.Transcript,
				EmitUtteranceEnd: true,
			})
		}, nil
	default:
		return nil, fmt.Errorf("stt provider not registered: %s", v.Provider)
	}
}

func buildTranslator(v VendorConfig) (translate.Translator, error) {
	switch normalizeProvider(v.Provider) {
	case "openai":
		var settings struct {
			APIKey string `mapstructure:"api_key"`
			Model  string `mapstructure:"model"`
		}
		if err := configutil.DecodeSettings(v.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.translate.settings.api_key"); err != nil {
			return nil, err
		}
		return openai.NewTranslator(settings.APIKey, settings.Model), nil
	case "mock":
		var settings struct {
			Prefix string `mapstructure:"prefix"`
		}
		if err := configutil.DecodeSettings(v.Settings, &settings); err != nil {
			return nil, err
		}
		return mockprov.NewTranslator(mockprov.TranslatorConfig{Prefix: settings.Prefix}), nil
	default:
		return nil, fmt.Errorf("translate provider not registered: %s", v.Provider)
	}
}

func buildSynthesizer(v VendorConfig) (func(tts.Config) tts.StreamingTTS, error) {
	switch normalizeProvider(v.Provider) {
	case "openai":
		var settings struct {
			APIKey string `mapstructure:"api_key"`
			Model  string `mapstructure:"model"`
		}
		if err := configutil.DecodeSettings(v.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		return func(c tts.Config) tts.StreamingTTS {
			return openai.NewTTS(settings.APIKey, settings.Model, c)
		}, nil
	case "elevenlabs":
		var settings struct {
			APIKey       string `mapstructure:"api_key"`
			VoiceID      string `mapstructure:"voice_id"`
			ModelID      string `mapstructure:"model_id"`
			OutputFormat string `mapstructure:"output_format"`
		}
		if err := configutil.DecodeSettings(v.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		return func(c tts.Config) tts.StreamingTTS {
			voice := c.Voice
			if voice == "" {
				voice = settings.VoiceID
			}
			return elevenlabs.New(elevenlabs.Config{
				APIKey:       settings.APIKey,
				VoiceID:      voice,
				ModelID:      settings.ModelID,
				OutputFormat: settings.OutputFormat,
				SampleRate:   c.SampleRate,
				StreamID:     c.StreamID,
				TraceID:      c.TraceID,
			})
		}, nil
	case "mock":
		return func(c tts.Config) tts.StreamingTTS {
			return mockprov.NewTTS(mockprov.TTSConfig{
				StreamID:   c.StreamID,
				TraceID:    c.TraceID,
				SampleRate: c.SampleRate,
				Channels:   c.Channels,
				Voice:      c.Voice,
			})
		}, nil
	default:
		return nil, fmt.Errorf("tts provider not registered: %s", v.Provider)
	}
}
