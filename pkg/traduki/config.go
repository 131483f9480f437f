// Package traduki assembles the library packages into two ready-made
// processes: the translator agent that lives inside a conference room, and
// the client helper a conferencing app embeds to consume translations.
package traduki

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/hostctl"
)

type Config struct {
	Agent         AgentConfig         `mapstructure:"agent"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Engine        VendorConfig        `mapstructure:"engine"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Tuning        TuningConfig        `mapstructure:"tuning"`
	Control       ControlConfig       `mapstructure:"control"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	LogLevel      string              `mapstructure:"log_level"`
}

// AgentConfig identifies the translator agent inside the room.
type AgentConfig struct {
	Identity       string `mapstructure:"identity"`
	Name           string `mapstructure:"name"`
	Room           string `mapstructure:"room"`
	SampleRate     int    `mapstructure:"sample_rate"`
	DrainTimeoutMS int    `mapstructure:"drain_timeout_ms"`
}

// TransportConfig selects and parameterizes the room transport.
type TransportConfig struct {
	Provider      string `mapstructure:"provider"`
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	EventBuffer   int    `mapstructure:"event_buffer"`
	SendBuffer    int    `mapstructure:"send_buffer"`
	BackoffMinMS  int    `mapstructure:"backoff_min_ms"`
	BackoffMaxMS  int    `mapstructure:"backoff_max_ms"`
	DialTimeoutMS int    `mapstructure:"dial_timeout_ms"`
}

// VendorConfig names one provider and its provider-specific settings.
// Settings are decoded weakly per provider; unknown keys are ignored.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// VendorsConfig holds the cascade engine's stage providers. The realtime
// engine ignores this section.
type VendorsConfig struct {
	STT       VendorConfig `mapstructure:"stt"`
	Translate VendorConfig `mapstructure:"translate"`
	TTS       VendorConfig `mapstructure:"tts"`
}

// TuningConfig seeds the room tuning before any host message arrives.
type TuningConfig struct {
	Sensitivity        string `mapstructure:"sensitivity"`
	Voice              string `mapstructure:"voice"`
	SilenceMS          int    `mapstructure:"silence_ms"`
	AllowInterruptions bool   `mapstructure:"allow_interruptions"`
}

type ControlConfig struct {
	RequireHostRole bool `mapstructure:"require_host_role"`
	QueueSize       int  `mapstructure:"queue_size"`
}

type MetricsConfig struct {
	Buffer     int     `mapstructure:"buffer"`
	SampleRate float64 `mapstructure:"sample_rate"`
	JSONLPath  string  `mapstructure:"jsonl_path"`
	// PrometheusListen enables the /metrics endpoint when non-empty.
	PrometheusListen string `mapstructure:"prometheus_listen"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("agent.identity", "translator-agent")
	v.SetDefault("agent.name", "Translator")
	v.SetDefault("agent.sample_rate", 24000)
	v.SetDefault("agent.drain_timeout_ms", 5000)
	v.SetDefault("transport.provider", "sfuws")
	v.SetDefault("transport.event_buffer", 512)
	v.SetDefault("transport.send_buffer", 512)
	v.SetDefault("transport.backoff_min_ms", 500)
	v.SetDefault("transport.backoff_max_ms", 15000)
	v.SetDefault("transport.dial_timeout_ms", 10000)
	v.SetDefault("engine.provider", "openai_realtime")
	v.SetDefault("tuning.sensitivity", hostctl.SensitivityMedium)
	v.SetDefault("tuning.voice", hostctl.DefaultVoice)
	v.SetDefault("tuning.silence_ms", 0)
	v.SetDefault("tuning.allow_interruptions", true)
	v.SetDefault("control.require_host_role", true)
	v.SetDefault("control.queue_size", 64)
	v.SetDefault("metrics.buffer", 2048)
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.prometheus_listen", "")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfigLoad)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal config: %w", err), errorsx.ReasonConfigLoad)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, errorsx.Wrap(err, errorsx.ReasonConfigLoad)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	if strings.TrimSpace(c.Engine.Provider) == "" {
		return fmt.Errorf("engine.provider is required")
	}
	if strings.EqualFold(strings.TrimSpace(c.Transport.Provider), "sfuws") {
		if strings.TrimSpace(c.Transport.URL) == "" {
			return fmt.Errorf("transport.url is required for the sfuws transport")
		}
		if strings.TrimSpace(c.Agent.Room) == "" {
			return fmt.Errorf("agent.room is required for the sfuws transport")
		}
	}
	if c.Metrics.SampleRate < 0 || c.Metrics.SampleRate > 1 {
		return fmt.Errorf("metrics.sample_rate must be within [0,1]")
	}
	return nil
}

// TuningSettings resolves the configured tuning section into the hostctl
// settings the room starts with.
func (c Config) TuningSettings() hostctl.Settings {
	return hostctl.Settings{
		Sensitivity:        strings.ToLower(strings.TrimSpace(c.Tuning.Sensitivity)),
		Voice:              c.Tuning.Voice,
		SilenceMs:          c.Tuning.SilenceMS,
		AllowInterruptions: c.Tuning.AllowInterruptions,
	}
}

// DrainTimeout returns the configured session drain window.
func (c Config) DrainTimeout() time.Duration {
	if c.Agent.DrainTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Agent.DrainTimeoutMS) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Engine.Settings = expandSettings(cfg.Engine.Settings)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.Translate.Settings = expandSettings(cfg.Vendors.Translate.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
