package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/transports"
	"github.com/harunnryd/traduki/pkg/transports/sfuws"
	"github.com/spf13/viper"
)

type gatewayConfig struct {
	Agent struct {
		Identity string `mapstructure:"identity"`
		Room     string `mapstructure:"room"`
	} `mapstructure:"agent"`
	Transport struct {
		URL   string `mapstructure:"url"`
		Token string `mapstructure:"token"`
	} `mapstructure:"transport"`
}

func main() {
	configPath := flag.String("config", "config.local.yaml", "")
	room := flag.String("room", "", "")
	name := flag.String("name", "operator", "")
	role := flag.String("role", "host", "")
	language := flag.String("language", "", "")
	enabled := flag.Bool("enabled", true, "")
	vad := flag.String("vad", "", "")
	voice := flag.String("voice", "", "")
	silence := flag.Int("silence", 0, "")
	interruptions := flag.String("interruptions", "", "")
	flag.Parse()

	msg, topic, err := buildMessage(*name, *language, *enabled, *vad, *voice, *silence, *interruptions)
	if err != nil {
		fmt.Println(err)
		fmt.Println("usage: send_control -language=es [-enabled=false] | -vad=high | -voice=nova | -silence=800 | -interruptions=false [-config=...] [-room=...] [-name=...] [-role=...]")
		os.Exit(1)
	}

	cfg, err := loadGatewayConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if cfg.Transport.URL == "" {
		fmt.Println("transport.url is empty")
		os.Exit(1)
	}
	targetRoom := *room
	if targetRoom == "" {
		targetRoom = cfg.Agent.Room
	}
	if targetRoom == "" {
		fmt.Println("room is empty; pass -room or set agent.room")
		os.Exit(1)
	}

	payload, err := control.Encode(msg)
	if err != nil {
		fmt.Println("encode error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tr := sfuws.New(sfuws.Config{
		URL:      cfg.Transport.URL,
		Token:    cfg.Transport.Token,
		Room:     targetRoom,
		Identity: *name,
		Name:     *name,
		Role:     *role,
	}, nil)
	if err := tr.Start(ctx); err != nil {
		fmt.Println("connect error:", err)
		os.Exit(1)
	}
	if err := waitConnected(ctx, tr); err != nil {
		fmt.Println("connect error:", err)
		os.Exit(1)
	}
	if err := tr.PublishData(ctx, topic, payload); err != nil {
		fmt.Println("send error:", err)
		os.Exit(1)
	}
	// The writer goroutine flushes asynchronously.
	time.Sleep(200 * time.Millisecond)
	if err := tr.Stop(); err != nil {
		fmt.Println("close error:", err)
		os.Exit(1)
	}
	fmt.Println("sent:", topic, string(payload))
}

func buildMessage(name, language string, enabled bool, vad, voice string, silence int, interruptions string) (control.Message, string, error) {
	set := 0
	for _, on := range []bool{language != "", vad != "", voice != "", silence > 0, interruptions != ""} {
		if on {
			set++
		}
	}
	if set != 1 {
		return nil, "", fmt.Errorf("pass exactly one of -language, -vad, -voice, -silence, -interruptions")
	}
	switch {
	case language != "":
		return control.LanguageUpdate{
			ParticipantName: name,
			Language:        strings.ToLower(language),
			Enabled:         enabled,
		}, control.TopicLanguagePreference, nil
	case vad != "":
		return control.HostVADSetting{Value: strings.ToLower(vad)}, control.TopicHostControl, nil
	case voice != "":
		return control.HostVoiceSetting{Voice: strings.ToLower(voice)}, control.TopicHostControl, nil
	case silence > 0:
		return control.HostSilenceDurationSetting{Duration: silence}, control.TopicHostControl, nil
	default:
		allow, err := strconv.ParseBool(interruptions)
		if err != nil {
			return nil, "", fmt.Errorf("bad -interruptions value: %s", interruptions)
		}
		return control.HostAllowInterruptionsSetting{Allow: allow}, control.TopicHostControl, nil
	}
}

func waitConnected(ctx context.Context, tr *sfuws.Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-tr.Events():
			if !ok {
				return fmt.Errorf("transport closed before connecting")
			}
			if ev.Kind == transports.EventConnected {
				return nil
			}
		}
	}
}

func loadGatewayConfig(path string) (gatewayConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return gatewayConfig{}, err
	}
	var cfg gatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return gatewayConfig{}, err
	}
	return cfg, nil
}
