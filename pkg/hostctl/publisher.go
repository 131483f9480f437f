package hostctl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/logging"
)

// DataPublisher is the slice of the transport used to send control payloads.
type DataPublisher interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
}

// Publisher is the host-side sender for tuning changes. Input is validated
// before it leaves the client so the agent never sees malformed values from
// our own UI; third-party senders are still validated again on the agent.
type Publisher struct {
	pub    DataPublisher
	logger *slog.Logger
}

func NewPublisher(pub DataPublisher) *Publisher {
	return &Publisher{
		pub:    pub,
		logger: logging.NewComponentLogger(slog.Default(), "hostctl_publisher"),
	}
}

func (p *Publisher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "hostctl_publisher")
	}
}

// SetVADSensitivity publishes a sensitivity change. Value may be a named
// level or a 0-100 slider value; it is sent as given.
func (p *Publisher) SetVADSensitivity(ctx context.Context, value string) error {
	if _, err := NormalizeSensitivity(value); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonControlInvalid)
	}
	return p.send(ctx, control.HostVADSetting{Value: strings.TrimSpace(value)})
}

// SetVoice publishes a synthesized-voice change.
func (p *Publisher) SetVoice(ctx context.Context, voice string) error {
	v := strings.ToLower(strings.TrimSpace(voice))
	if !ValidVoice(v) {
		return errorsx.Wrap(fmt.Errorf("unknown voice %q", voice), errorsx.ReasonControlInvalid)
	}
	return p.send(ctx, control.HostVoiceSetting{Voice: v})
}

// SetSilenceDuration publishes an end-of-turn silence window in milliseconds.
func (p *Publisher) SetSilenceDuration(ctx context.Context, ms int) error {
	if ms < minSilenceMs || ms > maxSilenceMs {
		return errorsx.Wrap(fmt.Errorf("silence duration %dms outside [%d,%d]", ms, minSilenceMs, maxSilenceMs), errorsx.ReasonControlInvalid)
	}
	return p.send(ctx, control.HostSilenceDurationSetting{Duration: ms})
}

// SetAllowInterruptions publishes the barge-in policy.
func (p *Publisher) SetAllowInterruptions(ctx context.Context, allow bool) error {
	return p.send(ctx, control.HostAllowInterruptionsSetting{Allow: allow})
}

func (p *Publisher) send(ctx context.Context, msg control.Message) error {
	payload, err := control.Encode(msg)
	if err != nil {
		return err
	}
	if err := p.pub.PublishData(ctx, control.TopicHostControl, payload); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonControlSend)
	}
	p.logger.Info("host control sent", slog.String("message_type", msg.MessageType()))
	return nil
}
