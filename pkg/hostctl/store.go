package hostctl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/participant"
)

// Store holds the room's current tuning and fans changes out to
// subscribers. Apply is the single write path; Current is safe from any
// goroutine.
type Store struct {
	mu              sync.Mutex
	settings        Settings
	requireHostRole bool
	listeners       []func(context.Context, Settings)

	obs    metrics.Observer
	logger *slog.Logger
}

func NewStore() *Store {
	return &Store{
		settings:        Default(),
		requireHostRole: true,
		logger:          logging.NewComponentLogger(slog.Default(), "hostctl"),
	}
}

func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logging.NewComponentLogger(logger, "hostctl")
	}
}

func (s *Store) SetObserver(obs metrics.Observer) { s.obs = obs }

// SetRequireHostRole controls whether tuning messages must come from a
// participant holding the host role. On by default.
func (s *Store) SetRequireHostRole(require bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireHostRole = require
}

// Seed replaces the starting settings with configured values. It bypasses
// role checks and does not notify subscribers; callers push the initial
// tuning to the session manager themselves.
func (s *Store) Seed(settings Settings) {
	if settings.Sensitivity == "" {
		settings.Sensitivity = SensitivityMedium
	}
	if !ValidVoice(settings.Voice) {
		settings.Voice = DefaultVoice
	}
	if settings.SilenceMs != 0 {
		settings.SilenceMs = clampSilence(settings.SilenceMs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// Subscribe registers fn to run after every applied change. Subscribers are
// invoked outside the store lock, in registration order.
func (s *Store) Subscribe(fn func(context.Context, Settings)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Current returns the room's tuning.
func (s *Store) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Apply validates one host-control message from sender and folds it into
// the room tuning. It returns the resulting settings and whether anything
// changed. Messages from non-hosts are rejected when role enforcement is on.
func (s *Store) Apply(ctx context.Context, sender participant.Participant, msg control.Message) (Settings, bool, error) {
	s.mu.Lock()
	current := s.settings
	if s.requireHostRole && sender.Role != participant.RoleHost {
		s.mu.Unlock()
		err := errorsx.Wrap(fmt.Errorf("participant %s holds role %q, not host", sender.ID, sender.Role), errorsx.ReasonControlForbidden)
		s.logger.Warn("host control rejected",
			slog.String("participant_id", sender.ID),
			slog.String("message_type", msg.MessageType()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		s.record("host_control_rejected", sender.ID, msg.MessageType())
		return current, false, err
	}

	next := current
	switch m := msg.(type) {
	case control.HostVADSetting:
		level, err := NormalizeSensitivity(m.Value)
		if err != nil {
			s.mu.Unlock()
			return current, false, errorsx.Wrap(err, errorsx.ReasonControlInvalid)
		}
		next.Sensitivity = level
	case control.HostVoiceSetting:
		voice := strings.ToLower(strings.TrimSpace(m.Voice))
		if !ValidVoice(voice) {
			s.mu.Unlock()
			return current, false, errorsx.Wrap(fmt.Errorf("unknown voice %q", m.Voice), errorsx.ReasonControlInvalid)
		}
		next.Voice = voice
	case control.HostSilenceDurationSetting:
		next.SilenceMs = clampSilence(m.Duration)
	case control.HostAllowInterruptionsSetting:
		next.AllowInterruptions = m.Allow
	default:
		s.mu.Unlock()
		return current, false, errorsx.Wrap(fmt.Errorf("unsupported host control message %q", msg.MessageType()), errorsx.ReasonControlInvalid)
	}

	changed := next != current
	s.settings = next
	listeners := append(([]func(context.Context, Settings))(nil), s.listeners...)
	s.mu.Unlock()

	if !changed {
		return next, false, nil
	}
	s.logger.Info("host control applied",
		slog.String("participant_id", sender.ID),
		slog.String("message_type", msg.MessageType()),
		slog.String("sensitivity", next.Sensitivity),
		slog.String("voice", next.Voice),
		slog.Int("silence_ms", next.SilenceMs),
		slog.Bool("allow_interruptions", next.AllowInterruptions))
	s.record("host_control_applied", sender.ID, msg.MessageType())
	for _, fn := range listeners {
		fn(ctx, next)
	}
	return next, true, nil
}

func (s *Store) record(name, participantID, messageType string) {
	if s.obs == nil {
		return
	}
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"participant_id": participantID,
			"message_type":   messageType,
		},
	})
}
