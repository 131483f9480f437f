// Package prefs keeps the local participant's translation preference and
// mirrors every change to the room over the language_preference topic.
package prefs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/errorsx"
)

// Publisher sends an encoded control payload on a data-channel topic.
type Publisher interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
}

// Preference is the participant's current listening choice.
type Preference struct {
	Language string
	Enabled  bool
}

// Store records the preference locally and broadcasts it on every Set call,
// even when the values did not change. Disabled preferences are sent too so
// the agent can tear down sessions that lost their last listener. Sends
// attempted while the channel is down are dropped rather than queued; the
// full preference is replayed on reconnect.
type Store struct {
	participant string
	publisher   Publisher
	logger      *slog.Logger

	mu        sync.Mutex
	connected bool
	pref      Preference
	set       bool
}

// NewStore builds a Store for the named local participant.
func NewStore(participantName string, publisher Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		participant: participantName,
		publisher:   publisher,
		logger:      logger.With(slog.String("component", "prefs")),
	}
}

// Set stores the preference and broadcasts it. The send is unconditional on
// purpose: repeating an identical preference is harmless, while suppressing
// enabled=false would leave stale sessions running on the agent side.
func (s *Store) Set(ctx context.Context, language string, enabled bool) error {
	s.mu.Lock()
	s.pref = Preference{Language: language, Enabled: enabled}
	s.set = true
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		s.logger.Debug("preference_send_dropped",
			slog.String("language", language),
			slog.Bool("enabled", enabled))
		return nil
	}
	return s.send(ctx, language, enabled)
}

// Preference returns the stored preference and whether one has been set.
func (s *Store) Preference() (Preference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pref, s.set
}

// SetConnected flips the channel state. A transition to connected replays
// the full preference so state lost during the gap is rebuilt remotely.
func (s *Store) SetConnected(ctx context.Context, connected bool) error {
	s.mu.Lock()
	was := s.connected
	s.connected = connected
	pref, set := s.pref, s.set
	s.mu.Unlock()

	if connected && !was && set {
		return s.send(ctx, pref.Language, pref.Enabled)
	}
	return nil
}

// Resync re-broadcasts the current preference. No-op when nothing has been
// set or the channel is down.
func (s *Store) Resync(ctx context.Context) error {
	s.mu.Lock()
	pref, set := s.pref, s.set
	connected := s.connected
	s.mu.Unlock()

	if !set || !connected {
		return nil
	}
	return s.send(ctx, pref.Language, pref.Enabled)
}

func (s *Store) send(ctx context.Context, language string, enabled bool) error {
	payload, err := control.Encode(control.LanguageUpdate{
		ParticipantName: s.participant,
		Language:        language,
		Enabled:         enabled,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.PublishData(ctx, control.TopicLanguagePreference, payload); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonControlSend)
	}
	s.logger.Debug("preference_sent",
		slog.String("language", language),
		slog.Bool("enabled", enabled))
	return nil
}
