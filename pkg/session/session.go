// Package session manages the fleet of live translation sessions for one
// room: which (speaker, language) pairs need a stream, their lifecycle from
// creation through drain, and the audio fan-in that feeds them.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/traduki/pkg/engine"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/tracks"
)

// Key identifies one translation session. SpeakerID is empty for unified
// streams, which mix every speaker into one broadcast per language.
type Key struct {
	SpeakerID      string
	TargetLanguage string
}

// Unified reports whether the key names a broadcast stream.
func (k Key) Unified() bool { return k.SpeakerID == "" }

func (k Key) String() string {
	if k.Unified() {
		return "unified:" + k.TargetLanguage
	}
	return k.SpeakerID + ":" + k.TargetLanguage
}

// TrackName returns the outbound track the session publishes on.
func (k Key) TrackName() string {
	if k.Unified() {
		return tracks.FormatUnified(k.TargetLanguage)
	}
	return tracks.Format(k.TargetLanguage, k.SpeakerID)
}

// TrackPublisher is the slice of the transport a session publishes through.
type TrackPublisher interface {
	PublishTrack(ctx context.Context, track string) error
	UnpublishTrack(ctx context.Context, track string) error
	PublishAudio(ctx context.Context, track string, frame frames.AudioFrame) error
}

// TranscriptSink receives transcript text frames produced by a session.
type TranscriptSink interface {
	HandleTranscript(ctx context.Context, key Key, f frames.TextFrame)
}

// session is one live translation stream: it owns the engine session, the
// pump goroutine that publishes its output, and the drain state.
type session struct {
	key Key
	cfg engine.SessionConfig
	eng engine.Session
	sm  *stateMachine

	pub  TrackPublisher
	sink TranscriptSink

	obs    metrics.Observer
	logger *slog.Logger

	onAudioStarted func(Key, string)
	onAudioStopped func(Key, string)

	speaking atomic.Bool
	drained  chan struct{}
	done     chan struct{}
	closing  sync.Once
}

func newSession(key Key, cfg engine.SessionConfig, eng engine.Session, pub TrackPublisher, sink TranscriptSink, obs metrics.Observer, logger *slog.Logger) *session {
	return &session{
		key:     key,
		cfg:     cfg,
		eng:     eng,
		sm:      newStateMachine(key),
		pub:     pub,
		sink:    sink,
		obs:     obs,
		logger:  logger,
		drained: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// sendAudio forwards one speaker frame into the engine. Frames arriving
// while the session drains are dropped so the stream can quiesce.
func (s *session) sendAudio(f frames.AudioFrame) error {
	if s.sm.State() != StateActive {
		return nil
	}
	if err := s.eng.SendAudio(f); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEngineSend)
	}
	return nil
}

func (s *session) updateTuning(t engine.Tuning) error {
	if st := s.sm.State(); st == StateDraining || st == StateClosed {
		return nil
	}
	return s.eng.UpdateTuning(t)
}

// pump publishes engine output until the engine closes its channel. Audio
// goes to the session's track, transcripts to the sink, and turn boundaries
// toggle the speaking flag that drives audio started/stopped notifications.
func (s *session) pump(ctx context.Context) {
	defer close(s.done)
	for f := range s.eng.Output() {
		switch f.Kind() {
		case frames.KindAudio:
			af := f.(frames.AudioFrame)
			if s.speaking.CompareAndSwap(false, true) {
				s.record("session_audio_start", nil)
				if s.onAudioStarted != nil {
					s.onAudioStarted(s.key, s.cfg.TrackName)
				}
			}
			if err := s.pub.PublishAudio(ctx, s.cfg.TrackName, af); err != nil {
				s.logger.Warn("publish audio failed",
					slog.String("session_key", s.key.String()),
					slog.String("track_name", s.cfg.TrackName),
					slog.String("reason_code", string(errorsx.ReasonTransportPublish)),
					slog.String("error", err.Error()))
				s.record("session_publish_error", nil)
			}
			frames.ReleaseAudioFrame(af)
		case frames.KindText:
			if s.sink != nil {
				s.sink.HandleTranscript(ctx, s.key, f.(frames.TextFrame))
			}
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			if cf.Code() == frames.ControlTurnComplete {
				s.turnComplete()
			}
		}
	}
	s.turnComplete()
	if closer, ok := s.sink.(interface{ SessionClosed(Key) }); ok {
		closer.SessionClosed(s.key)
	}
}

func (s *session) turnComplete() {
	if s.speaking.CompareAndSwap(true, false) {
		s.record("session_audio_stop", nil)
		if s.onAudioStopped != nil {
			s.onAudioStopped(s.key, s.cfg.TrackName)
		}
	}
	select {
	case s.drained <- struct{}{}:
	default:
	}
}

// shutdown drains the session and closes the engine stream. The drain waits
// for the current turn to finish so listeners hear complete sentences, up to
// drainTimeout.
func (s *session) shutdown(ctx context.Context, reason string, drainTimeout time.Duration) {
	s.closing.Do(func() {
		start := time.Now()
		if err := s.sm.Transition(StateDraining, reason); err == nil {
			if err := s.eng.Flush(); err != nil {
				s.logger.Warn("flush failed",
					slog.String("session_key", s.key.String()),
					slog.String("error", err.Error()))
			}
			if s.speaking.Load() {
				select {
				case <-s.drained:
				case <-time.After(drainTimeout):
					s.logger.Warn("drain timed out",
						slog.String("session_key", s.key.String()),
						slog.String("reason_code", string(errorsx.ReasonSessionDrain)),
						slog.Duration("drain_timeout", drainTimeout))
					s.record("session_drain_timeout", nil)
				case <-ctx.Done():
				}
			}
		}
		if err := s.eng.Close(); err != nil {
			s.logger.Warn("engine close failed",
				slog.String("session_key", s.key.String()),
				slog.String("error", err.Error()))
		}
		select {
		case <-s.done:
		case <-time.After(drainTimeout):
		}
		if err := s.pub.UnpublishTrack(ctx, s.cfg.TrackName); err != nil {
			s.logger.Warn("unpublish failed",
				slog.String("track_name", s.cfg.TrackName),
				slog.String("error", err.Error()))
		}
		_ = s.sm.Transition(StateClosed, reason)
		s.record("session_closed", map[string]any{"drain_ms": time.Since(start).Milliseconds()})
		s.logger.Info("session closed",
			slog.String("session_key", s.key.String()),
			slog.String("track_name", s.cfg.TrackName),
			slog.String("reason", reason))
	})
}

func (s *session) record(name string, fields map[string]any) {
	if s.obs == nil {
		return
	}
	tags := map[string]string{
		frames.MetaSessionKey:     s.key.String(),
		frames.MetaTargetLanguage: s.key.TargetLanguage,
		frames.MetaTrackName:      s.cfg.TrackName,
	}
	if s.key.SpeakerID != "" {
		tags[frames.MetaSpeakerID] = s.key.SpeakerID
	}
	if s.cfg.TraceID != "" {
		tags[frames.MetaTraceID] = s.cfg.TraceID
	}
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}
