package transcript

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/redact"
	"github.com/harunnryd/traduki/pkg/session"
)

// DataPublisher is the slice of the transport the forwarder publishes
// through.
type DataPublisher interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
}

// Forwarder mirrors session transcripts to the room on the transcription
// topic. It plugs into the session manager as its transcript sink.
type Forwarder struct {
	asm *Assembler
	pub DataPublisher

	obs    metrics.Observer
	logger *slog.Logger
	now    func() time.Time
}

func NewForwarder(pub DataPublisher) *Forwarder {
	return &Forwarder{
		asm:    NewAssembler(Config{}),
		pub:    pub,
		logger: logging.NewComponentLogger(slog.Default(), "transcript"),
		now:    time.Now,
	}
}

func (fw *Forwarder) SetObserver(obs metrics.Observer) { fw.obs = obs }

func (fw *Forwarder) SetLogger(logger *slog.Logger) {
	if logger != nil {
		fw.logger = logging.NewComponentLogger(logger, "transcript")
	}
}

// SetAssembler replaces the default assembler, e.g. to change partial
// thresholds.
func (fw *Forwarder) SetAssembler(asm *Assembler) {
	if asm != nil {
		fw.asm = asm
	}
}

// HandleTranscript folds one engine text frame in and publishes the
// resulting update, if any. Meta commentary that survived the engine prompt
// is dropped here so it never reaches a screen.
func (fw *Forwarder) HandleTranscript(ctx context.Context, key session.Key, f frames.TextFrame) {
	upd, ok := fw.asm.Ingest(key.String(), f)
	if !ok {
		return
	}
	if ShouldFilter(upd.Translated) {
		fw.logger.Info("meta commentary filtered",
			slog.String("session_key", key.String()),
			slog.String("text", redact.Transcript(upd.Translated, 80)))
		fw.record("transcript_filtered", key, upd.Final)
		return
	}

	speaker := upd.SpeakerID
	if speaker == "" {
		speaker = key.SpeakerID
	}
	if speaker == "" {
		speaker = "unified"
	}
	lang := upd.TargetLanguage
	if lang == "" {
		lang = key.TargetLanguage
	}

	msg := control.Transcription{
		Text:              upd.Translated,
		OriginalText:      upd.Original,
		Language:          lang,
		ParticipantID:     speaker,
		TargetParticipant: "all",
		Partial:           !upd.Final,
		Final:             upd.Final,
		Timestamp:         float64(fw.now().UnixMilli()) / 1000.0,
	}
	payload, err := control.Encode(msg)
	if err != nil {
		fw.logger.Warn("transcription encode failed",
			slog.String("session_key", key.String()),
			slog.String("error", err.Error()))
		return
	}
	if err := fw.pub.PublishData(ctx, control.TopicTranscription, payload); err != nil {
		fw.logger.Warn("transcription publish failed",
			slog.String("session_key", key.String()),
			slog.String("reason_code", string(errorsx.ReasonControlSend)),
			slog.String("error", err.Error()))
		fw.record("transcript_publish_error", key, upd.Final)
		return
	}

	if upd.Final {
		fw.logger.Info("transcript forwarded",
			slog.String("session_key", key.String()),
			slog.String("language", lang),
			slog.String("original", redact.Transcript(upd.Original, 80)),
			slog.String("translated", redact.Transcript(upd.Translated, 80)))
	}
	fw.record("transcript_forwarded", key, upd.Final)
}

// SessionClosed drops any partial state held for the session. The session
// pump calls this when its engine stream ends.
func (fw *Forwarder) SessionClosed(key session.Key) {
	fw.asm.Reset(key.String())
}

func (fw *Forwarder) record(name string, key session.Key, final bool) {
	if fw.obs == nil {
		return
	}
	partial := "true"
	if final {
		partial = "false"
	}
	fw.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: fw.now(),
		Tags: map[string]string{
			frames.MetaSessionKey:     key.String(),
			frames.MetaTargetLanguage: key.TargetLanguage,
			"partial":                 partial,
		},
	})
}
