package processors

import (
	"log/slog"
	"time"

	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/pipeline"
	"github.com/harunnryd/traduki/pkg/redact"
	"github.com/harunnryd/traduki/pkg/transcript"
)

// MetaFilterProcessor drops model self-narration ("not translating",
// "I'll stay silent") before it reaches synthesis. Only short translation
// finals are candidates; genuine translations pass untouched.
type MetaFilterProcessor struct {
	obs    metrics.Observer
	logger *slog.Logger
}

func NewMetaFilterProcessor() *MetaFilterProcessor {
	return &MetaFilterProcessor{
		logger: logging.NewComponentLogger(slog.Default(), "metafilter_processor"),
	}
}

func (p *MetaFilterProcessor) Name() string { return "metafilter_processor" }

func (p *MetaFilterProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *MetaFilterProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "metafilter_processor")
	}
}

func (p *MetaFilterProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if meta[frames.MetaSource] != frames.SourceTranslation || meta[frames.MetaIsFinal] != "true" {
		return []frames.Frame{f}, nil
	}
	if !transcript.ShouldFilter(tf.Text()) {
		return []frames.Frame{f}, nil
	}

	streamID := meta[frames.MetaStreamID]
	p.logger.Info("meta commentary filtered",
		slog.String("stream_id", streamID),
		slog.String("text", redact.Transcript(tf.Text(), 40)))
	if p.obs != nil {
		tags := map[string]string{frames.MetaStreamID: streamID, "component": "metafilter"}
		if traceID := meta[frames.MetaTraceID]; traceID != "" {
			tags[frames.MetaTraceID] = traceID
		}
		p.obs.RecordEvent(metrics.MetricsEvent{
			Name: "meta_commentary_filtered",
			Time: time.Now(),
			Tags: tags,
		})
	}

	// Close the turn in place of the dropped text so drains do not wait on
	// a synthesis that will never run.
	done := frames.NewControlFrame(streamID, tf.PTS(), frames.ControlTurnComplete, map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaReason:   "meta_commentary",
	})
	return []frames.Frame{done}, nil
}

var _ pipeline.FrameProcessor = (*MetaFilterProcessor)(nil)
