package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/metrics"
)

// LatencyObserver logs per-turn stage latency and per-session time to
// first published audio. A turn is anchored on the final recognition and
// closed by the first synthesized audio of the same stream.
type LatencyObserver struct {
	mu       sync.Mutex
	turns    map[string]*turnTrace
	sessions map[string]time.Time
	log      *slog.Logger
}

type turnTrace struct {
	recognized time.Time
	translated time.Time
	traceID    string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns:    make(map[string]*turnTrace),
		sessions: make(map[string]time.Time),
		log:      log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case "session_created", "session_audio_start", "session_closed":
		o.recordSession(ev)
	case "recognize_final", "translate_final", "synthesize_first_audio":
		o.recordTurn(ev)
	}
}

func (o *LatencyObserver) recordSession(ev metrics.MetricsEvent) {
	key := tag(ev, "session_key")
	if key == "" {
		return
	}
	o.mu.Lock()
	switch ev.Name {
	case "session_created":
		o.sessions[key] = ev.Time
	case "session_audio_start":
		created, ok := o.sessions[key]
		if !ok {
			break
		}
		delete(o.sessions, key)
		o.mu.Unlock()
		o.log.Info("first audio",
			"session_key", key,
			"first_audio_ms", durationMs(created, ev.Time))
		return
	case "session_closed":
		delete(o.sessions, key)
		delete(o.turns, key)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) recordTurn(ev metrics.MetricsEvent) {
	streamID := tag(ev, "stream_id")
	if streamID == "" {
		return
	}
	o.mu.Lock()
	t := o.turns[streamID]
	if t == nil {
		t = &turnTrace{}
		o.turns[streamID] = t
	}
	switch ev.Name {
	case "recognize_final":
		// A new final restarts the turn clock; interim corrections keep
		// the earliest anchor.
		if t.recognized.IsZero() {
			t.recognized = ev.Time
		}
		if t.traceID == "" {
			t.traceID = tag(ev, "trace_id")
		}
	case "translate_final":
		if t.translated.IsZero() {
			t.translated = ev.Time
		}
	case "synthesize_first_audio":
		delete(o.turns, streamID)
		o.mu.Unlock()
		o.log.Info("turn latency",
			"stream_id", streamID,
			"trace_id", t.traceID,
			"translate_ms", durationMs(t.recognized, t.translated),
			"synthesize_ms", durationMs(t.translated, ev.Time),
			"turn_ms", durationMs(t.recognized, ev.Time))
		return
	}
	o.mu.Unlock()
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

var _ metrics.Observer = (*LatencyObserver)(nil)
