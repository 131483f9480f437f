package observers

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harunnryd/traduki/pkg/metrics"
)

// PrometheusObserver exports pipeline and session events as Prometheus
// collectors. Register it alongside the other observers; scrape with
// promhttp.Handler on the address from MetricsConfig.
type PrometheusObserver struct {
	sessionsCreated  prometheus.Counter
	sessionsClosed   prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionsDegraded *prometheus.CounterVec
	sendErrors       prometheus.Counter
	publishErrors    prometheus.Counter
	drainTimeouts    prometheus.Counter
	drainSeconds     prometheus.Histogram
	firstAudio       prometheus.Histogram
	tuningUpdates    prometheus.Counter

	recognizedFinals    prometheus.Counter
	translatedFinals    prometheus.Counter
	translationsSkipped prometheus.Counter
	commentaryFiltered  prometheus.Counter
	synthInterruptions  prometheus.Counter

	transcriptsForwarded *prometheus.CounterVec
	transcriptsFiltered  prometheus.Counter
	hostControls         *prometheus.CounterVec
	controlMessages      *prometheus.CounterVec
	modeTransitions      *prometheus.CounterVec
	subscribeActions     *prometheus.CounterVec

	breakerOpen   *prometheus.GaugeVec
	breakerDenied *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec

	mu      sync.Mutex
	created map[string]time.Time
}

// NewPrometheusObserver registers the collectors with reg. A nil reg uses
// the default registry.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusObserver{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_sessions_created_total",
			Help: "Total number of translation sessions opened",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_sessions_closed_total",
			Help: "Total number of translation sessions closed",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "traduki_sessions_active",
			Help: "Current number of active translation sessions",
		}),
		sessionsDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traduki_sessions_degraded_total",
			Help: "Total number of sessions entering the degraded state",
		}, []string{"reason_code"}),
		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_session_send_errors_total",
			Help: "Total number of failed audio sends to engine sessions",
		}),
		publishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_session_publish_errors_total",
			Help: "Total number of failed translated-audio publishes",
		}),
		drainTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_session_drain_timeouts_total",
			Help: "Total number of session closes that hit the drain deadline",
		}),
		drainSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "traduki_session_drain_seconds",
			Help:    "Time spent draining tail audio during session close",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
		}),
		firstAudio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "traduki_first_audio_seconds",
			Help:    "Time from session creation to the first published translated audio",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		tuningUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_tuning_updates_total",
			Help: "Total number of tuning updates applied to live sessions",
		}),
		recognizedFinals: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_recognized_finals_total",
			Help: "Total number of final recognition results",
		}),
		translatedFinals: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_translated_finals_total",
			Help: "Total number of completed translations",
		}),
		translationsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_translations_skipped_total",
			Help: "Total number of translations skipped because source and target match",
		}),
		commentaryFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_meta_commentary_filtered_total",
			Help: "Total number of model commentary lines dropped before synthesis",
		}),
		synthInterruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_synthesis_interruptions_total",
			Help: "Total number of syntheses cancelled by new speech",
		}),
		transcriptsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traduki_transcripts_forwarded_total",
			Help: "Total number of transcript updates forwarded to the room",
		}, []string{"partial"}),
		transcriptsFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "traduki_transcripts_filtered_total",
			Help: "Total number of transcript updates suppressed by the meta filter",
		}),
		hostControls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traduki_host_controls_total",
			Help: "Total number of host control messages by outcome",
		}, []string{"message_type", "outcome"}),
		controlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traduki_control_messages_total",
			Help: "Total number of decoded control-plane messages",
		}, []string{"message_type"}),
		modeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traduki_mode_transitions_total",
			Help: "Total number of committed room mode transitions",
		}, []string{"to"}),
		subscribeActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traduki_subscribe_actions_total",
			Help: "Total number of subscribe and unsubscribe commands issued",
		}, []string{"action"}),
		breakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "traduki_breaker_open",
			Help: "Whether the circuit breaker for a stage is open (1) or closed (0)",
		}, []string{"component"}),
		breakerDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traduki_breaker_denied_total",
			Help: "Total number of requests denied by an open circuit breaker",
		}, []string{"component"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traduki_rate_limited_total",
			Help: "Total number of provider rate-limit responses",
		}, []string{"component"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "traduki_frames_dropped_total",
			Help: "Total number of frames dropped by pipeline backpressure",
		}, []string{"kind"}),
		stageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traduki_stage_latency_seconds",
			Help:    "Per-frame processing time of each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"processor"}),
		created: make(map[string]time.Time),
	}
}

// RecordEvent implements metrics.Observer.
func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case "session_created":
		o.sessionsCreated.Inc()
		o.sessionsActive.Inc()
		o.markCreated(tag(ev, "session_key"), ev.Time)
	case "session_closed":
		o.sessionsClosed.Inc()
		o.sessionsActive.Dec()
		o.forgetCreated(tag(ev, "session_key"))
		if ms, ok := fieldInt64(ev, "drain_ms"); ok {
			o.drainSeconds.Observe(float64(ms) / 1000)
		}
	case "session_audio_start":
		if created, ok := o.takeCreated(tag(ev, "session_key")); ok {
			o.firstAudio.Observe(ev.Time.Sub(created).Seconds())
		}
	case "session_degraded":
		o.sessionsDegraded.WithLabelValues(tag(ev, "reason_code")).Inc()
	case "session_send_error":
		o.sendErrors.Inc()
	case "session_publish_error":
		o.publishErrors.Inc()
	case "session_drain_timeout":
		o.drainTimeouts.Inc()
	case "tuning_applied":
		o.tuningUpdates.Inc()
	case "recognize_final":
		o.recognizedFinals.Inc()
	case "translate_final":
		o.translatedFinals.Inc()
	case "translate_skipped":
		o.translationsSkipped.Inc()
	case "meta_commentary_filtered":
		o.commentaryFiltered.Inc()
	case "synthesis_interrupted":
		o.synthInterruptions.Inc()
	case "transcript_forwarded":
		o.transcriptsForwarded.WithLabelValues(tag(ev, "partial")).Inc()
	case "transcript_filtered":
		o.transcriptsFiltered.Inc()
	case "host_control_applied":
		o.hostControls.WithLabelValues(tag(ev, "message_type"), "applied").Inc()
	case "host_control_rejected":
		o.hostControls.WithLabelValues(tag(ev, "message_type"), "rejected").Inc()
	case "control_message":
		o.controlMessages.WithLabelValues(tag(ev, "message_type")).Inc()
	case "mode_transition":
		o.modeTransitions.WithLabelValues(tag(ev, "to")).Inc()
	case "subscribe_action":
		o.subscribeActions.WithLabelValues(tag(ev, "action")).Inc()
	case metrics.EventBreakerOpen:
		o.breakerOpen.WithLabelValues(tag(ev, "component")).Set(1)
	case metrics.EventBreakerClose:
		o.breakerOpen.WithLabelValues(tag(ev, "component")).Set(0)
	case metrics.EventBreakerDenied:
		o.breakerDenied.WithLabelValues(tag(ev, "component")).Inc()
	case metrics.EventRateLimit:
		o.rateLimited.WithLabelValues(tag(ev, "component")).Inc()
	case "frame_drop":
		o.framesDropped.WithLabelValues(tag(ev, "kind")).Inc()
	case "stage_latency_us":
		o.stageSeconds.WithLabelValues(tag(ev, "processor")).Observe(ev.Value / 1e6)
	}
}

func (o *PrometheusObserver) markCreated(key string, at time.Time) {
	if key == "" {
		return
	}
	o.mu.Lock()
	o.created[key] = at
	o.mu.Unlock()
}

// takeCreated returns the creation time once. Later audio starts on the
// same session are restarts, not first audio.
func (o *PrometheusObserver) takeCreated(key string) (time.Time, bool) {
	if key == "" {
		return time.Time{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	at, ok := o.created[key]
	if ok {
		delete(o.created, key)
	}
	return at, ok
}

func (o *PrometheusObserver) forgetCreated(key string) {
	if key == "" {
		return
	}
	o.mu.Lock()
	delete(o.created, key)
	o.mu.Unlock()
}

func tag(ev metrics.MetricsEvent, key string) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[key]
}

func fieldInt64(ev metrics.MetricsEvent, key string) (int64, bool) {
	if ev.Fields == nil {
		return 0, false
	}
	switch v := ev.Fields[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
