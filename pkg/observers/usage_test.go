package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/traduki/pkg/metrics"
)

func TestUsageObserverWritesSummaryOnSessionClose(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	base := time.Now()
	tags := map[string]string{
		"session_key":     "speaker-1:es",
		"target_language": "es",
		"track_name":      "translation-speaker-1-es",
	}

	obs.RecordEvent(metrics.MetricsEvent{Name: "session_audio_start", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "session_audio_stop", Time: base.Add(1500 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "transcript_forwarded", Time: base, Tags: map[string]string{
		"session_key": "speaker-1:es", "partial": "false",
	}})
	obs.RecordEvent(metrics.MetricsEvent{Name: "transcript_forwarded", Time: base, Tags: map[string]string{
		"session_key": "speaker-1:es", "partial": "true",
	}})
	obs.RecordEvent(metrics.MetricsEvent{Name: "session_publish_error", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "session_closed", Time: base.Add(2 * time.Second), Tags: tags})

	b, err := os.ReadFile(filepath.Join(dir, "speaker-1_es.usage.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var summary UsageSummary
	if err := json.Unmarshal(b, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.AudibleSeconds < 1.4 || summary.AudibleSeconds > 1.6 {
		t.Fatalf("audible seconds = %v, want ~1.5", summary.AudibleSeconds)
	}
	if summary.Turns != 1 {
		t.Fatalf("turns = %d, want 1 (partials must not count)", summary.Turns)
	}
	if summary.PublishErrors != 1 {
		t.Fatalf("publish errors = %d, want 1", summary.PublishErrors)
	}
	if summary.TargetLanguage != "es" {
		t.Fatalf("target language = %q", summary.TargetLanguage)
	}
}

func TestUsageObserverCloseFlushesOpenSessions(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	tags := map[string]string{"session_key": "unified:fr"}

	obs.RecordEvent(metrics.MetricsEvent{Name: "session_audio_start", Time: time.Now().Add(-time.Second), Tags: tags})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "unified_fr.usage.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var summary UsageSummary
	if err := json.Unmarshal(b, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.AudibleSeconds <= 0 {
		t.Fatalf("audible seconds = %v, want > 0 for a still speaking session", summary.AudibleSeconds)
	}
}
