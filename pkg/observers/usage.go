package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/traduki/pkg/metrics"
)

// UsageSummary is the per-session usage record written to disk. Audible
// seconds count published translation audio, the number billed by most
// synthesis vendors.
type UsageSummary struct {
	SessionKey     string  `json:"session_key"`
	TargetLanguage string  `json:"target_language,omitempty"`
	TrackName      string  `json:"track_name,omitempty"`
	AudibleSeconds float64 `json:"audible_seconds"`
	Turns          int     `json:"turns"`
	PublishErrors  int     `json:"publish_errors,omitempty"`
	RecordedAtUTC  string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates usage per session and writes one JSON file per
// session as it closes. Sessions still open when the observer closes are
// flushed then.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*usageEntry
}

type usageEntry struct {
	summary       UsageSummary
	speakingSince time.Time
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*usageEntry)}
}

// RecordEvent implements metrics.Observer.
func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	key := tag(ev, "session_key")
	if key == "" {
		return
	}

	switch ev.Name {
	case "session_audio_start":
		o.mu.Lock()
		entry := o.entryLocked(key, ev)
		if entry.speakingSince.IsZero() {
			entry.speakingSince = ev.Time
		}
		o.mu.Unlock()
	case "session_audio_stop":
		o.mu.Lock()
		entry := o.entryLocked(key, ev)
		if !entry.speakingSince.IsZero() {
			entry.summary.AudibleSeconds += ev.Time.Sub(entry.speakingSince).Seconds()
			entry.speakingSince = time.Time{}
		}
		o.mu.Unlock()
	case "transcript_forwarded":
		if tag(ev, "partial") == "true" {
			return
		}
		o.mu.Lock()
		o.entryLocked(key, ev).summary.Turns++
		o.mu.Unlock()
	case "session_publish_error":
		o.mu.Lock()
		o.entryLocked(key, ev).summary.PublishErrors++
		o.mu.Unlock()
	case "session_closed":
		o.mu.Lock()
		entry := o.entryLocked(key, ev)
		if !entry.speakingSince.IsZero() {
			entry.summary.AudibleSeconds += ev.Time.Sub(entry.speakingSince).Seconds()
			entry.speakingSince = time.Time{}
		}
		delete(o.stats, key)
		o.mu.Unlock()
		_ = o.write(entry.summary)
	}
}

// Close flushes usage for sessions that never reported a close.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	leftover := make([]UsageSummary, 0, len(o.stats))
	for _, entry := range o.stats {
		if !entry.speakingSince.IsZero() {
			entry.summary.AudibleSeconds += time.Since(entry.speakingSince).Seconds()
			entry.speakingSince = time.Time{}
		}
		leftover = append(leftover, entry.summary)
	}
	o.stats = make(map[string]*usageEntry)
	o.mu.Unlock()

	var errOut error
	for _, summary := range leftover {
		if err := o.write(summary); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func (o *UsageObserver) entryLocked(key string, ev metrics.MetricsEvent) *usageEntry {
	entry := o.stats[key]
	if entry == nil {
		entry = &usageEntry{summary: UsageSummary{SessionKey: key}}
		o.stats[key] = entry
	}
	if entry.summary.TargetLanguage == "" {
		entry.summary.TargetLanguage = tag(ev, "target_language")
	}
	if entry.summary.TrackName == "" {
		entry.summary.TrackName = tag(ev, "track_name")
	}
	return entry
}

func (o *UsageObserver) write(summary UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	summary.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.dir, sanitizeID(summary.SessionKey)+".usage.json")
	return os.WriteFile(path, b, 0o644)
}

var _ metrics.Observer = (*UsageObserver)(nil)
