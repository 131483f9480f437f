package mock

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/transports"
)

// PublishedData records one outbound data message.
type PublishedData struct {
	Topic   string
	To      string
	Payload []byte
}

// PublishedAudio records one outbound audio frame.
type PublishedAudio struct {
	Track string
	Frame frames.AudioFrame
}

// Transport is an in-memory room for local testing and integration. Tests
// inject inbound events with Push and observe everything the agent does
// through the captured command state and the outbound channels. It
// implements transports.Transport without any network dependency.
type Transport struct {
	events  chan transports.RoomEvent
	audioCh chan PublishedAudio
	dataCh  chan PublishedData
	closed  atomic.Bool
	mic     atomic.Bool

	mu         sync.Mutex
	tracks     map[string]struct{}
	subscribed map[string]struct{}
	data       []PublishedData
}

func New() *Transport {
	t := &Transport{
		events:     make(chan transports.RoomEvent, 256),
		audioCh:    make(chan PublishedAudio, 256),
		dataCh:     make(chan PublishedData, 64),
		tracks:     make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
	}
	t.mic.Store(true)
	return t
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.events)
		close(t.audioCh)
		close(t.dataCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Events() <-chan transports.RoomEvent { return t.events }

func (t *Transport) PublishTrack(_ context.Context, track string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks[track] = struct{}{}
	return nil
}

func (t *Transport) UnpublishTrack(_ context.Context, track string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracks, track)
	return nil
}

func (t *Transport) PublishAudio(_ context.Context, track string, frame frames.AudioFrame) error {
	if t.closed.Load() {
		return nil
	}
	select {
	case t.audioCh <- PublishedAudio{Track: track, Frame: frame}:
	default:
	}
	return nil
}

func (t *Transport) SetSubscribed(_ context.Context, track string, subscribed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if subscribed {
		t.subscribed[track] = struct{}{}
	} else {
		delete(t.subscribed, track)
	}
	return nil
}

func (t *Transport) PublishData(_ context.Context, topic string, payload []byte) error {
	return t.record(PublishedData{Topic: topic, Payload: append([]byte(nil), payload...)})
}

func (t *Transport) PublishDataTo(_ context.Context, participantID string, topic string, payload []byte) error {
	return t.record(PublishedData{Topic: topic, To: participantID, Payload: append([]byte(nil), payload...)})
}

func (t *Transport) record(d PublishedData) error {
	if t.closed.Load() {
		return nil
	}
	t.mu.Lock()
	t.data = append(t.data, d)
	t.mu.Unlock()
	select {
	case t.dataCh <- d:
	default:
	}
	return nil
}

func (t *Transport) SetMicEnabled(_ context.Context, enabled bool) error {
	t.mic.Store(enabled)
	return nil
}

func (t *Transport) MicEnabled() bool { return t.mic.Load() }

// Push injects an inbound room event.
func (t *Transport) Push(ev transports.RoomEvent) {
	if t.closed.Load() {
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}

// AudioOut exposes outbound audio frames for inspection.
func (t *Transport) AudioOut() <-chan PublishedAudio { return t.audioCh }

// DataOut exposes outbound data messages for inspection.
func (t *Transport) DataOut() <-chan PublishedData { return t.dataCh }

// PublishedTracks returns the currently announced outbound tracks, sorted.
func (t *Transport) PublishedTracks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.tracks))
	for name := range t.tracks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Subscribed reports whether the agent currently holds a subscription to track.
func (t *Transport) Subscribed(track string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subscribed[track]
	return ok
}

// SentData returns a copy of every data message published so far.
func (t *Transport) SentData() []PublishedData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PublishedData(nil), t.data...)
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.MicController = (*Transport)(nil)
)
