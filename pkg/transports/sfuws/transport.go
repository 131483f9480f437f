// Package sfuws connects to the SFU's agent gateway over a websocket. The
// gateway terminates WebRTC on its side and relays room events, data-channel
// payloads, and PCM16 audio as JSON envelopes, so this process needs no media
// stack of its own.
package sfuws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/transports"
)

const (
	defaultSampleRate = 48000
	pingInterval      = 20 * time.Second
	writeWait         = 5 * time.Second
)

type Config struct {
	URL      string `mapstructure:"url"`
	Token    string `mapstructure:"token"`
	Room     string `mapstructure:"room"`
	Identity string `mapstructure:"identity"`
	Name     string `mapstructure:"name"`
	Role     string `mapstructure:"role"`

	EventBuffer int           `mapstructure:"event_buffer"`
	SendBuffer  int           `mapstructure:"send_buffer"`
	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func (c Config) withDefaults() Config {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 512
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 512
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Transport is the gateway client. It owns one websocket at a time and
// redials with backoff until Stop; each successful rejoin is surfaced as a
// reconnected event followed by the gateway's room snapshot.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	events chan transports.RoomEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn
	writeCh chan []byte

	micEnabled atomic.Bool
	started    atomic.Bool
	stopOnce   sync.Once
}

func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "sfuws"),
		events:  make(chan transports.RoomEvent, cfg.EventBuffer),
		writeCh: make(chan []byte, cfg.SendBuffer),
	}
	t.micEnabled.Store(true)
	return t
}

func (t *Transport) Name() string { return "sfuws" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"url":      t.cfg.URL,
		"room":     t.cfg.Room,
		"identity": t.cfg.Identity,
	}
}

// Start dials the gateway and joins the room. The first dial is synchronous
// so configuration mistakes fail fast; later drops are handled by redialing
// in the background.
func (t *Transport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("sfuws: transport already started")
	}
	if t.cfg.URL == "" {
		return errorsx.Wrap(errors.New("missing gateway url"), errorsx.ReasonConfigLoad)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	conn, err := t.dial(ctx)
	if err != nil {
		t.cancel()
		return err
	}
	t.setConn(conn)

	t.wg.Add(2)
	go t.run(conn)
	go t.writeLoop()
	go func() {
		// Unblock the reader when the context dies; ReadMessage has no
		// context of its own.
		<-t.ctx.Done()
		if c := t.currentConn(); c != nil {
			_ = c.Close()
		}
	}()
	return nil
}

// Stop tears the connection down and closes the event channel after the
// pumps exit.
func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
		}
		t.wg.Wait()
	})
	return nil
}

func (t *Transport) Events() <-chan transports.RoomEvent { return t.events }

func (t *Transport) PublishTrack(ctx context.Context, track string) error {
	return t.send(ctx, wireCommand{Command: "publish_track", Track: track}, errorsx.ReasonTransportPublish)
}

func (t *Transport) UnpublishTrack(ctx context.Context, track string) error {
	return t.send(ctx, wireCommand{Command: "unpublish_track", Track: track}, errorsx.ReasonTransportPublish)
}

// PublishAudio queues one frame for the named track. Frames are dropped
// rather than queued when the gateway is unreachable; stale audio is worse
// than lost audio.
func (t *Transport) PublishAudio(ctx context.Context, track string, frame frames.AudioFrame) error {
	cmd := wireCommand{
		Command:    "publish_audio",
		Track:      track,
		Payload:    base64.StdEncoding.EncodeToString(frame.RawPayload()),
		SampleRate: frame.Rate(),
		Channels:   frame.Channels(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportPublish)
	}
	select {
	case t.writeCh <- payload:
		return nil
	case <-t.ctx.Done():
		return errorsx.Wrap(errors.New("transport stopped"), errorsx.ReasonTransportPublish)
	default:
		t.logger.Warn("send buffer full, dropping audio", slog.String("track", track))
		return nil
	}
}

func (t *Transport) SetSubscribed(ctx context.Context, track string, subscribed bool) error {
	return t.send(ctx, wireCommand{Command: "set_subscribed", Track: track, Subscribed: &subscribed},
		errorsx.ReasonTransportSubscribe)
}

func (t *Transport) PublishData(ctx context.Context, topic string, payload []byte) error {
	return t.send(ctx, wireCommand{
		Command: "publish_data",
		Topic:   topic,
		Payload: base64.StdEncoding.EncodeToString(payload),
	}, errorsx.ReasonControlSend)
}

func (t *Transport) PublishDataTo(ctx context.Context, participantID string, topic string, payload []byte) error {
	return t.send(ctx, wireCommand{
		Command: "publish_data",
		Topic:   topic,
		Payload: base64.StdEncoding.EncodeToString(payload),
		To:      participantID,
	}, errorsx.ReasonControlSend)
}

func (t *Transport) SetMicEnabled(ctx context.Context, enabled bool) error {
	if err := t.send(ctx, wireCommand{Command: "set_mic", Enabled: &enabled}, errorsx.ReasonTransportPublish); err != nil {
		return err
	}
	t.micEnabled.Store(enabled)
	return nil
}

func (t *Transport) MicEnabled() bool { return t.micEnabled.Load() }

// send enqueues a command for the writer. Commands block briefly on a full
// queue instead of dropping: unlike audio they change room state.
func (t *Transport) send(ctx context.Context, cmd wireCommand, reason errorsx.ReasonCode) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errorsx.Wrap(err, reason)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case t.writeCh <- payload:
		return nil
	case <-ctx.Done():
		return errorsx.Wrap(ctx.Err(), reason)
	case <-t.ctx.Done():
		return errorsx.Wrap(errors.New("transport stopped"), reason)
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	conn, resp, err := dialer.DialContext(dialCtx, t.cfg.URL, header)
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		t.logger.Warn("gateway dial failed",
			slog.String("url", t.cfg.URL),
			slog.String("status", status),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}

	join, err := json.Marshal(wireCommand{
		Command:  "join",
		Room:     t.cfg.Room,
		Identity: t.cfg.Identity,
		Name:     t.cfg.Name,
		Role:     t.cfg.Role,
	})
	if err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}
	return conn, nil
}

// run owns the event channel: it reads each connection to death, then
// redials with doubling backoff until Stop cancels the context.
func (t *Transport) run(conn *websocket.Conn) {
	defer t.wg.Done()
	defer close(t.events)

	t.emit(transports.RoomEvent{Kind: transports.EventConnected, Time: time.Now()})
	backoff := t.cfg.BackoffMin
	for {
		t.readAll(conn)
		_ = conn.Close()
		t.setConn(nil)
		if t.ctx.Err() != nil {
			return
		}
		t.emit(transports.RoomEvent{Kind: transports.EventDisconnected, Time: time.Now()})

		for {
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := t.dial(t.ctx)
			if err != nil {
				backoff *= 2
				if backoff > t.cfg.BackoffMax {
					backoff = t.cfg.BackoffMax
				}
				continue
			}
			conn = next
			backoff = t.cfg.BackoffMin
			t.setConn(conn)
			t.emit(transports.RoomEvent{Kind: transports.EventReconnected, Time: time.Now()})
			break
		}
	}
}

func (t *Transport) readAll(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("gateway read failed",
					slog.String("reason_code", string(errorsx.ReasonTransportStream)),
					slog.String("error", err.Error()))
			}
			return
		}
		t.handleMessage(data)
	}
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case payload := <-t.writeCh:
			conn := t.currentConn()
			if conn == nil {
				// Mid-reconnect. The agent reconciles state after the rejoin,
				// so a command lost here is reissued then.
				t.logger.Debug("gateway unreachable, dropping command")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				t.logger.Warn("gateway write failed", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			if conn := t.currentConn(); conn != nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
		}
	}
}

func (t *Transport) handleMessage(data []byte) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.logger.Debug("gateway event unparsable", slog.String("error", err.Error()))
		return
	}

	switch ev.Event {
	case "room_joined":
		// Snapshot of the room at join time. Replayed as individual events
		// so consumers have one code path for live and recovered state.
		for _, p := range ev.Participants {
			t.emit(transports.RoomEvent{
				Kind:        transports.EventParticipantJoined,
				Participant: p.toParticipant(),
				Time:        time.Now(),
			})
		}
		for _, tr := range ev.Tracks {
			t.emit(transports.RoomEvent{
				Kind:        transports.EventTrackPublished,
				Participant: tr.Participant.toParticipant(),
				Track:       tr.Name,
				Time:        time.Now(),
			})
		}
	case "participant_joined":
		t.emitParticipant(transports.EventParticipantJoined, ev)
	case "participant_left":
		t.emitParticipant(transports.EventParticipantLeft, ev)
	case "track_published":
		t.emitParticipant(transports.EventTrackPublished, ev)
	case "track_unpublished":
		t.emitParticipant(transports.EventTrackUnpublished, ev)
	case "track_subscribed":
		t.emitParticipant(transports.EventTrackSubscribed, ev)
	case "track_unsubscribed":
		t.emitParticipant(transports.EventTrackUnsubscribed, ev)
	case "track_audio_started":
		t.emitParticipant(transports.EventTrackAudioStarted, ev)
	case "track_audio_stopped":
		t.emitParticipant(transports.EventTrackAudioStopped, ev)
	case "data":
		payload, err := base64.StdEncoding.DecodeString(ev.Payload)
		if err != nil {
			t.logger.Debug("data payload undecodable", slog.String("error", err.Error()))
			return
		}
		event := transports.RoomEvent{
			Kind:    transports.EventData,
			Topic:   ev.Topic,
			Payload: payload,
			Time:    time.Now(),
		}
		if ev.Participant != nil {
			event.Participant = ev.Participant.toParticipant()
		}
		t.emit(event)
	case "audio":
		raw, err := base64.StdEncoding.DecodeString(ev.Payload)
		if err != nil {
			t.logger.Debug("audio payload undecodable", slog.String("error", err.Error()))
			return
		}
		rate := ev.SampleRate
		if rate <= 0 {
			rate = defaultSampleRate
		}
		channels := ev.Channels
		if channels <= 0 {
			channels = 1
		}
		event := transports.RoomEvent{
			Kind:  transports.EventAudio,
			Track: ev.Track,
			Time:  time.Now(),
		}
		meta := map[string]string{frames.MetaTrackName: ev.Track, frames.MetaSource: "transport"}
		if ev.Participant != nil {
			event.Participant = ev.Participant.toParticipant()
			meta[frames.MetaParticipantID] = ev.Participant.ID
		}
		event.Audio = frames.NewAudioFrame(event.Participant.ID, time.Now().UnixNano(), raw, rate, channels, meta)
		t.emit(event)
	case "error":
		t.logger.Warn("gateway error", slog.String("error", ev.Error))
	default:
		t.logger.Debug("gateway event ignored", slog.String("event", ev.Event))
	}
}

func (t *Transport) emitParticipant(kind transports.EventKind, ev wireEvent) {
	event := transports.RoomEvent{Kind: kind, Track: ev.Track, Time: time.Now()}
	if ev.Participant != nil {
		event.Participant = ev.Participant.toParticipant()
	}
	t.emit(event)
}

func (t *Transport) emit(ev transports.RoomEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event buffer full, dropping event", slog.String("kind", string(ev.Kind)))
	}
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *Transport) currentConn() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.MicController = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
