package traduki

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/echoguard"
	"github.com/harunnryd/traduki/pkg/hostctl"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/prefs"
	"github.com/harunnryd/traduki/pkg/roommode"
	"github.com/harunnryd/traduki/pkg/subscription"
	"github.com/harunnryd/traduki/pkg/transports"
)

// ClientOptions configures the listener-side helper.
type ClientOptions struct {
	// Name is the local participant's display name, carried in language
	// updates so the agent can log who asked.
	Name      string
	Transport transports.Transport
	// Host grants the local participant a tuning publisher. The agent
	// verifies the sender's role regardless; this only controls whether the
	// UI gets the knobs.
	Host     bool
	Logger   *slog.Logger
	Observer metrics.Observer
	// OnTranscription receives every decoded transcription broadcast.
	OnTranscription func(control.Transcription)
	// OnLanguageConfirmed receives the agent's acknowledgment of an applied
	// preference.
	OnLanguageConfirmed func(control.LanguageConfirmed)
}

// Client bundles the listener-side machinery: the preference store, the
// room-mode mirror, the subscription resolver, and the echo guard. A
// conferencing app embeds one Client per local participant and calls
// SetLanguage from its UI.
type Client struct {
	transport transports.Transport
	prefs     *prefs.Store
	tracker   *roommode.Tracker
	resolver  *subscription.Resolver
	guard     *echoguard.Guard
	hostPub   *hostctl.Publisher
	logger    *slog.Logger

	onTranscription func(control.Transcription)
	onConfirmed     func(control.LanguageConfirmed)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("client requires a transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		transport:       opts.Transport,
		logger:          logging.NewComponentLogger(logger, "client"),
		onTranscription: opts.OnTranscription,
		onConfirmed:     opts.OnLanguageConfirmed,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.prefs = prefs.NewStore(opts.Name, opts.Transport, logger)
	c.tracker = roommode.NewTracker(logger)
	c.resolver = subscription.NewResolver(opts.Transport, c.prefs, c.tracker, logger)
	if opts.Observer != nil {
		c.resolver.SetObserver(opts.Observer)
	}
	c.tracker.AddListener(c.resolver)

	if mic, ok := opts.Transport.(transports.MicController); ok {
		c.guard = echoguard.New(mic)
		c.guard.SetLogger(logger)
	}
	if opts.Host {
		c.hostPub = hostctl.NewPublisher(opts.Transport)
		c.hostPub.SetLogger(logger)
	}
	return c, nil
}

// Start connects the transport and begins consuming room events.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	c.started = true
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.transport.Start(c.ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.routeEvents()
	return nil
}

// Stop detaches from the room.
func (c *Client) Stop() error {
	c.cancel()
	err := c.transport.Stop()
	c.wg.Wait()
	return err
}

// SetLanguage records and broadcasts the local preference, then re-evaluates
// held subscriptions under the new preference.
func (c *Client) SetLanguage(ctx context.Context, language string, enabled bool) error {
	if err := c.prefs.Set(ctx, language, enabled); err != nil {
		return err
	}
	c.resolver.Rescan(ctx)
	return nil
}

// Preference returns the stored preference and whether one has been set.
func (c *Client) Preference() (prefs.Preference, bool) {
	return c.prefs.Preference()
}

// Mode returns the last room topology broadcast by the agent.
func (c *Client) Mode() roommode.State { return c.tracker.State() }

// Subscribed returns the currently held translation subscriptions keyed by
// language.
func (c *Client) Subscribed() map[string]string { return c.resolver.Subscribed() }

// SetMicEnabled arbitrates the microphone through the echo guard so a manual
// unmute wins over an automatic one.
func (c *Client) SetMicEnabled(ctx context.Context, enabled bool) error {
	if c.guard == nil {
		return errors.New("transport has no microphone control")
	}
	return c.guard.SetMicEnabled(ctx, enabled)
}

// MicEnabled reports the microphone state.
func (c *Client) MicEnabled() bool {
	if c.guard == nil {
		return false
	}
	return c.guard.MicEnabled()
}

// AutoMuted reports whether the echo guard is currently holding the mic.
func (c *Client) AutoMuted() bool {
	if c.guard == nil {
		return false
	}
	return c.guard.AutoMuted()
}

// HostControls returns the tuning publisher, or nil for non-hosts.
func (c *Client) HostControls() *hostctl.Publisher { return c.hostPub }

func (c *Client) routeEvents() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-c.transport.Events():
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Client) handleEvent(ev transports.RoomEvent) {
	switch ev.Kind {
	case transports.EventConnected:
		if err := c.prefs.SetConnected(c.ctx, true); err != nil {
			c.logger.Warn("preference replay failed", slog.String("error", err.Error()))
		}
	case transports.EventDisconnected:
		_ = c.prefs.SetConnected(c.ctx, false)
	case transports.EventReconnected:
		// Room state did not survive the gap. Drop all bookkeeping and let
		// the snapshot replay plus the preference resend rebuild it.
		c.resolver.Reset()
		if err := c.prefs.SetConnected(c.ctx, true); err != nil {
			c.logger.Warn("preference replay failed", slog.String("error", err.Error()))
		}
	case transports.EventTrackPublished:
		c.resolver.TrackPublished(c.ctx, ev.Track, ev.Participant.ID)
	case transports.EventTrackUnpublished:
		c.resolver.TrackUnpublished(c.ctx, ev.Track)
	case transports.EventTrackSubscribed:
		c.resolver.TrackSubscribed(c.ctx, ev.Track)
	case transports.EventTrackUnsubscribed:
		c.resolver.TrackUnsubscribed(c.ctx, ev.Track)
	case transports.EventTrackAudioStarted:
		if c.guard != nil && c.resolver.IsSubscribed(ev.Track) {
			c.guard.AudioStarted(c.ctx, ev.Track)
		}
	case transports.EventTrackAudioStopped:
		if c.guard != nil {
			c.guard.AudioStopped(c.ctx, ev.Track)
		}
	case transports.EventData:
		c.handleData(ev)
	}
}

func (c *Client) handleData(ev transports.RoomEvent) {
	msg, err := control.Decode(ev.Payload)
	if err != nil {
		c.logger.Debug("control_decode_error",
			slog.String("topic", ev.Topic),
			slog.String("error", err.Error()))
		return
	}
	switch m := msg.(type) {
	case control.RoomModeUpdate:
		c.tracker.Apply(m.Mode, m.Languages)
	case control.Transcription:
		if c.onTranscription != nil {
			c.onTranscription(m)
		}
	case control.LanguageConfirmed:
		c.logger.Info("language confirmed",
			slog.String("language", m.Language),
			slog.Bool("enabled", m.Enabled))
		if c.onConfirmed != nil {
			c.onConfirmed(m)
		}
	default:
		// Peer preferences and host controls concern the agent, not us.
	}
}
