package traduki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/traduki/pkg/control"
	"github.com/harunnryd/traduki/pkg/engine"
	"github.com/harunnryd/traduki/pkg/errorsx"
	"github.com/harunnryd/traduki/pkg/hostctl"
	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/observers"
	"github.com/harunnryd/traduki/pkg/participant"
	"github.com/harunnryd/traduki/pkg/pipeline"
	"github.com/harunnryd/traduki/pkg/redact"
	"github.com/harunnryd/traduki/pkg/roommode"
	"github.com/harunnryd/traduki/pkg/runner"
	"github.com/harunnryd/traduki/pkg/session"
	"github.com/harunnryd/traduki/pkg/transcript"
	"github.com/harunnryd/traduki/pkg/transports"
	"github.com/harunnryd/traduki/pkg/transports/mock"
	"github.com/harunnryd/traduki/pkg/transports/sfuws"
)

// AgentOptions carries everything NewAgent needs beyond the config file.
// Transport and Engine override what the config would build, which is how
// tests and embedders inject fakes.
type AgentOptions struct {
	Config    Config
	Transport transports.Transport
	Engine    engine.Engine
	Engines   *EngineRegistry
	// Observer is an extra metrics sink appended to the built-in ones.
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Agent is the translator-agent process: it joins one room, watches the
// roster and language preferences, runs the room mode controller and the
// translation session manager, applies host tuning, and mirrors transcripts.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	transport  transports.Transport
	engine     engine.Engine
	roster     *participant.Roster
	modes      *roommode.Controller
	manager    *session.Manager
	hostStore  *hostctl.Store
	forwarder  *transcript.Forwarder
	dispatcher *control.Dispatcher

	asyncObs    *metrics.AsyncObserver
	timelineObs *observers.TimelineObserver
	usageObs    *observers.UsageObserver
	jsonlFile   *os.File
	metricsSrv  *http.Server

	runner *pipeline.Runner

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewAgent wires the agent from configuration. The returned agent is idle
// until Start.
func NewAgent(opts AgentOptions) (*Agent, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.ParseLevel(cfg.LogLevel))
		slog.SetDefault(logger)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	a := &Agent{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "agent"),
		roster: participant.NewRoster(),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.buildObservers(opts); err != nil {
		return nil, err
	}

	if opts.Transport != nil {
		a.transport = opts.Transport
	} else {
		tr, err := buildTransport(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.transport = tr
	}

	if opts.Engine != nil {
		a.engine = opts.Engine
	} else {
		registry := opts.Engines
		if registry == nil {
			registry = DefaultEngineRegistry()
		}
		eng, err := registry.Build(cfg.Engine.Provider, cfg)
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonConfigLoad)
		}
		a.engine = eng
	}
	if l, ok := a.engine.(interface{ SetLogger(*slog.Logger) }); ok {
		l.SetLogger(logger)
	}
	if o, ok := a.engine.(interface{ SetObserver(metrics.Observer) }); ok {
		o.SetObserver(a.asyncObs)
	}

	a.modes = roommode.NewController(a.roster, a.transport, logger)
	a.modes.SetObserver(a.asyncObs)

	a.manager = session.NewManager(a.engine, a.transport, a.roster, a.modes)
	a.manager.SetLogger(logger)
	a.manager.SetObserver(a.asyncObs)
	a.manager.SetRoomID(cfg.Agent.Room)
	a.manager.SetSampleRate(cfg.Agent.SampleRate)
	a.manager.SetDrainTimeout(cfg.DrainTimeout())

	a.modes.AddListener(modeReconciler{a})

	seed := cfg.TuningSettings()
	a.hostStore = hostctl.NewStore()
	a.hostStore.SetLogger(logger)
	a.hostStore.SetObserver(a.asyncObs)
	a.hostStore.SetRequireHostRole(cfg.Control.RequireHostRole)
	a.hostStore.Seed(seed)
	a.hostStore.Subscribe(func(ctx context.Context, s hostctl.Settings) {
		a.manager.ApplyTuning(ctx, s.Tuning())
	})
	a.manager.SetTuning(a.hostStore.Current().Tuning())

	a.forwarder = transcript.NewForwarder(a.transport)
	a.forwarder.SetLogger(logger)
	a.forwarder.SetObserver(a.asyncObs)
	a.manager.SetTranscriptSink(a.forwarder)

	a.dispatcher = control.NewDispatcher(a.handleControl, logger, control.DispatcherOptions{
		QueueSize: cfg.Control.QueueSize,
	})
	a.dispatcher.SetObserver(a.asyncObs)

	a.runner = pipeline.NewDrainRunner(
		pipeline.DrainerFunc(a.drain),
		runner.Hooks{OnStart: a.onStart, OnStop: a.onStop},
		30*time.Second,
	)

	a.logger.Info("agent_init",
		slog.String("room_id", cfg.Agent.Room),
		slog.String("identity", cfg.Agent.Identity),
		slog.String("engine", a.engine.Name()),
		slog.String("transport", a.transport.Name()))
	return a, nil
}

func buildTransport(cfg Config, logger *slog.Logger) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Provider)) {
	case "sfuws":
		return sfuws.New(sfuws.Config{
			URL:         cfg.Transport.URL,
			Token:       cfg.Transport.Token,
			Room:        cfg.Agent.Room,
			Identity:    cfg.Agent.Identity,
			Name:        cfg.Agent.Name,
			Role:        string(participant.RoleTranslatorAgent),
			EventBuffer: cfg.Transport.EventBuffer,
			SendBuffer:  cfg.Transport.SendBuffer,
			BackoffMin:  time.Duration(cfg.Transport.BackoffMinMS) * time.Millisecond,
			BackoffMax:  time.Duration(cfg.Transport.BackoffMaxMS) * time.Millisecond,
			DialTimeout: time.Duration(cfg.Transport.DialTimeoutMS) * time.Millisecond,
		}, logger), nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("transport provider not registered: %s", cfg.Transport.Provider)
	}
}

func (a *Agent) buildObservers(opts AgentOptions) error {
	cfg := a.cfg
	base := slog.Default()
	if opts.Logger != nil {
		base = opts.Logger
	}

	obsList := []metrics.Observer{
		observers.NewLatencyObserver(base),
		observers.NewLoggerObserver(base),
	}
	if opts.Observer != nil {
		obsList = append(obsList, opts.Observer)
	}

	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			maxAge := time.Duration(cfg.Observability.RetentionDays) * 24 * time.Hour
			if n, err := observers.PurgeArtifacts(dir, maxAge); err == nil && n > 0 {
				a.logger.Info("artifacts purged", slog.Int("removed", n))
			}
		}
		a.timelineObs = observers.NewTimelineObserver(dir)
		a.usageObs = observers.NewUsageObserver(dir)
		obsList = append(obsList, a.timelineObs, a.usageObs)
	}

	if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errorsx.Wrap(fmt.Errorf("open metrics jsonl: %w", err), errorsx.ReasonConfigLoad)
		}
		a.jsonlFile = f
		var sink metrics.Observer = metrics.NewJSONLObserver(f)
		// Sampling applies to the file sink only. Lifecycle counters and
		// gauges would drift if their events were shed.
		if cfg.Metrics.SampleRate > 0 && cfg.Metrics.SampleRate < 1 {
			sink = metrics.NewSamplingObserver(sink, cfg.Metrics.SampleRate)
		}
		obsList = append(obsList, sink)
	}

	if addr := strings.TrimSpace(cfg.Metrics.PrometheusListen); addr != "" {
		obsList = append(obsList, observers.NewPrometheusObserver(nil))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{Addr: addr, Handler: mux}
	}

	buffer := cfg.Metrics.Buffer
	if buffer <= 0 {
		buffer = 2048
	}
	a.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), buffer)
	return nil
}

// Start connects the transport and begins serving the room. It returns once
// the transport is up; room handling continues on background goroutines.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("agent already started")
	}
	a.started = true
	a.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.transport.Start(a.ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.routeEvents()

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics listener failed", slog.String("error", err.Error()))
			}
		}()
	}

	go func() {
		_ = a.runner.Run(a.ctx)
	}()
	return nil
}

// Stop drains sessions, stops the transport, and flushes observers.
func (a *Agent) Stop() error {
	a.cancel()
	err := a.runner.Stop()
	a.wg.Wait()
	return err
}

func (a *Agent) onStart() {
	fields := []any{"room_id", a.cfg.Agent.Room, "identity", a.cfg.Agent.Identity}
	if rr, ok := a.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	a.logger.Info("agent_ready", fields...)
}

func (a *Agent) onStop() {
	if a.asyncObs != nil {
		a.asyncObs.Close()
	}
	if a.timelineObs != nil {
		_ = a.timelineObs.Close()
	}
	if a.usageObs != nil {
		_ = a.usageObs.Close()
	}
	if a.jsonlFile != nil {
		_ = a.jsonlFile.Close()
	}
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(shutdownCtx)
	}
	a.logger.Info("agent_shutdown",
		slog.Int("goroutines", runtime.NumGoroutine()),
		slog.Int("live_sessions", a.manager.Count()))
}

func (a *Agent) drain() error {
	_ = a.transport.Stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout()+5*time.Second)
	defer cancel()
	a.manager.Close(drainCtx)
	a.dispatcher.Close()
	return nil
}

func (a *Agent) routeEvents() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-a.transport.Events():
			if !ok {
				return
			}
			a.handleEvent(ev)
		}
	}
}

func (a *Agent) handleEvent(ev transports.RoomEvent) {
	switch ev.Kind {
	case transports.EventConnected:
		a.logger.Info("room connected", slog.String("room_id", a.cfg.Agent.Room))
	case transports.EventDisconnected:
		a.logger.Warn("room disconnected", slog.String("room_id", a.cfg.Agent.Room))
	case transports.EventReconnected:
		a.recoverRoom()
	case transports.EventParticipantJoined:
		a.handleJoin(ev.Participant)
	case transports.EventParticipantLeft:
		a.handleLeave(ev.Participant)
	case transports.EventData:
		a.dispatcher.Dispatch(ev.Participant.ID, ev.Topic, ev.Payload)
	case transports.EventAudio:
		a.handleAudio(ev)
	}
}

func (a *Agent) handleJoin(p transports.Participant) {
	if p.ID == "" || p.ID == a.cfg.Agent.Identity {
		return
	}
	a.roster.Upsert(participant.Participant{
		ID:          p.ID,
		DisplayName: p.Name,
		Role:        participant.Role(p.Role),
	})
	a.logger.Info("participant joined",
		slog.String("participant_id", p.ID),
		slog.String("role", p.Role),
		slog.Int("roster_size", a.roster.Count()))

	// Late joiners assumed normal mode until now.
	if err := a.modes.Broadcast(a.ctx); err != nil {
		a.logger.Warn("mode broadcast failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
	a.manager.Reconcile(a.ctx, "participant_joined")
}

func (a *Agent) handleLeave(p transports.Participant) {
	if _, ok := a.roster.Remove(p.ID); !ok {
		return
	}
	a.logger.Info("participant left",
		slog.String("participant_id", p.ID),
		slog.Int("roster_size", a.roster.Count()))
	a.recompute("participant_left")
}

func (a *Agent) handleAudio(ev transports.RoomEvent) {
	if ev.Participant.ID == a.cfg.Agent.Identity {
		return
	}
	if p, ok := a.roster.Get(ev.Participant.ID); ok && p.IsAgent() {
		return
	}
	a.manager.HandleAudio(a.ctx, ev.Participant.ID, ev.Audio)
}

// recoverRoom rebuilds room state after a transport reconnect. Published
// tracks did not survive on the SFU side, so every live session is recycled,
// which republishes its track and reopens the engine stream. The mode
// broadcast replaces whatever clients missed during the gap.
func (a *Agent) recoverRoom() {
	a.logger.Info("room reconnected, rebuilding",
		slog.Int("live_sessions", a.manager.Count()))
	for _, key := range a.manager.Keys() {
		a.manager.Recycle(a.ctx, key, "reconnect")
	}
	if err := a.modes.Broadcast(a.ctx); err != nil {
		a.logger.Warn("mode broadcast failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
}

func (a *Agent) recompute(reason string) {
	if _, _, err := a.modes.Recompute(a.ctx, reason); err != nil {
		a.logger.Warn("mode broadcast failed",
			slog.String("reason", reason),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
	a.manager.Reconcile(a.ctx, reason)
}

func (a *Agent) handleControl(sender, topic string, msg control.Message) {
	switch m := msg.(type) {
	case control.LanguageUpdate:
		a.handleLanguageUpdate(sender, m)
	case control.HostVADSetting, control.HostVoiceSetting,
		control.HostSilenceDurationSetting, control.HostAllowInterruptionsSetting:
		a.handleHostControl(sender, msg)
	case control.RoomModeUpdate:
		// The agent writes room_mode itself; its own broadcast loops back.
	default:
		a.logger.Debug("control ignored",
			slog.String("type", msg.MessageType()),
			slog.String("topic", topic))
	}
}

func (a *Agent) handleLanguageUpdate(sender string, m control.LanguageUpdate) {
	lang := strings.ToLower(strings.TrimSpace(m.Language))
	if lang == "" && m.Enabled {
		a.logger.Debug("language update without language", slog.String("participant_id", sender))
		return
	}
	a.roster.SetPreference(sender, lang, m.Enabled)
	a.logger.Info("language preference",
		slog.String("participant_id", sender),
		slog.String("language", lang),
		slog.Bool("enabled", m.Enabled))

	a.recompute("language_update")
	a.confirmLanguage(sender, lang, m.Enabled)
}

func (a *Agent) confirmLanguage(sender, lang string, enabled bool) {
	payload, err := control.Encode(control.LanguageConfirmed{Language: lang, Enabled: enabled})
	if err != nil {
		return
	}
	if err := a.transport.PublishDataTo(a.ctx, sender, control.TopicLanguageConfirmation, payload); err != nil {
		a.logger.Warn("language confirmation failed",
			slog.String("participant_id", sender),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
}

func (a *Agent) handleHostControl(sender string, msg control.Message) {
	p, ok := a.roster.Get(sender)
	if !ok {
		p = participant.Participant{ID: sender, Role: participant.RoleGuest}
	}
	if _, _, err := a.hostStore.Apply(a.ctx, p, msg); err != nil {
		a.logger.Debug("host control dropped",
			slog.String("participant_id", sender),
			slog.String("reason_code", string(errorsx.Reason(err))))
	}
}

// modeReconciler reconciles sessions when the controller commits a topology
// change; stale keys drain and the new topology's keys open lazily.
type modeReconciler struct{ a *Agent }

func (l modeReconciler) OnModeChange(change roommode.Change) {
	l.a.manager.Reconcile(l.a.ctx, "mode_"+string(change.To.Mode))
}

// Roster exposes the agent's participant view, for introspection.
func (a *Agent) Roster() *participant.Roster { return a.roster }

// Sessions exposes the session manager, for introspection.
func (a *Agent) Sessions() *session.Manager { return a.manager }

// Modes exposes the room mode controller.
func (a *Agent) Modes() *roommode.Controller { return a.modes }

// HostControls exposes the tuning store.
func (a *Agent) HostControls() *hostctl.Store { return a.hostStore }

// Transport exposes the underlying room transport.
func (a *Agent) Transport() transports.Transport { return a.transport }

// Config returns the agent's configuration.
func (a *Agent) Config() Config { return a.cfg }
