package control

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/traduki/pkg/logging"
	"github.com/harunnryd/traduki/pkg/metrics"
)

// Handler consumes one decoded message from one sender. Invocations are
// serialized per sender in arrival order; different senders run concurrently.
type Handler func(sender, topic string, msg Message)

type DispatcherOptions struct {
	QueueSize int
}

// Dispatcher fans incoming data-channel payloads out to per-sender lanes.
// The transport guarantees ordered delivery per sender; one goroutine per
// sender keeps that guarantee through decode and handling without letting
// a slow handler for one participant stall the rest of the room.
type Dispatcher struct {
	handler   Handler
	logger    *slog.Logger
	queueSize int
	obs       metrics.Observer

	mu     sync.Mutex
	lanes  map[string]chan task
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
}

type task struct {
	topic   string
	payload []byte
}

func NewDispatcher(handler Handler, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handler:   handler,
		logger:    logging.NewComponentLogger(logger, "control_dispatcher"),
		queueSize: opts.QueueSize,
		lanes:     make(map[string]chan task),
	}
}

// SetObserver attaches a metrics sink for decoded message counts.
func (d *Dispatcher) SetObserver(obs metrics.Observer) { d.obs = obs }

// Dispatch enqueues a raw payload for the sender's lane. It never blocks the
// caller; when a lane backs up, the newest payload is dropped and counted.
func (d *Dispatcher) Dispatch(sender, topic string, payload []byte) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	lane, ok := d.lanes[sender]
	if !ok {
		lane = make(chan task, d.queueSize)
		d.lanes[sender] = lane
		d.wg.Add(1)
		go d.run(sender, lane)
	}
	// The send happens under the lock so Close cannot close the lane
	// between the lookup and the send. It cannot block: the select has a
	// default and lane goroutines never take this mutex.
	select {
	case lane <- task{topic: topic, payload: payload}:
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		d.dropped.Add(1)
		d.logger.Warn("control_lane_full",
			slog.String("sender", sender),
			slog.String("topic", topic))
	}
}

func (d *Dispatcher) run(sender string, lane chan task) {
	defer d.wg.Done()
	for t := range lane {
		msg, err := Decode(t.payload)
		if err != nil {
			d.logger.Debug("control_decode_error",
				slog.String("sender", sender),
				slog.String("topic", t.topic),
				slog.String("error", err.Error()))
			continue
		}
		if _, unknown := msg.(Unknown); unknown {
			d.logger.Debug("control_unknown_type",
				slog.String("sender", sender),
				slog.String("type", msg.MessageType()))
			continue
		}
		if d.obs != nil {
			d.obs.RecordEvent(metrics.MetricsEvent{
				Name: "control_message",
				Time: time.Now(),
				Tags: map[string]string{
					"message_type": msg.MessageType(),
					"topic":        t.topic,
				},
			})
		}
		d.handler(sender, t.topic, msg)
	}
}

// Dropped reports how many payloads were shed due to lane backpressure.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops all lanes after draining queued work.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
