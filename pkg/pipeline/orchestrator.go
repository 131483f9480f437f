package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/metrics"
	"github.com/harunnryd/traduki/pkg/priority"
)

// Audio older than this is discarded rather than synthesized late.
const maxAudioLag = 500 * time.Millisecond

// orchestrator runs every stage on its own goroutine, connected by
// buffered lanes. Input first crosses a priority queue so control
// frames overtake queued audio.
type orchestrator struct {
	in     chan frames.Frame
	out    chan frames.Frame
	pq     *priority.PriorityQueue
	stages []FrameProcessor
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	obs    metrics.Observer
}

func New(cfg Config, stages ...FrameProcessor) Orchestrator {
	o := &orchestrator{
		in:     make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		out:    make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		pq:     priority.New(cfg.HighCapacity, cfg.LowCapacity, cfg.FairnessRatio),
		stages: stages,
		cfg:    cfg,
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	if len(stages) > 0 {
		names := make([]string, 0, len(stages))
		for _, s := range stages {
			names = append(names, s.Name())
		}
		slog.Info("pipeline", "order", strings.Join(names, " -> "))
	}
	return o
}

func (o *orchestrator) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
}

func (o *orchestrator) In() chan frames.Frame            { return o.in }
func (o *orchestrator) Out() chan frames.Frame           { return o.out }
func (o *orchestrator) SetObserver(obs metrics.Observer) { o.obs = obs }

func (o *orchestrator) Start() error {
	lanes := make([]chan frames.Frame, len(o.stages)+1)
	for i := range lanes {
		lanes[i] = make(chan frames.Frame, o.cfg.StageBuffer)
	}
	go o.intake()
	go o.schedule(lanes[0])
	for i, stage := range o.stages {
		go o.runStage(stage, lanes[i], lanes[i+1])
	}
	go o.deliver(lanes[len(lanes)-1])
	return nil
}

func (o *orchestrator) Stop() error {
	o.cancel()
	// allow goroutines to exit and drain
	time.Sleep(5 * time.Millisecond)
	close(o.out)
	return nil
}

// intake routes incoming frames into the priority queue.
func (o *orchestrator) intake() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-o.in:
			var queued bool
			if f.Kind() == frames.KindControl {
				queued = o.pq.TryPushHigh(f)
			} else {
				queued = o.pq.TryPushLow(f)
			}
			if !queued {
				o.discard(f)
			}
			o.record("frame_in", f)
		}
	}
}

// schedule pops the queue in fairness order and feeds the first lane.
func (o *orchestrator) schedule(first chan frames.Frame) {
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		popped, ok := o.pq.Pop()
		if !ok {
			continue
		}
		o.forward(first, popped.(frames.Frame))
	}
}

func (o *orchestrator) runStage(stage FrameProcessor, in, out chan frames.Frame) {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-in:
			start := time.Now()
			results, err := stage.Process(f)
			if err != nil || results == nil {
				frames.ReleaseAudioFrame(f)
				continue
			}
			o.recordStage(stage.Name(), f, start)
			for _, r := range results {
				o.forward(out, r)
			}
		}
	}
}

func (o *orchestrator) deliver(last chan frames.Frame) {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-last:
			o.record("frame_out", f)
			o.forward(o.out, f)
		}
	}
}

// forward hands a frame to the next lane without blocking. Stale audio
// and frames that find the lane full are discarded so one slow stage
// cannot stall the rest of the pipeline.
func (o *orchestrator) forward(ch chan frames.Frame, f frames.Frame) {
	if staleAudio(f) {
		o.discard(f)
		return
	}
	select {
	case ch <- f:
	default:
		o.discard(f)
	}
}

func (o *orchestrator) discard(f frames.Frame) {
	frames.ReleaseAudioFrame(f)
	o.record("frame_drop", f)
}

func (o *orchestrator) record(name string, f frames.Frame) {
	if o.obs == nil {
		return
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: frameTags(f),
	})
}

func (o *orchestrator) recordStage(name string, f frames.Frame, start time.Time) {
	if o.obs == nil {
		return
	}
	tags := frameTags(f)
	tags["processor"] = name
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "stage_latency_us",
		Time:  time.Now(),
		Value: float64(time.Since(start).Microseconds()),
		Tags:  tags,
	})
}

func frameTags(f frames.Frame) map[string]string {
	tags := make(map[string]string, 6)
	if f == nil {
		return tags
	}
	tags["kind"] = string(f.Kind())
	meta := f.Meta()
	if meta != nil {
		tags[frames.MetaStreamID] = meta[frames.MetaStreamID]
		tags[frames.MetaTraceID] = meta[frames.MetaTraceID]
		tags[frames.MetaSessionKey] = meta[frames.MetaSessionKey]
		if source := meta[frames.MetaSource]; source != "" {
			tags["source"] = source
		}
	}
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		tags["control_code"] = string(cf.Code())
		if meta != nil {
			if reason := meta[frames.MetaReason]; reason != "" {
				tags["control_reason"] = reason
			}
		}
	case frames.KindSystem:
		if name := f.(frames.SystemFrame).Name(); name != "" {
			tags["system_name"] = name
		}
	}
	return tags
}

// staleAudio reports whether an audio frame's wall-clock PTS lags more
// than maxAudioLag behind now. Frames with synthetic PTS values (below
// plausible unix-nano range) are never stale.
func staleAudio(f frames.Frame) bool {
	if f == nil || f.Kind() != frames.KindAudio {
		return false
	}
	pts := f.PTS()
	if pts < 1_000_000_000_000 {
		return false
	}
	return time.Since(time.Unix(0, pts)) > maxAudioLag
}
