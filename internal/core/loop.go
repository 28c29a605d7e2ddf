package core

import (
	"log/slog"
	"time"

	"github.com/care/segstream/internal/overlay"
	"github.com/care/segstream/internal/prompt"
	"github.com/care/segstream/internal/types"
)

// loopState tracks where the coordinator is in its inference cycle.
type loopState int32

const (
	// stateIdle: no inference has run yet.
	stateIdle loopState = iota
	// stateComputing: an inference is in flight on the loop goroutine.
	stateComputing
	// stateCached: the last overlay is being republished until the next
	// trigger.
	stateCached
)

func (s loopState) String() string {
	switch s {
	case stateComputing:
		return "computing"
	case stateCached:
		return "cached"
	default:
		return "idle"
	}
}

// tick runs one loop iteration: poll for a frame, decide whether to run
// inference, and publish exactly one output frame.
//
// Freeze semantics: when no new frame arrived, the previous frame stays
// current. Inference triggers (a dirty prompt, the periodic refresh)
// operate on whatever frame is current, fresh or frozen.
func (c *Coordinator) tick() {
	tickNum := c.tickCount.Add(1)

	if frame, ok := c.source.TakeFrame(); ok {
		c.lastFrame = &frame
	}

	// Before the very first frame there is nothing to segment; keep the
	// output alive with black.
	if c.lastFrame == nil {
		c.publish(c.placeholderFrame())
		return
	}
	frame := *c.lastFrame

	// The periodic trigger fires on frame ticks 0, N, 2N, ... so the very
	// first frame is segmented immediately; dirty prompts trigger in
	// between without disturbing the cadence.
	dirty := c.store.ConsumeDirty()
	triggered := dirty || c.frameTicks%uint64(c.refreshInterval.Load()) == 0
	c.frameTicks++

	out := frame
	if c.lastOverlay != nil {
		out = *c.lastOverlay
	}

	if triggered {
		out = c.runInference(frame)
		c.lastOverlay = &out
	}

	c.publish(out)

	if interval := c.cfg.Loop.StatusInterval; interval > 0 && tickNum%uint64(interval) == 0 {
		c.logStatus(tickNum)
	}
}

// runInference executes one inference cycle against the current frame and
// publishes a telemetry report. Engine failure downgrades the tick to
// pass-through: the raw frame goes out and the report carries zero masks.
func (c *Coordinator) runInference(frame types.Frame) types.Frame {
	c.state.Store(int32(stateComputing))
	defer c.state.Store(int32(stateCached))

	snap := c.store.Snapshot()

	out, results, err := c.infer(frame, snap)
	if err != nil {
		c.engineFailures.Add(1)
		slog.Error("inference failed, passing frame through",
			"error", err,
			"seq", frame.Seq,
			"mode", snap.Mode,
		)
		out = frame
		results = nil
	} else {
		c.inferenceCount.Add(1)
	}

	report := types.TelemetryReport{
		MaskCount: len(results),
		Seq:       frame.Seq,
		Mode:      string(snap.Mode),
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
	for i, r := range results {
		report.Masks = append(report.Masks, types.MaskStat{
			Index: i,
			Score: r.Score,
			Area:  r.Mask.NormalizedArea(),
		})
	}

	if c.telemetry != nil {
		if err := c.telemetry.PublishTelemetry(report); err != nil {
			slog.Warn("telemetry publish failed", "error", err)
		}
	}

	return out
}

// infer runs the engine under the mode policy and renders the overlay.
// Auto mode is a pass-through extension point; point and box modes with
// no usable prompt skip the engine and return the frame unchanged.
func (c *Coordinator) infer(frame types.Frame, snap prompt.Snapshot) (types.Frame, []types.MaskResult, error) {
	switch snap.Mode {
	case prompt.ModeAuto:
		return frame, nil, nil
	case prompt.ModePoint:
		if len(snap.Points) == 0 {
			return frame, nil, nil
		}
	case prompt.ModeBox:
		if snap.Box == nil {
			return frame, nil, nil
		}
	}

	if err := c.engine.SetImage(frame); err != nil {
		return frame, nil, err
	}
	results, err := c.engine.Predict(snap)
	if err != nil {
		return frame, nil, err
	}

	out := frame.Clone()
	if best := bestMask(results); best != nil {
		color := overlay.ColorPositive
		if snap.Mode == prompt.ModeBox {
			color = overlay.ColorBox
		}
		out = overlay.Composite(frame, best.Mask, color)
	}

	if snap.Mode == prompt.ModePoint {
		overlay.DrawPoints(&out, snap.Points)
	}
	if snap.Mode == prompt.ModeBox && snap.Box != nil {
		overlay.DrawBox(&out, *snap.Box)
	}

	return out, results, nil
}

// bestMask returns the highest-scoring result, or nil when there are none.
func bestMask(results []types.MaskResult) *types.MaskResult {
	var best *types.MaskResult
	for i := range results {
		if best == nil || results[i].Score > best.Score {
			best = &results[i]
		}
	}
	return best
}

// placeholderFrame lazily builds and caches the black startup frame.
func (c *Coordinator) placeholderFrame() types.Frame {
	if c.placeholder == nil {
		width, height := c.cfg.Resolution()
		f := overlay.Placeholder(width, height)
		c.placeholder = &f
	}
	return *c.placeholder
}

func (c *Coordinator) publish(frame types.Frame) {
	if err := c.sink.Publish(frame); err != nil {
		c.publishFailures.Add(1)
		slog.Warn("output publish failed", "error", err, "seq", frame.Seq)
		return
	}
	c.publishCount.Add(1)
}

// logStatus emits the periodic heartbeat line.
func (c *Coordinator) logStatus(tickNum uint64) {
	stats := c.source.Stats()
	slog.Info("coordinator status",
		"tick", tickNum,
		"state", loopState(c.state.Load()).String(),
		"inferences", c.inferenceCount.Load(),
		"engine_failures", c.engineFailures.Load(),
		"publishes", c.publishCount.Load(),
		"publish_failures", c.publishFailures.Load(),
		"source_frames", stats.FrameCount,
		"source_dropped", stats.FramesDropped,
		"source_fps", stats.FPSReal,
		"mode", string(c.store.Snapshot().Mode),
	)
}
