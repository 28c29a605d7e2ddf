package core

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/care/segstream/internal/config"
	"github.com/care/segstream/internal/prompt"
	"github.com/care/segstream/internal/stream"
	"github.com/care/segstream/internal/types"
)

// fakeSource hands out exactly the frames a test pushes.
type fakeSource struct {
	mu    sync.Mutex
	frame *types.Frame
}

func (f *fakeSource) Start(ctx context.Context) error { return nil }
func (f *fakeSource) Stop() error                     { return nil }
func (f *fakeSource) Stats() types.StreamStats        { return types.StreamStats{IsConnected: true} }

func (f *fakeSource) HasNewFrame() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame != nil
}

func (f *fakeSource) TakeFrame() (types.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frame == nil {
		return types.Frame{}, false
	}
	frame := *f.frame
	f.frame = nil
	return frame, true
}

func (f *fakeSource) push(frame types.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = &frame
}

// fakeEngine records calls and serves canned results.
type fakeEngine struct {
	setImageSeqs []uint64
	predictCalls int
	lastSnap     prompt.Snapshot
	results      []types.MaskResult
	err          error
}

func (f *fakeEngine) Start(ctx context.Context) error { return nil }
func (f *fakeEngine) Stop() error                     { return nil }

func (f *fakeEngine) SetImage(frame types.Frame) error {
	if f.err != nil {
		return f.err
	}
	f.setImageSeqs = append(f.setImageSeqs, frame.Seq)
	return nil
}

func (f *fakeEngine) Predict(snap prompt.Snapshot) ([]types.MaskResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.predictCalls++
	f.lastSnap = snap
	return f.results, nil
}

// fakeTelemetry records published reports.
type fakeTelemetry struct {
	reports []types.TelemetryReport
}

func (f *fakeTelemetry) PublishTelemetry(report types.TelemetryReport) error {
	f.reports = append(f.reports, report)
	return nil
}

func newTestCoordinator(eng *fakeEngine) (*Coordinator, *fakeSource, *stream.MockSink, *fakeTelemetry) {
	cfg := &config.Config{InstanceID: "test"}
	cfg.Video.Resolution = "512p"
	cfg.Loop.RefreshInterval = 30

	src := &fakeSource{}
	sink := stream.NewMockSink()
	tel := &fakeTelemetry{}

	c := &Coordinator{
		cfg:       cfg,
		store:     prompt.NewStore(),
		source:    src,
		sink:      sink,
		engine:    eng,
		telemetry: tel,
	}
	c.refreshInterval.Store(int64(cfg.Loop.RefreshInterval))
	c.state.Store(int32(stateIdle))
	c.started = time.Now()

	return c, src, sink, tel
}

func grayTestFrame(seq uint64, w, h int, v byte) types.Frame {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = v
	}
	return types.Frame{Seq: seq, Timestamp: time.Now(), Width: w, Height: h, Data: data}
}

func maskWith(w, h int, idx ...int) types.Mask {
	m := types.Mask{Width: w, Height: h, Pix: make([]byte, w*h)}
	for _, i := range idx {
		m.Pix[i] = 1
	}
	return m
}

func TestPlaceholderOnlyBeforeFirstFrame(t *testing.T) {
	c, src, sink, _ := newTestCoordinator(&fakeEngine{})

	c.tick()
	c.tick()

	last, ok := sink.Last()
	if !ok {
		t.Fatal("nothing published")
	}
	if last.Width != 640 || last.Height != 512 {
		t.Fatalf("placeholder is %dx%d, want working resolution 640x512", last.Width, last.Height)
	}
	if !bytes.Equal(last.Data, make([]byte, len(last.Data))) {
		t.Error("placeholder is not black")
	}

	// Once a real frame arrives the placeholder never comes back, even if
	// the source goes quiet again.
	src.push(grayTestFrame(1, 4, 4, 100))
	c.tick()
	c.tick()

	last, _ = sink.Last()
	if last.Seq != 1 || last.Data[0] != 100 {
		t.Errorf("expected frozen real frame after source went quiet, got seq=%d", last.Seq)
	}
	if sink.Published() != 4 {
		t.Errorf("published %d frames over 4 ticks, want 4", sink.Published())
	}
}

func TestFirstFrameTickRunsInference(t *testing.T) {
	eng := &fakeEngine{}
	c, src, _, tel := newTestCoordinator(eng)

	c.store.SetMode(prompt.ModeBox)
	c.store.SetBox(1, 1, 3, 3)
	c.store.ConsumeDirty() // drain so only the periodic trigger remains

	src.push(grayTestFrame(1, 4, 4, 100))
	c.tick()

	if eng.predictCalls != 1 {
		t.Fatalf("predict calls on first frame tick = %d, want 1", eng.predictCalls)
	}
	if len(tel.reports) != 1 {
		t.Errorf("telemetry reports = %d, want 1", len(tel.reports))
	}
}

func TestDirtyPromptTriggersInference(t *testing.T) {
	eng := &fakeEngine{}
	c, src, _, _ := newTestCoordinator(eng)

	src.push(grayTestFrame(1, 4, 4, 100))
	c.tick() // frame tick 0: periodic trigger, auto mode, engine untouched

	if eng.predictCalls != 0 {
		t.Fatalf("auto mode called the engine %d times", eng.predictCalls)
	}

	c.store.SetMode(prompt.ModeBox)
	c.store.SetBox(1, 1, 3, 3)
	c.tick() // frame tick 1: not periodic, dirty prompt triggers

	if eng.predictCalls != 1 {
		t.Fatalf("predict calls = %d, want 1", eng.predictCalls)
	}
	if len(eng.setImageSeqs) != 1 || eng.setImageSeqs[0] != 1 {
		t.Errorf("SetImage seqs = %v, want [1]", eng.setImageSeqs)
	}
}

func TestDirtyConsumedAtMostOnce(t *testing.T) {
	eng := &fakeEngine{}
	c, src, _, _ := newTestCoordinator(eng)

	src.push(grayTestFrame(1, 4, 4, 100))
	c.tick() // consumes frame tick 0

	c.store.SetMode(prompt.ModeBox)
	c.store.SetBox(1, 1, 3, 3)
	c.tick()
	c.tick()
	c.tick()

	if eng.predictCalls != 1 {
		t.Errorf("one mutation batch caused %d inferences, want 1", eng.predictCalls)
	}
}

func TestPeriodicRefreshEveryNTicks(t *testing.T) {
	eng := &fakeEngine{}
	c, src, sink, tel := newTestCoordinator(eng)

	c.store.SetMode(prompt.ModeBox)
	c.store.SetBox(1, 1, 3, 3)
	c.store.ConsumeDirty()

	src.push(grayTestFrame(1, 4, 4, 100))
	for i := 0; i < 90; i++ {
		c.tick()
	}

	// Frame ticks 0, 30, 60.
	if eng.predictCalls != 3 {
		t.Errorf("predict calls over 90 ticks = %d, want 3 (ticks 0,30,60)", eng.predictCalls)
	}
	// Output goes out every tick, telemetry only on inference ticks.
	if sink.Published() != 90 {
		t.Errorf("published = %d, want 90", sink.Published())
	}
	if len(tel.reports) != 3 {
		t.Errorf("telemetry reports = %d, want 3", len(tel.reports))
	}
}

func TestRefreshIntervalHotReload(t *testing.T) {
	eng := &fakeEngine{}
	c, src, _, _ := newTestCoordinator(eng)

	if err := c.setRefreshInterval(0); err == nil {
		t.Error("interval 0 accepted")
	}
	if err := c.setRefreshInterval(10); err != nil {
		t.Fatalf("setRefreshInterval(10): %v", err)
	}

	c.store.SetMode(prompt.ModeBox)
	c.store.SetBox(1, 1, 3, 3)
	c.store.ConsumeDirty()

	src.push(grayTestFrame(1, 4, 4, 100))
	for i := 0; i < 30; i++ {
		c.tick()
	}
	// Frame ticks 0, 10, 20.
	if eng.predictCalls != 3 {
		t.Errorf("predict calls over 30 ticks at interval 10 = %d, want 3", eng.predictCalls)
	}
}

func TestFrozenFrameUsedForInference(t *testing.T) {
	eng := &fakeEngine{}
	c, src, _, _ := newTestCoordinator(eng)

	src.push(grayTestFrame(7, 4, 4, 100))
	c.tick() // auto mode, no engine call

	// Source goes quiet; a dirty prompt must still run against frame 7.
	c.store.SetMode(prompt.ModeBox)
	c.store.SetBox(1, 1, 3, 3)
	c.tick()

	if len(eng.setImageSeqs) != 1 || eng.setImageSeqs[0] != 7 {
		t.Errorf("SetImage seqs = %v, want frozen frame [7]", eng.setImageSeqs)
	}
}

func TestAutoModeIsPassThrough(t *testing.T) {
	eng := &fakeEngine{
		results: []types.MaskResult{{Mask: maskWith(4, 4, 0), Score: 0.9}},
	}
	c, src, sink, tel := newTestCoordinator(eng)

	frame := grayTestFrame(1, 4, 4, 100)
	src.push(frame)
	c.tick() // frame tick 0: triggered, auto mode

	if eng.predictCalls != 0 {
		t.Errorf("auto mode called the engine %d times, want 0", eng.predictCalls)
	}
	out, _ := sink.Last()
	if !bytes.Equal(out.Data, frame.Data) {
		t.Error("auto mode did not pass the raw frame through")
	}
	if len(tel.reports) != 1 || tel.reports[0].MaskCount != 0 {
		t.Errorf("telemetry = %+v, want one zero-mask report", tel.reports)
	}
}

func TestHighestScoringMaskComposited(t *testing.T) {
	eng := &fakeEngine{
		results: []types.MaskResult{
			{Mask: maskWith(32, 32, 2), Score: 0.4},
			{Mask: maskWith(32, 32, 0), Score: 0.9},
		},
	}
	c, src, sink, tel := newTestCoordinator(eng)

	c.store.SetMode(prompt.ModePoint)
	c.store.AddPoint(16, 16, 1)
	c.store.AddPoint(20, 20, 1)

	src.push(grayTestFrame(1, 32, 32, 100))
	c.tick()

	out, _ := sink.Last()
	// Pixel 0 belongs to the winning mask (far from any marker): blended
	// with green.
	if got := out.Data[1]; got != 100/2+255/2 {
		t.Errorf("winning mask pixel G = %d, want blended %d", got, 100/2+255/2)
	}
	// Pixel 2 belongs only to the losing mask: untouched.
	if got := out.Data[2*3]; got != 100 {
		t.Errorf("losing mask pixel R = %d, want 100", got)
	}

	if len(tel.reports) != 1 || tel.reports[0].MaskCount != 2 {
		t.Fatalf("telemetry = %+v, want 1 report with 2 masks", tel.reports)
	}
	if tel.reports[0].Masks[1].Score != 0.9 {
		t.Errorf("mask[1] score = %v, want 0.9", tel.reports[0].Masks[1].Score)
	}
}

func TestEngineFailureDowngradesToPassThrough(t *testing.T) {
	eng := &fakeEngine{err: errors.New("worker crashed")}
	c, src, sink, tel := newTestCoordinator(eng)

	c.store.SetMode(prompt.ModeBox)
	c.store.SetBox(1, 1, 3, 3)

	frame := grayTestFrame(3, 4, 4, 80)
	src.push(frame)
	c.tick()

	out, _ := sink.Last()
	if !bytes.Equal(out.Data, frame.Data) {
		t.Error("failed inference did not pass the raw frame through")
	}
	if len(tel.reports) != 1 || tel.reports[0].MaskCount != 0 {
		t.Errorf("telemetry after failure = %+v, want one zero-mask report", tel.reports)
	}
	if c.engineFailures.Load() != 1 {
		t.Errorf("engineFailures = %d, want 1", c.engineFailures.Load())
	}
}

func TestPointModeWithoutPointsSkipsEngine(t *testing.T) {
	eng := &fakeEngine{}
	c, src, _, tel := newTestCoordinator(eng)

	c.store.SetMode(prompt.ModePoint) // dirties the store, clears prompts
	src.push(grayTestFrame(1, 4, 4, 100))
	c.tick()

	if eng.predictCalls != 0 {
		t.Errorf("predict called %d times with no points, want 0", eng.predictCalls)
	}
	// The triggered tick still reports: zero masks.
	if len(tel.reports) != 1 || tel.reports[0].MaskCount != 0 {
		t.Errorf("telemetry = %+v, want one zero-mask report", tel.reports)
	}
	if tel.reports[0].Mode != "point" {
		t.Errorf("report mode = %q, want point", tel.reports[0].Mode)
	}
}

func TestPointModeDrawsMarkers(t *testing.T) {
	eng := &fakeEngine{
		results: []types.MaskResult{{Mask: maskWith(32, 32), Score: 0.8}},
	}
	c, src, sink, _ := newTestCoordinator(eng)

	c.store.SetMode(prompt.ModePoint)
	c.store.AddPoint(16, 16, 1)

	src.push(grayTestFrame(1, 32, 32, 0))
	c.tick()

	out, _ := sink.Last()
	o := (16*32 + 16) * 3
	if out.Data[o] != 0 || out.Data[o+1] != 255 || out.Data[o+2] != 0 {
		t.Errorf("point marker pixel = (%d,%d,%d), want green",
			out.Data[o], out.Data[o+1], out.Data[o+2])
	}
	if len(eng.lastSnap.Points) != 1 || eng.lastSnap.Points[0].X != 16 {
		t.Errorf("engine snapshot points = %+v", eng.lastSnap.Points)
	}
}

func TestBoxModeDrawsOutline(t *testing.T) {
	eng := &fakeEngine{
		results: []types.MaskResult{{Mask: maskWith(32, 32), Score: 0.8}},
	}
	c, src, sink, _ := newTestCoordinator(eng)

	c.store.SetMode(prompt.ModeBox)
	c.store.SetBox(4, 4, 20, 20)

	src.push(grayTestFrame(1, 32, 32, 0))
	c.tick()

	out, _ := sink.Last()
	o := (4*32 + 10) * 3 // top edge of the outline
	if out.Data[o] != 0 || out.Data[o+1] != 255 || out.Data[o+2] != 255 {
		t.Errorf("box outline pixel = (%d,%d,%d), want cyan",
			out.Data[o], out.Data[o+1], out.Data[o+2])
	}
	if eng.lastSnap.Box == nil || eng.lastSnap.Box.X2 != 20 {
		t.Errorf("engine snapshot box = %+v", eng.lastSnap.Box)
	}
}

func TestCachedOverlayRepublishedBetweenInferences(t *testing.T) {
	eng := &fakeEngine{
		results: []types.MaskResult{{Mask: maskWith(4, 4, 0, 1, 2, 3), Score: 0.9}},
	}
	c, src, sink, _ := newTestCoordinator(eng)

	c.store.SetMode(prompt.ModeBox)
	c.store.SetBox(0, 0, 3, 3)

	src.push(grayTestFrame(1, 4, 4, 100))
	c.tick()
	overlayFrame, _ := sink.Last()

	// Untriggered ticks republish the cached overlay unchanged.
	c.tick()
	c.tick()
	last, _ := sink.Last()
	if !bytes.Equal(last.Data, overlayFrame.Data) {
		t.Error("cached overlay changed between inferences")
	}
}

func TestStateTransitions(t *testing.T) {
	eng := &fakeEngine{}
	c, src, _, _ := newTestCoordinator(eng)

	if got := loopState(c.state.Load()); got != stateIdle {
		t.Errorf("initial state = %v, want idle", got)
	}

	src.push(grayTestFrame(1, 4, 4, 100))
	c.tick()

	if got := loopState(c.state.Load()); got != stateCached {
		t.Errorf("state after inference tick = %v, want cached", got)
	}
}

func TestGetStatusShape(t *testing.T) {
	c, src, _, _ := newTestCoordinator(&fakeEngine{})
	src.push(grayTestFrame(1, 4, 4, 100))
	c.tick()

	status := c.getStatus()
	for _, key := range []string{"instance_id", "state", "ticks", "inferences", "refresh_interval", "mode", "source"} {
		if _, ok := status[key]; !ok {
			t.Errorf("status missing %q", key)
		}
	}
	if status["mode"] != "auto" {
		t.Errorf("mode = %v, want auto", status["mode"])
	}
}
