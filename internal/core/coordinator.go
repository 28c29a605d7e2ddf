// Package core wires the frame source, segmentation engine, overlay
// renderer and output sink into a fixed-cadence loop, and exposes the
// operator surface (control callbacks, health endpoints).
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/segstream/internal/config"
	"github.com/care/segstream/internal/control"
	"github.com/care/segstream/internal/emitter"
	"github.com/care/segstream/internal/engine"
	"github.com/care/segstream/internal/prompt"
	"github.com/care/segstream/internal/stream"
	"github.com/care/segstream/internal/types"
)

// TelemetryPublisher is the reverse path for per-inference reports.
type TelemetryPublisher interface {
	PublishTelemetry(report types.TelemetryReport) error
}

// Coordinator is the main service orchestrator. It owns the loop that
// polls for frames, decides when to run inference, renders overlays and
// publishes output every tick.
type Coordinator struct {
	cfg   *config.Config
	store *prompt.Store

	source         stream.Source
	sink           stream.Sink
	engine         engine.Engine
	emitter        *emitter.MQTTEmitter
	telemetry      TelemetryPublisher
	controlHandler *control.Handler

	// Lifecycle
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelRun context.CancelFunc

	// refreshInterval is hot-reloadable from the control plane.
	refreshInterval atomic.Int64

	// Loop state. Written only by the loop goroutine; counters are
	// atomic so status reads never race.
	state           atomic.Int32
	lastFrame       *types.Frame
	lastOverlay     *types.Frame
	placeholder     *types.Frame
	frameTicks      uint64
	tickCount       atomic.Uint64
	inferenceCount  atomic.Uint64
	engineFailures  atomic.Uint64
	publishCount    atomic.Uint64
	publishFailures atomic.Uint64
}

// NewCoordinator creates a coordinator from a config file. Transports and
// the engine are constructed lazily in Run so a failed start leaves
// nothing behind.
func NewCoordinator(configPath string) (*Coordinator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"resolution", cfg.Video.Resolution,
	)

	em := emitter.NewMQTTEmitter(cfg)

	c := &Coordinator{
		cfg:       cfg,
		store:     prompt.NewStore(),
		emitter:   em,
		telemetry: em,
	}
	c.refreshInterval.Store(int64(cfg.Loop.RefreshInterval))
	c.state.Store(int32(stateIdle))

	return c, nil
}

// Run starts all components and blocks in the tick loop until the context
// is cancelled or a component fails to start.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	c.isRunning = true
	c.started = time.Now()
	c.mu.Unlock()

	// Cancellable so the MQTT shutdown command can stop the service.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()

	slog.Info("segstream service starting", "instance_id", c.cfg.InstanceID)

	width, height := c.cfg.Resolution()

	// Frame source: RTSP if configured, mock otherwise.
	if c.cfg.Video.RTSPURL != "" {
		src, err := stream.NewRTSPSource(stream.RTSPConfig{
			RTSPURL: c.cfg.Video.RTSPURL,
			Width:   width,
			Height:  height,
			FPS:     c.cfg.Video.FPS,
		})
		if err != nil {
			return fmt.Errorf("failed to create rtsp source: %w", err)
		}
		c.source = src
		slog.Info("using rtsp source", "url", c.cfg.Video.RTSPURL)
	} else {
		c.source = stream.NewMockSource(width, height, c.cfg.Video.FPS)
		slog.Info("using mock source (no rtsp_url configured)")
	}

	// Output sink: shared memory if configured, mock otherwise.
	if c.cfg.Video.ShmSocket != "" {
		sink, err := stream.NewShmSink(stream.ShmConfig{
			SocketPath: c.cfg.Video.ShmSocket,
			Width:      width,
			Height:     height,
			FPS:        c.cfg.Video.FPS,
		})
		if err != nil {
			return fmt.Errorf("failed to create shm sink: %w", err)
		}
		c.sink = sink
		slog.Info("using shm sink", "socket", c.cfg.Video.ShmSocket)
	} else {
		c.sink = stream.NewMockSink()
		slog.Info("using mock sink (no shm_socket configured)")
	}

	eng, err := engine.NewPythonEngine(c.cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	c.engine = eng

	if err := c.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}
	if err := c.sink.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}
	if err := c.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if err := c.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	c.controlHandler = control.NewHandler(c.cfg, c.emitter.Client, c.store, control.Callbacks{
		OnGetStatus:          c.getStatus,
		OnSetRefreshInterval: c.setRefreshInterval,
		OnShutdown:           c.shutdownViaControl,
	})
	if err := c.controlHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	slog.Info("segstream service running",
		"tick_interval_ms", c.cfg.Loop.TickIntervalMS,
		"refresh_interval", c.refreshInterval.Load(),
	)

	c.runLoop(ctx)

	slog.Info("segstream service run loop exiting")
	return nil
}

// runLoop drives the fixed-cadence tick loop until the context ends.
func (c *Coordinator) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.Loop.TickIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// Shutdown performs graceful shutdown of all components
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	slog.Info("shutting down segstream service")

	// Order matters: stop accepting control messages first and join the
	// listener, then release the engine and transports, MQTT last so the
	// final telemetry can still leave.
	if c.controlHandler != nil {
		if err := c.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}
	if c.engine != nil {
		if err := c.engine.Stop(); err != nil {
			slog.Error("failed to stop engine", "error", err)
		}
	}
	if c.source != nil {
		if err := c.source.Stop(); err != nil {
			slog.Error("failed to stop source", "error", err)
		}
	}
	if c.sink != nil {
		if err := c.sink.Stop(); err != nil {
			slog.Error("failed to stop sink", "error", err)
		}
	}

	c.wg.Wait()

	if c.emitter != nil {
		if err := c.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	c.mu.Lock()
	uptime := time.Since(c.started)
	c.isRunning = false
	c.mu.Unlock()

	slog.Info("segstream service shutdown complete",
		"uptime", uptime,
		"ticks", c.tickCount.Load(),
		"inferences", c.inferenceCount.Load(),
	)

	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (c *Coordinator) ShutdownTimeout() time.Duration {
	timeout := time.Duration(c.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// getStatus is the get_status control callback.
func (c *Coordinator) getStatus() map[string]interface{} {
	c.mu.RLock()
	running := c.isRunning
	started := c.started
	c.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id":      c.cfg.InstanceID,
		"running":          running,
		"uptime_s":         time.Since(started).Seconds(),
		"state":            loopState(c.state.Load()).String(),
		"ticks":            c.tickCount.Load(),
		"inferences":       c.inferenceCount.Load(),
		"engine_failures":  c.engineFailures.Load(),
		"publishes":        c.publishCount.Load(),
		"refresh_interval": c.refreshInterval.Load(),
		"mode":             string(c.store.Snapshot().Mode),
	}

	if c.source != nil {
		stats := c.source.Stats()
		status["source"] = map[string]interface{}{
			"connected":      stats.IsConnected,
			"frames":         stats.FrameCount,
			"frames_dropped": stats.FramesDropped,
			"fps_real":       stats.FPSReal,
			"resolution":     stats.Resolution,
		}
	}

	return status
}

// setRefreshInterval is the set_refresh_interval control callback.
func (c *Coordinator) setRefreshInterval(ticks int) error {
	if ticks < 1 {
		return fmt.Errorf("refresh interval must be at least 1 tick (got %d)", ticks)
	}

	old := c.refreshInterval.Swap(int64(ticks))
	slog.Info("refresh interval updated", "old", old, "new", ticks)
	return nil
}

// shutdownViaControl is the shutdown control callback.
func (c *Coordinator) shutdownViaControl() error {
	c.mu.RLock()
	cancel := c.cancelRun
	c.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("service not running")
	}

	slog.Info("shutdown requested via control plane")
	cancel()
	return nil
}
