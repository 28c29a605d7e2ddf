package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/segstream/internal/types"
)

// RTSPSource captures frames from an RTSP stream via GStreamer, decodes
// and scales them to the working resolution, and parks the newest frame
// in the mailbox.
type RTSPSource struct {
	rtspURL   string
	width     int
	height    int
	targetFPS float64

	pipeline *gst.Pipeline
	appsink  *app.Sink

	mailbox frameMailbox
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameCount  uint64
	errors      uint64
	started     time.Time
	lastFrameAt time.Time

	maxRetries     int
	retryDelay     time.Duration
	maxRetryDelay  time.Duration
	currentRetries int
}

// RTSPConfig contains RTSP source configuration
type RTSPConfig struct {
	RTSPURL string
	Width   int
	Height  int
	FPS     float64
}

// NewRTSPSource creates a new RTSP source
func NewRTSPSource(cfg RTSPConfig) (*RTSPSource, error) {
	if cfg.RTSPURL == "" {
		return nil, fmt.Errorf("rtsp_url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}

	return &RTSPSource{
		rtspURL:       cfg.RTSPURL,
		width:         cfg.Width,
		height:        cfg.Height,
		targetFPS:     cfg.FPS,
		maxRetries:    5,
		retryDelay:    1 * time.Second,
		maxRetryDelay: 30 * time.Second,
	}, nil
}

// Start initializes GStreamer and starts the RTSP pipeline
func (s *RTSPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("source already started")
	}

	gst.Init(nil)

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()

	s.wg.Add(1)
	go s.runPipeline()

	slog.Info("rtsp source starting",
		"url", s.rtspURL,
		"resolution", fmt.Sprintf("%dx%d", s.width, s.height),
		"target_fps", s.targetFPS,
	)

	return nil
}

// HasNewFrame reports whether an undelivered frame is waiting.
func (s *RTSPSource) HasNewFrame() bool {
	return s.mailbox.has()
}

// TakeFrame removes and returns the waiting frame, if any.
func (s *RTSPSource) TakeFrame() (types.Frame, bool) {
	return s.mailbox.take()
}

// runPipeline runs the GStreamer pipeline with reconnection logic
func (s *RTSPSource) runPipeline() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			slog.Info("rtsp pipeline context cancelled")
			return
		default:
		}

		if err := s.connectAndStream(); err != nil {
			atomic.AddUint64(&s.errors, 1)
			slog.Error("rtsp pipeline error", "error", err)
		}

		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.currentRetries++
		if s.currentRetries > s.maxRetries {
			slog.Error("max retries exceeded, stopping source",
				"retries", s.currentRetries,
				"max_retries", s.maxRetries,
			)
			return
		}

		// Exponential backoff
		delay := s.retryDelay * time.Duration(1<<uint(s.currentRetries-1))
		if delay > s.maxRetryDelay {
			delay = s.maxRetryDelay
		}

		slog.Warn("reconnecting to rtsp stream",
			"retry", s.currentRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

// connectAndStream establishes the RTSP connection and streams frames
// until the pipeline errors, ends, or the context is cancelled.
func (s *RTSPSource) connectAndStream() error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.pipeline = pipeline

	// protocols=4 (TCP) for go2rtc compatibility
	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", s.rtspURL)
	rtspsrc.SetProperty("protocols", 4)
	rtspsrc.SetProperty("latency", 200)

	rtph264depay, _ := gst.NewElement("rtph264depay")
	avdec_h264, _ := gst.NewElement("avdec_h264")
	videoconvert, _ := gst.NewElement("videoconvert")
	videoscale, _ := gst.NewElement("videoscale")

	videorate, _ := gst.NewElement("videorate")
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, _ := gst.NewElement("capsfilter")

	numerator := 1
	denominator := 1
	if s.targetFPS < 1.0 {
		denominator = int(1.0 / s.targetFPS)
	} else {
		numerator = int(s.targetFPS)
	}

	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		s.width, s.height, numerator, denominator,
	))
	capsfilter.SetProperty("caps", caps)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	s.appsink = appsink

	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink)
		},
	})

	pipeline.AddMany(rtspsrc, rtph264depay, avdec_h264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	// rtspsrc has dynamic pads; the rest links statically.
	gst.ElementLinkMany(rtph264depay, avdec_h264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		slog.Debug("rtspsrc pad added", "pad", srcPad.GetName())
		sinkPad := rtph264depay.GetStaticPad("sink")
		if sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	slog.Debug("setting pipeline to playing")
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			slog.Debug("context cancelled, stopping pipeline")
			pipeline.SetState(gst.StateNull)
			return nil
		default:
		}

		// Short poll so shutdown stays responsive.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("end of stream")
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("pipeline state changed", "from", old, "to", new)

				if new == gst.StatePlaying {
					s.currentRetries = 0
					slog.Info("rtsp stream connected")
				}
			}
		}
	}
}

// onNewSample is called by GStreamer when a decoded frame is available.
func (s *RTSPSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	frame := types.Frame{
		Data:      frameData,
		Width:     s.width,
		Height:    s.height,
		Timestamp: time.Now(),
		Seq:       atomic.AddUint64(&s.frameCount, 1),
		TraceID:   uuid.New().String(),
	}

	s.lastFrameAt = time.Now()
	s.mailbox.put(frame)

	return gst.FlowOK
}

// Stop stops the RTSP source
func (s *RTSPSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return fmt.Errorf("source not started")
	}

	slog.Info("stopping rtsp source")

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("rtsp source stopped",
			"frames_received", atomic.LoadUint64(&s.frameCount),
			"uptime", time.Since(s.started),
		)
	case <-time.After(3 * time.Second):
		slog.Warn("rtsp source stop timeout, pipeline may still be running",
			"frames_received", atomic.LoadUint64(&s.frameCount),
		)
	}

	s.cancel = nil
	s.ctx = nil
	s.pipeline = nil
	s.appsink = nil

	return nil
}

// Stats returns current source statistics
func (s *RTSPSource) Stats() types.StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frameCount := atomic.LoadUint64(&s.frameCount)
	uptime := time.Since(s.started).Seconds()

	var fpsReal float64
	if uptime > 0 {
		fpsReal = float64(frameCount) / uptime
	}

	connected := s.cancel != nil && !s.lastFrameAt.IsZero() &&
		time.Since(s.lastFrameAt) < 5*time.Second

	return types.StreamStats{
		FrameCount:    frameCount,
		FramesDropped: s.mailbox.droppedCount(),
		FPSTarget:     s.targetFPS,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", s.width, s.height),
		IsConnected:   connected,
		Errors:        atomic.LoadUint64(&s.errors),
	}
}
