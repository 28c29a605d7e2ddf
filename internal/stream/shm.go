package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/segstream/internal/types"
)

// ShmSink publishes composited frames to a shared-memory socket via
// GStreamer, so local consumers (compositors, recorders) can attach with
// a plain shmsrc.
type ShmSink struct {
	socketPath string
	width      int
	height     int
	fps        float64

	pipeline *gst.Pipeline
	appsrc   *app.Source

	mu        sync.Mutex
	running   bool
	published uint64
	errors    uint64
}

// ShmConfig contains shared-memory sink configuration
type ShmConfig struct {
	SocketPath string
	Width      int
	Height     int
	FPS        float64
}

// NewShmSink creates a new shared-memory sink
func NewShmSink(cfg ShmConfig) (*ShmSink, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("shm socket path is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}

	return &ShmSink{
		socketPath: cfg.SocketPath,
		width:      cfg.Width,
		height:     cfg.Height,
		fps:        cfg.FPS,
	}, nil
}

// Start builds the appsrc → videoconvert → shmsink pipeline and sets it
// playing.
func (s *ShmSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sink already started")
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.pipeline = pipeline

	appsrc, err := app.NewAppSrc()
	if err != nil {
		return fmt.Errorf("failed to create appsrc: %w", err)
	}
	s.appsrc = appsrc

	fpsNum := int(s.fps)
	if fpsNum < 1 {
		fpsNum = 1
	}
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		s.width, s.height, fpsNum,
	))
	appsrc.SetCaps(caps)
	appsrc.SetProperty("format", 3) // GST_FORMAT_TIME
	appsrc.SetProperty("is-live", true)
	appsrc.SetProperty("do-timestamp", true)
	appsrc.SetProperty("block", false)

	videoconvert, _ := gst.NewElement("videoconvert")

	shmsink, err := gst.NewElement("shmsink")
	if err != nil {
		return fmt.Errorf("failed to create shmsink: %w", err)
	}
	shmsink.SetProperty("socket-path", s.socketPath)
	shmsink.SetProperty("wait-for-connection", false)
	shmsink.SetProperty("sync", false)
	// Room for a few frames at working resolution.
	shmsink.SetProperty("shm-size", uint(s.width*s.height*3*4))

	pipeline.AddMany(appsrc.Element, videoconvert, shmsink)
	gst.ElementLinkMany(appsrc.Element, videoconvert, shmsink)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	s.running = true

	slog.Info("shm sink started",
		"socket", s.socketPath,
		"resolution", fmt.Sprintf("%dx%d", s.width, s.height),
	)

	return nil
}

// Publish pushes one RGB24 frame into the pipeline. Frames with the wrong
// buffer size are rejected before they can corrupt the shm segment.
func (s *ShmSink) Publish(frame types.Frame) error {
	s.mu.Lock()
	running := s.running
	src := s.appsrc
	s.mu.Unlock()

	if !running || src == nil {
		return fmt.Errorf("shm sink not started")
	}

	want := s.width * s.height * 3
	if len(frame.Data) != want {
		atomic.AddUint64(&s.errors, 1)
		return fmt.Errorf("frame size %d does not match %dx%d RGB24 (%d bytes)",
			len(frame.Data), s.width, s.height, want)
	}

	buffer := gst.NewBufferFromBytes(frame.Data)
	if ret := src.PushBuffer(buffer); ret != gst.FlowOK {
		atomic.AddUint64(&s.errors, 1)
		return fmt.Errorf("push buffer failed: %v", ret)
	}

	atomic.AddUint64(&s.published, 1)
	return nil
}

// Stop sends EOS and tears down the pipeline.
func (s *ShmSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	if s.appsrc != nil {
		s.appsrc.EndStream()
	}
	if s.pipeline != nil {
		// Give EOS a moment to drain before the hard stop.
		time.Sleep(100 * time.Millisecond)
		s.pipeline.SetState(gst.StateNull)
	}

	s.running = false
	s.pipeline = nil
	s.appsrc = nil

	slog.Info("shm sink stopped",
		"published", atomic.LoadUint64(&s.published),
		"errors", atomic.LoadUint64(&s.errors),
	)

	return nil
}
