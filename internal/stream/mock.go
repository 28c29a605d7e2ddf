package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/segstream/internal/types"
)

// MockSource generates synthetic frames at a fixed rate. It stands in for
// the RTSP transport when no rtsp_url is configured, and in tests.
type MockSource struct {
	width  int
	height int
	fps    float64

	mailbox frameMailbox
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu        sync.RWMutex
	seq       uint64
	emitted   uint64
	isRunning bool
	startTime time.Time
}

// NewMockSource creates a mock source at the given resolution and rate.
func NewMockSource(width, height int, fps float64) *MockSource {
	return &MockSource{
		width:  width,
		height: height,
		fps:    fps,
		stopCh: make(chan struct{}),
	}
}

// Start begins generating frames
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("source already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Info("mock source starting",
		"width", m.width,
		"height", m.height,
		"fps", m.fps,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)

	return nil
}

// HasNewFrame reports whether an undelivered frame is waiting.
func (m *MockSource) HasNewFrame() bool {
	return m.mailbox.has()
}

// TakeFrame removes and returns the waiting frame, if any.
func (m *MockSource) TakeFrame() (types.Frame, bool) {
	return m.mailbox.take()
}

// Stop stops the source
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	m.isRunning = false
	m.mu.Unlock()

	slog.Info("mock source stopped",
		"frames_emitted", m.emitted,
		"duration", time.Since(m.startTime),
	)

	return nil
}

// Stats returns source statistics
func (m *MockSource) Stats() types.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fpsReal float64
	if m.isRunning && m.emitted > 0 {
		elapsed := time.Since(m.startTime).Seconds()
		if elapsed > 0 {
			fpsReal = float64(m.emitted) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:    m.emitted,
		FramesDropped: m.mailbox.droppedCount(),
		FPSTarget:     m.fps,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", m.width, m.height),
		IsConnected:   m.isRunning,
	}
}

func (m *MockSource) generateFrames(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / m.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mailbox.put(m.createFrame())
			m.mu.Lock()
			m.emitted++
			m.mu.Unlock()
		}
	}
}

// createFrame builds a synthetic RGB24 frame with a moving gradient so
// consecutive frames are distinguishable in overlays and tests.
func (m *MockSource) createFrame() types.Frame {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	data := make([]byte, m.width*m.height*3)
	shade := byte(seq % 256)
	for i := 0; i < len(data); i += 3 {
		data[i] = shade
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}

// MockSink records published frames for inspection. It stands in for the
// shared-memory transport when no shm_socket is configured, and in tests.
type MockSink struct {
	mu     sync.Mutex
	frames []types.Frame
	count  uint64
}

// NewMockSink creates an empty mock sink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

func (s *MockSink) Start(ctx context.Context) error { return nil }

// Publish records the frame. Only the most recent few are retained.
func (s *MockSink) Publish(frame types.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.frames = append(s.frames, frame)
	if len(s.frames) > 64 {
		s.frames = s.frames[len(s.frames)-64:]
	}
	return nil
}

func (s *MockSink) Stop() error { return nil }

// Published returns the total publish count.
func (s *MockSink) Published() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Last returns the most recently published frame, if any.
func (s *MockSink) Last() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return types.Frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}
