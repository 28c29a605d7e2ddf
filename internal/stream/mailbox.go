package stream

import (
	"sync"

	"github.com/care/segstream/internal/types"
)

// frameMailbox is a single-slot, latest-wins frame buffer. Capture
// goroutines overwrite, the coordinator drains; an overwritten frame
// counts as dropped. Backpressure is never propagated to the capture
// side.
type frameMailbox struct {
	mu      sync.Mutex
	frame   types.Frame
	full    bool
	dropped uint64
}

// put parks a frame, replacing any undelivered one.
func (m *frameMailbox) put(frame types.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		m.dropped++
	}
	m.frame = frame
	m.full = true
}

// has reports whether an undelivered frame is waiting.
func (m *frameMailbox) has() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}

// take removes and returns the waiting frame, if any.
func (m *frameMailbox) take() (types.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return types.Frame{}, false
	}
	m.full = false
	frame := m.frame
	m.frame = types.Frame{}
	return frame, true
}

// droppedCount returns how many frames were overwritten before delivery.
func (m *frameMailbox) droppedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
