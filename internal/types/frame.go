package types

import "time"

// Frame represents a single video frame in RGB24 layout (3 bytes per pixel,
// row-major, no padding).
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the pixel data (RGB24)
	Data []byte
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// Clone returns a deep copy of the frame. The coordinator caches frames
// across ticks, so cached copies must not alias source buffers.
func (f Frame) Clone() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}

// StreamStats contains frame source statistics
type StreamStats struct {
	FrameCount    uint64
	FramesDropped uint64
	FPSTarget     float64
	FPSReal       float64
	Resolution    string
	IsConnected   bool
	Errors        uint64
}
