// Package stream provides the frame transports: sources that deliver
// decoded RGB24 frames into a latest-wins mailbox, and sinks that publish
// composited frames. The coordinator polls sources; it is never pushed to.
package stream

import (
	"context"

	"github.com/care/segstream/internal/types"
)

// Source delivers frames from a video transport. Implementations capture
// on their own goroutines and park the newest frame in a mailbox; the
// coordinator drains it at its own cadence.
type Source interface {
	Start(ctx context.Context) error

	// HasNewFrame reports whether an undelivered frame is waiting without
	// consuming it.
	HasNewFrame() bool

	// TakeFrame removes and returns the waiting frame. The second return
	// is false when no new frame has arrived since the last take.
	TakeFrame() (types.Frame, bool)

	Stop() error
	Stats() types.StreamStats
}

// Sink publishes composited frames to a video transport.
type Sink interface {
	Start(ctx context.Context) error
	Publish(frame types.Frame) error
	Stop() error
}
