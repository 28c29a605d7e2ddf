package stream

import (
	"context"
	"testing"
	"time"

	"github.com/care/segstream/internal/types"
)

func TestMailboxEmpty(t *testing.T) {
	var m frameMailbox
	if m.has() {
		t.Error("empty mailbox reports a frame")
	}
	if _, ok := m.take(); ok {
		t.Error("take on empty mailbox succeeded")
	}
}

func TestMailboxDeliversLatest(t *testing.T) {
	var m frameMailbox
	m.put(types.Frame{Seq: 1})
	m.put(types.Frame{Seq: 2})
	m.put(types.Frame{Seq: 3})

	frame, ok := m.take()
	if !ok {
		t.Fatal("take failed after put")
	}
	if frame.Seq != 3 {
		t.Errorf("Seq = %d, want latest (3)", frame.Seq)
	}
	if m.droppedCount() != 2 {
		t.Errorf("dropped = %d, want 2", m.droppedCount())
	}
}

func TestMailboxTakeConsumesOnce(t *testing.T) {
	var m frameMailbox
	m.put(types.Frame{Seq: 7})

	if _, ok := m.take(); !ok {
		t.Fatal("first take failed")
	}
	if _, ok := m.take(); ok {
		t.Error("second take delivered the same frame again")
	}
	if m.has() {
		t.Error("mailbox still reports a frame after take")
	}
}

func TestMockSourceDeliversFrames(t *testing.T) {
	src := NewMockSource(64, 48, 200)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	deadline := time.After(2 * time.Second)
	for !src.HasNewFrame() {
		select {
		case <-deadline:
			t.Fatal("no frame within 2s")
		case <-time.After(5 * time.Millisecond):
		}
	}

	frame, ok := src.TakeFrame()
	if !ok {
		t.Fatal("TakeFrame failed with HasNewFrame true")
	}
	if frame.Width != 64 || frame.Height != 48 || len(frame.Data) != 64*48*3 {
		t.Errorf("frame %dx%d len=%d, want 64x48 RGB24", frame.Width, frame.Height, len(frame.Data))
	}
	if frame.TraceID == "" {
		t.Error("frame missing trace id")
	}
}

func TestMockSinkRecordsPublishes(t *testing.T) {
	sink := NewMockSink()
	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sink.Publish(types.Frame{Seq: 1})
	sink.Publish(types.Frame{Seq: 2})

	if sink.Published() != 2 {
		t.Errorf("Published() = %d, want 2", sink.Published())
	}
	last, ok := sink.Last()
	if !ok || last.Seq != 2 {
		t.Errorf("Last() = (%v, %v), want seq 2", last.Seq, ok)
	}
}
