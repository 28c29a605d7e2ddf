// Package prompt holds the annotation state shared between the control
// plane listener and the coordinator loop. All access goes through Store,
// which hands out atomic copies only; no caller ever holds a live reference
// into the store's internals.
package prompt

import (
	"errors"
	"fmt"
	"sync"
)

// Mode selects the segmentation strategy for the next inference.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModePoint Mode = "point"
	ModeBox   Mode = "box"
)

// ErrInvalidLabel is returned by AddPoint when the label is not 0 or 1.
var ErrInvalidLabel = errors.New("prompt: point label must be 0 or 1")

// ParseMode converts a wire-level mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case ModeAuto, ModePoint, ModeBox:
		return Mode(name), nil
	default:
		return "", fmt.Errorf("prompt: unknown mode %q", name)
	}
}

// Point is a prompt point in working-resolution pixel coordinates.
// Label 1 marks foreground, 0 marks background.
type Point struct {
	X     int
	Y     int
	Label int
}

// Box is a prompt rectangle in working-resolution pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 int
}

// Snapshot is an immutable, internally consistent copy of the prompt state.
type Snapshot struct {
	Mode   Mode
	Points []Point
	Box    *Box
}

// Store is the thread-safe holder of the current annotation state.
// One instance lives for the process lifetime and is injected into both the
// control handler and the coordinator at construction.
//
// SetMode performs clear's steps inline under a single lock acquisition, so
// a plain (non-reentrant) sync.Mutex suffices.
type Store struct {
	mu     sync.Mutex
	mode   Mode
	points []Point
	box    *Box
	dirty  bool
}

// NewStore creates a store in auto mode with no prompts.
func NewStore() *Store {
	return &Store{mode: ModeAuto}
}

// Clear empties points and box and marks the state dirty.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// clearLocked must be called with s.mu held.
func (s *Store) clearLocked() {
	s.points = nil
	s.box = nil
	s.dirty = true
}

// AddPoint appends a point and marks the state dirty.
func (s *Store) AddPoint(x, y, label int) error {
	if label != 0 && label != 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidLabel, label)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, Point{X: x, Y: y, Label: label})
	s.dirty = true
	return nil
}

// SetBox replaces the box and marks the state dirty.
func (s *Store) SetBox(x1, y1, x2, y2 int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.box = &Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
	s.dirty = true
}

// SetMode switches the mode and clears points and box in the same atomic
// step, so no snapshot can observe the new mode with stale prompts.
func (s *Store) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.clearLocked()
}

// Snapshot returns an atomic copy of (mode, points, box). The returned
// slices and box are owned by the caller.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Mode: s.mode}
	if len(s.points) > 0 {
		snap.Points = make([]Point, len(s.points))
		copy(snap.Points, s.points)
	}
	if s.box != nil {
		b := *s.box
		snap.Box = &b
	}
	return snap
}

// ConsumeDirty atomically reads and resets the dirty flag. It returns true
// at most once per mutation batch.
func (s *Store) ConsumeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := s.dirty
	s.dirty = false
	return dirty
}
