// Package engine wraps the segmentation model behind a narrow interface.
// The production implementation talks to a Python subprocess; tests swap
// in fakes.
package engine

import (
	"context"
	"errors"

	"github.com/care/segstream/internal/prompt"
	"github.com/care/segstream/internal/types"
)

// ErrEngineUnavailable is returned when the worker process is not running.
var ErrEngineUnavailable = errors.New("engine: worker not available")

// Engine produces segmentation masks for a frame under the current prompt
// state. SetImage establishes the frame context; Predict runs inference
// against it. Both are synchronous.
type Engine interface {
	Start(ctx context.Context) error

	// SetImage loads a frame into the model's image context. Must be
	// called before Predict whenever the frame changes.
	SetImage(frame types.Frame) error

	// Predict runs inference with the given prompt snapshot and returns
	// candidate masks with scores. An empty result is valid: it means the
	// model found nothing, not that the engine failed.
	Predict(snap prompt.Snapshot) ([]types.MaskResult, error)

	Stop() error
}
