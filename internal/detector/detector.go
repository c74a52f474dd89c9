// Package detector defines the face-mesh detector boundary and a
// process-backed implementation.
package detector

import (
	"context"
	"errors"

	"github.com/andresmejia3/meshline/internal/types"
)

var (
	// ErrFrameRejected marks a failure confined to one frame. The pipeline
	// carries on with empty metadata for that frame.
	ErrFrameRejected = errors.New("detector rejected frame")
	// ErrUnavailable marks a detector that can no longer serve any frame.
	ErrUnavailable = errors.New("detector unavailable")
)

// Detector finds face meshes on a frame. Detect may be called concurrently
// for distinct frames and must not modify frame.Pix.
type Detector interface {
	Detect(ctx context.Context, frame types.RawFrame) ([]types.FaceGeometry, error)
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, frame types.RawFrame) ([]types.FaceGeometry, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, frame types.RawFrame) ([]types.FaceGeometry, error) {
	return f(ctx, frame)
}
