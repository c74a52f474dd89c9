// Package source provides frame sources and capability negotiation.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/meshline/internal/types"
)

// Minimum frame size at which a source offers face-mesh capture. Below this
// the detector cannot resolve a mesh.
const (
	MinMeshWidth  = 64
	MinMeshHeight = 64
)

// Capabilities is what a caller asks of a source and what it confirms.
type Capabilities struct {
	FaceMesh bool
	Width    int
	Height   int
	FPS      float64
	// Frames is the stream length when known, zero otherwise.
	Frames int
}

// CapabilityError means the source cannot supply what was requested. It is
// only ever returned from Open.
type CapabilityError struct {
	Source    string
	Requested Capabilities
	Offered   Capabilities
	Reason    string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("source %s cannot supply requested capabilities: %s", e.Source, e.Reason)
}

// Source hands out raw frames in capture order. Next returns io.EOF at the
// end of the stream. Sequence numbers start at 1 and strictly increase.
type Source interface {
	Open(ctx context.Context, requested Capabilities) (Capabilities, error)
	Next(ctx context.Context) (types.RawFrame, error)
	Close() error
}

// negotiate checks offered against requested.
func negotiate(name string, requested, offered Capabilities) (Capabilities, error) {
	fail := func(reason string) (Capabilities, error) {
		return Capabilities{}, &CapabilityError{Source: name, Requested: requested, Offered: offered, Reason: reason}
	}
	if requested.FaceMesh && !offered.FaceMesh {
		return fail(fmt.Sprintf("face mesh needs at least %dx%d, stream is %dx%d", MinMeshWidth, MinMeshHeight, offered.Width, offered.Height))
	}
	if requested.Width > 0 && requested.Width != offered.Width || requested.Height > 0 && requested.Height != offered.Height {
		return fail(fmt.Sprintf("requested %dx%d, stream is %dx%d", requested.Width, requested.Height, offered.Width, offered.Height))
	}
	return offered, nil
}

func meshCapable(width, height int) bool {
	return width >= MinMeshWidth && height >= MinMeshHeight
}

// clock numbers frames and stamps them. With a known frame rate timestamps
// follow the stream's own timeline; otherwise they are capture times.
type clock struct {
	last  uint64
	start time.Time
	fps   float64
}

func (c *clock) stamp(width, height int, pix []byte) types.RawFrame {
	c.last++
	ts := time.Now()
	if c.fps > 0 {
		if c.start.IsZero() {
			c.start = ts
		}
		ts = c.start.Add(time.Duration(float64(c.last-1) * float64(time.Second) / c.fps))
	}
	return types.RawFrame{Sequence: c.last, Timestamp: ts, Width: width, Height: height, Pix: pix}
}
