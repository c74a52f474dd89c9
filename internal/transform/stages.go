package transform

import (
	"context"
	"fmt"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/anthonynsimon/bild/adjust"
)

// DropEvery drops every nth frame it sees.
type DropEvery struct {
	n    int
	seen int
}

// NewDropEvery returns a stage dropping every nth frame. n must be >= 2.
func NewDropEvery(n int) (*DropEvery, error) {
	if n < 2 {
		return nil, fmt.Errorf("drop interval must be >= 2, got %d", n)
	}
	return &DropEvery{n: n}, nil
}

func (d *DropEvery) Name() string { return fmt.Sprintf("drop-every-%d", d.n) }

func (d *DropEvery) Transform(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
	d.seen++
	if d.seen%d.n == 0 {
		return nil, nil
	}
	return f, nil
}

// Brightness shifts frame brightness by Change, in [-1, 1].
type Brightness struct {
	Change float64
}

// NewBrightness validates change.
func NewBrightness(change float64) (*Brightness, error) {
	if change < -1 || change > 1 {
		return nil, fmt.Errorf("brightness change must be in [-1, 1], got %g", change)
	}
	return &Brightness{Change: change}, nil
}

func (b *Brightness) Name() string { return "brightness" }

func (b *Brightness) Transform(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
	if b.Change == 0 || len(f.Pix) == 0 {
		return f, nil
	}
	out := adjust.Brightness(f.Image(), b.Change)
	f.ReplacePixels(out.Pix)
	return f, nil
}

// OnlyFaces drops frames that carry no tracked faces.
type OnlyFaces struct{}

func (OnlyFaces) Name() string { return "only-faces" }

func (OnlyFaces) Transform(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
	if len(f.Faces) == 0 {
		return nil, nil
	}
	return f, nil
}
