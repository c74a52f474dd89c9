package types

import (
	"image"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// RawFrame is a single decoded frame handed out by a source.
// Pix holds RGBA pixels with a stride of Width*4 and must not be modified.
type RawFrame struct {
	Sequence  uint64
	Timestamp time.Time
	Width     int
	Height    int
	Pix       []byte
}

// Pose is the rigid-body pose of a face root.
type Pose struct {
	Position    r3.Vec
	Orientation quat.Number
}

// FaceGeometry is what a detector reports for one face, before tracking.
// Vertex X/Y are normalized image coordinates, Z is relative depth.
type FaceGeometry struct {
	Vertices []r3.Vec
	Normals  []r3.Vec
	Pose     Pose
}

// FaceMeshRecord is a tracked face attached to a frame.
type FaceMeshRecord struct {
	SessionFaceID int
	Vertices      []r3.Vec
	Normals       []r3.Vec
	Pose          Pose
}

// Bounds projects the mesh onto a width x height image and returns the
// enclosing rectangle. An empty mesh yields an empty rectangle.
func (r FaceMeshRecord) Bounds(width, height int) image.Rectangle {
	if len(r.Vertices) == 0 {
		return image.Rectangle{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, v := range r.Vertices {
		minX = math.Min(minX, v.X)
		minY = math.Min(minY, v.Y)
		maxX = math.Max(maxX, v.X)
		maxY = math.Max(maxY, v.Y)
	}
	return image.Rect(
		int(math.Floor(minX*float64(width))),
		int(math.Floor(minY*float64(height))),
		int(math.Ceil(maxX*float64(width))),
		int(math.Ceil(maxY*float64(height))),
	)
}

// AnnotatedFrame is a raw frame plus the faces detected on that same frame.
type AnnotatedFrame struct {
	RawFrame
	Faces []FaceMeshRecord

	pixOwned bool
}

// NewAnnotatedFrame wraps raw. The pixel buffer stays shared with raw until
// MutablePixels is called.
func NewAnnotatedFrame(raw RawFrame, faces []FaceMeshRecord) *AnnotatedFrame {
	return &AnnotatedFrame{RawFrame: raw, Faces: faces}
}

// MutablePixels returns a pixel buffer owned by this frame. The first call
// copies the buffer shared with the source frame.
func (f *AnnotatedFrame) MutablePixels() []byte {
	if !f.pixOwned {
		pix := make([]byte, len(f.Pix))
		copy(pix, f.Pix)
		f.Pix = pix
		f.pixOwned = true
	}
	return f.Pix
}

// ReplacePixels swaps in a buffer already owned by the caller, such as the
// output of a filter. pix must have the frame's dimensions.
func (f *AnnotatedFrame) ReplacePixels(pix []byte) {
	f.Pix = pix
	f.pixOwned = true
}

// Image returns an RGBA view over the current pixels without copying.
func (f *AnnotatedFrame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// FaceInterval summarizes the span a session face was tracked for.
type FaceInterval struct {
	SessionFaceID int
	FirstSequence uint64
	LastSequence  uint64
	Detections    int
}
