package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/meshline/internal/topology"
	"github.com/andresmejia3/meshline/internal/types"
	"gonum.org/v1/gonum/spatial/r3"
)

// FaceJSON is one face in a JSON Lines record.
type FaceJSON struct {
	ID          int          `json:"id"`
	Position    [3]float64   `json:"position"`
	Orientation [4]float64   `json:"orientation"`
	Vertices    [][3]float32 `json:"vertices,omitempty"`
	Normals     [][3]float32 `json:"normals,omitempty"`
}

// FrameJSON is one line of JSON Lines output.
type FrameJSON struct {
	Sequence  uint64     `json:"sequence"`
	Timestamp time.Time  `json:"timestamp"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Topology  string     `json:"topology"`
	Faces     []FaceJSON `json:"faces"`
}

// JSONLines writes the metadata of each frame as one JSON object per line.
type JSONLines struct {
	// Meshes includes vertices and normals, not just poses.
	Meshes bool

	w   *bufio.Writer
	c   io.Closer
	enc *json.Encoder
}

// NewJSONLines writes to w, closing it on Close when it is an io.Closer.
func NewJSONLines(w io.Writer, meshes bool) *JSONLines {
	bw := bufio.NewWriter(w)
	j := &JSONLines{Meshes: meshes, w: bw, enc: json.NewEncoder(bw)}
	if c, ok := w.(io.Closer); ok {
		j.c = c
	}
	return j
}

// Record converts f to its JSON form.
func Record(f *types.AnnotatedFrame, meshes bool) FrameJSON {
	rec := FrameJSON{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Topology:  topology.Version,
		Faces:     make([]FaceJSON, 0, len(f.Faces)),
	}
	for _, face := range f.Faces {
		p, q := face.Pose.Position, face.Pose.Orientation
		fj := FaceJSON{
			ID:          face.SessionFaceID,
			Position:    [3]float64{p.X, p.Y, p.Z},
			Orientation: [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		}
		if meshes {
			fj.Vertices = packVecs(face.Vertices)
			fj.Normals = packVecs(face.Normals)
		}
		rec.Faces = append(rec.Faces, fj)
	}
	return rec
}

func packVecs(vs []r3.Vec) [][3]float32 {
	out := make([][3]float32, len(vs))
	for i, v := range vs {
		out[i] = [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
	}
	return out
}

func (j *JSONLines) Accept(ctx context.Context, f *types.AnnotatedFrame) error {
	if err := j.enc.Encode(Record(f, j.Meshes)); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", f.Sequence, err)
	}
	return nil
}

func (j *JSONLines) Close() error {
	err := j.w.Flush()
	if j.c != nil {
		if cerr := j.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
