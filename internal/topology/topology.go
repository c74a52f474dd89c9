// Package topology holds the static face mesh layout shared by every
// FaceMeshRecord. Records carry only vertex and normal data in this order;
// consumers look up triangles and texture coordinates here.
package topology

import (
	"fmt"
	"sync"
)

const (
	// Version identifies the layout. Any change to the tables bumps it.
	Version = "grid-26x18/v1"

	// Rows and Cols describe the vertex lattice, row-major from the forehead
	// down and from the subject's right to left.
	Rows = 26
	Cols = 18

	VertexCount   = Rows * Cols
	TriangleCount = (Rows - 1) * (Cols - 1) * 2
)

// UV is a texture coordinate in [0,1].
type UV struct {
	U, V float32
}

type tables struct {
	indices []uint16
	uvs     []UV
}

var build = sync.OnceValue(func() tables {
	t := tables{
		indices: make([]uint16, 0, TriangleCount*3),
		uvs:     make([]UV, 0, VertexCount),
	}
	for r := 0; r < Rows; r++ {
		for c := 0; c < Cols; c++ {
			t.uvs = append(t.uvs, UV{
				U: float32(c) / float32(Cols-1),
				V: float32(r) / float32(Rows-1),
			})
		}
	}
	for r := 0; r < Rows-1; r++ {
		for c := 0; c < Cols-1; c++ {
			tl := uint16(r*Cols + c)
			tr := tl + 1
			bl := tl + Cols
			br := bl + 1
			t.indices = append(t.indices, tl, bl, tr, tr, bl, br)
		}
	}
	return t
})

// Indices returns a copy of the triangle index list (three per triangle).
func Indices() []uint16 {
	src := build().indices
	out := make([]uint16, len(src))
	copy(out, src)
	return out
}

// UVs returns a copy of the per-vertex texture coordinates.
func UVs() []UV {
	src := build().uvs
	out := make([]UV, len(src))
	copy(out, src)
	return out
}

// CheckCounts reports whether a mesh with the given vertex and normal counts
// fits this layout.
func CheckCounts(vertices, normals int) error {
	if vertices != VertexCount {
		return fmt.Errorf("topology %s: got %d vertices, want %d", Version, vertices, VertexCount)
	}
	if normals != vertices {
		return fmt.Errorf("topology %s: got %d normals for %d vertices", Version, normals, vertices)
	}
	return nil
}
