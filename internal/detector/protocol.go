package detector

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/andresmejia3/meshline/internal/types"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Wire format, all integers big endian, every message prefixed by a uint32
// body length.
//
//	request:  [seq u64][width u32][height u32][rgba pixels]
//	response: [status u8] then
//	  status 0: [seq u64][faces u32] and per face
//	            [pos xyz f32][rot wxyz f32][n u32][n*xyz f32 vertices][n*xyz f32 normals]
//	  status 1: [len u32][message]
const (
	statusOK    = 0
	statusError = 1

	// maxVerticesPerFace guards against allocating on a corrupt header.
	maxVerticesPerFace = 1 << 16
)

func encodeRequest(w io.Writer, frame types.RawFrame) error {
	var hdr [20]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(16+len(frame.Pix)))
	binary.BigEndian.PutUint64(hdr[4:], frame.Sequence)
	binary.BigEndian.PutUint32(hdr[12:], uint32(frame.Width))
	binary.BigEndian.PutUint32(hdr[16:], uint32(frame.Height))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame.Pix)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(header))
	_, err := io.ReadFull(r, body)
	return body, err
}

// rejectionError is a worker-reported failure for a single frame.
type rejectionError struct {
	msg string
}

func (e *rejectionError) Error() string { return "worker error: " + e.msg }

func (e *rejectionError) Unwrap() error { return ErrFrameRejected }

// decodeResponse parses a response body for the frame with sequence seq.
func decodeResponse(body []byte, seq uint64) ([]types.FaceGeometry, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response: %w", err)
	}

	if status == statusError {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("truncated error message: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("truncated error message: %w", err)
		}
		return nil, &rejectionError{msg: string(msg)}
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown response status %d", status)
	}

	var head struct {
		Seq   uint64
		Faces uint32
	}
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, fmt.Errorf("truncated response header: %w", err)
	}
	if head.Seq != seq {
		return nil, fmt.Errorf("response for frame %d, expected %d", head.Seq, seq)
	}

	faces := make([]types.FaceGeometry, 0, min(head.Faces, 64))
	for i := uint32(0); i < head.Faces; i++ {
		var pose [7]float32
		if err := binary.Read(r, binary.BigEndian, &pose); err != nil {
			return nil, fmt.Errorf("face %d: truncated pose: %w", i, err)
		}
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("face %d: truncated vertex count: %w", i, err)
		}
		if n > maxVerticesPerFace {
			return nil, fmt.Errorf("face %d: vertex count %d too large", i, n)
		}
		verts, err := readVecs(r, n)
		if err != nil {
			return nil, fmt.Errorf("face %d: vertices: %w", i, err)
		}
		normals, err := readVecs(r, n)
		if err != nil {
			return nil, fmt.Errorf("face %d: normals: %w", i, err)
		}
		faces = append(faces, types.FaceGeometry{
			Vertices: verts,
			Normals:  normals,
			Pose: types.Pose{
				Position:    r3.Vec{X: float64(pose[0]), Y: float64(pose[1]), Z: float64(pose[2])},
				Orientation: quat.Number{Real: float64(pose[3]), Imag: float64(pose[4]), Jmag: float64(pose[5]), Kmag: float64(pose[6])},
			},
		})
	}
	return faces, nil
}

func readVecs(r io.Reader, n uint32) ([]r3.Vec, error) {
	raw := make([]float32, 3*n)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, err
	}
	out := make([]r3.Vec, n)
	for i := range out {
		out[i] = r3.Vec{X: float64(raw[3*i]), Y: float64(raw[3*i+1]), Z: float64(raw[3*i+2])}
	}
	return out, nil
}

// finite reports whether every component of the geometry is a real number.
func finite(f types.FaceGeometry) bool {
	ok := func(v r3.Vec) bool {
		return !math.IsNaN(v.X+v.Y+v.Z) && !math.IsInf(v.X+v.Y+v.Z, 0)
	}
	for _, v := range f.Vertices {
		if !ok(v) {
			return false
		}
	}
	return ok(f.Pose.Position)
}
