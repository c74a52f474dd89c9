package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/andresmejia3/meshline/internal/types"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func writeMessage(w io.Writer, body []byte) {
	binary.Write(w, binary.BigEndian, uint32(len(body)))
	w.Write(body)
}

func writeVecs(w io.Writer, vs []r3.Vec) {
	raw := make([]float32, 0, 3*len(vs))
	for _, v := range vs {
		raw = append(raw, float32(v.X), float32(v.Y), float32(v.Z))
	}
	binary.Write(w, binary.BigEndian, raw)
}

// encodeResponse writes what a well-behaved worker sends back.
func encodeResponse(w io.Writer, seq uint64, faces []types.FaceGeometry) {
	body := new(bytes.Buffer)
	body.WriteByte(statusOK)
	binary.Write(body, binary.BigEndian, seq)
	binary.Write(body, binary.BigEndian, uint32(len(faces)))
	for _, f := range faces {
		p, q := f.Pose.Position, f.Pose.Orientation
		binary.Write(body, binary.BigEndian, [7]float32{
			float32(p.X), float32(p.Y), float32(p.Z),
			float32(q.Real), float32(q.Imag), float32(q.Jmag), float32(q.Kmag),
		})
		binary.Write(body, binary.BigEndian, uint32(len(f.Vertices)))
		writeVecs(body, f.Vertices)
		writeVecs(body, f.Normals)
	}
	writeMessage(w, body.Bytes())
}

func encodeErrorResponse(w io.Writer, msg string) {
	body := new(bytes.Buffer)
	body.WriteByte(statusError)
	binary.Write(body, binary.BigEndian, uint32(len(msg)))
	body.WriteString(msg)
	writeMessage(w, body.Bytes())
}

func mockWorker(id int) (*meshWorker, *MockCloser, *MockCloser) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	return &meshWorker{ID: id, Stdin: stdin, DataPipe: data}, stdin, data
}

func sampleFace() types.FaceGeometry {
	return types.FaceGeometry{
		Vertices: []r3.Vec{{X: 0.25, Y: 0.5, Z: -1}, {X: 0.75, Y: 0.5, Z: -1}},
		Normals:  []r3.Vec{{Z: 1}, {Z: 1}},
		Pose: types.Pose{
			Position:    r3.Vec{X: 0.5, Y: 0.5, Z: -2},
			Orientation: quat.Number{Real: 1},
		},
	}
}

func TestProcessFrame(t *testing.T) {
	w, stdin, data := mockWorker(1)
	encodeResponse(data, 42, []types.FaceGeometry{sampleFace()})

	frame := types.RawFrame{Sequence: 42, Width: 1, Height: 1, Pix: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	faces, err := w.ProcessFrame(context.Background(), frame, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify the request: 4 bytes length + 16 bytes header + pixels
	sent := stdin.Bytes()
	if len(sent) != 4+16+len(frame.Pix) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+16+len(frame.Pix), len(sent))
	}
	if seq := binary.BigEndian.Uint64(sent[4:12]); seq != 42 {
		t.Errorf("Expected sequence 42 in request, got %d", seq)
	}
	if !bytes.Equal(sent[20:], frame.Pix) {
		t.Errorf("Expected pixels %X, got %X", frame.Pix, sent[20:])
	}

	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	want := sampleFace()
	if faces[0].Pose != want.Pose {
		t.Errorf("Expected pose %+v, got %+v", want.Pose, faces[0].Pose)
	}
	if len(faces[0].Vertices) != 2 || faces[0].Vertices[1] != want.Vertices[1] {
		t.Errorf("Expected vertices %v, got %v", want.Vertices, faces[0].Vertices)
	}
	if len(faces[0].Normals) != 2 || faces[0].Normals[0] != want.Normals[0] {
		t.Errorf("Expected normals %v, got %v", want.Normals, faces[0].Normals)
	}
}

func TestProcessFrame_Error(t *testing.T) {
	w, _, data := mockWorker(1)
	errMsg := "Python Exception: Import Error"
	encodeErrorResponse(data, errMsg)

	_, err := w.ProcessFrame(context.Background(), types.RawFrame{Sequence: 1}, time.Now().Add(time.Second))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, ErrFrameRejected) {
		t.Errorf("Expected ErrFrameRejected, got %v", err)
	}
	if err.Error() != "worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "worker error: "+errMsg, err)
	}
}

func TestProcessFrame_SequenceMismatch(t *testing.T) {
	w, _, data := mockWorker(1)
	encodeResponse(data, 7, nil)

	_, err := w.ProcessFrame(context.Background(), types.RawFrame{Sequence: 8}, time.Now().Add(time.Second))
	if err == nil || errors.Is(err, ErrFrameRejected) {
		t.Fatalf("Expected a protocol error, got %v", err)
	}
}

func TestDecodeResponse_Truncated(t *testing.T) {
	buf := new(bytes.Buffer)
	encodeResponse(buf, 3, []types.FaceGeometry{sampleFace()})
	body := buf.Bytes()[4:]

	for _, cut := range []int{0, 1, 9, 20, len(body) - 1} {
		t.Run(fmt.Sprintf("cut at %d", cut), func(t *testing.T) {
			if _, err := decodeResponse(body[:cut], 3); err == nil {
				t.Error("Expected error for truncated body")
			}
		})
	}
}

func TestFiniteFiltersBadFaces(t *testing.T) {
	w, _, data := mockWorker(1)
	bad := sampleFace()
	bad.Vertices[0].X = float64(float32NaN())
	encodeResponse(data, 1, []types.FaceGeometry{sampleFace(), bad})

	faces, err := w.ProcessFrame(context.Background(), types.RawFrame{Sequence: 1}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 1 {
		t.Errorf("Expected the NaN face to be dropped, got %d faces", len(faces))
	}
}

func float32NaN() float32 {
	var zero float32
	return zero / zero
}

func TestPoolReplacesBrokenWorker(t *testing.T) {
	starts := 0
	start := func(ctx context.Context, id int, cfg PythonConfig) (*meshWorker, error) {
		starts++
		w, _, data := mockWorker(id)
		if starts > 1 {
			// Replacement worker answers the next frame.
			encodeResponse(data, 2, []types.FaceGeometry{sampleFace()})
		}
		return w, nil
	}

	p, err := newPool(context.Background(), PythonConfig{Workers: 1, ReadTimeout: time.Second}, start)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	// The first worker has nothing to say: EOF, as if the process died.
	_, err = p.Detect(context.Background(), types.RawFrame{Sequence: 1})
	if !errors.Is(err, ErrFrameRejected) {
		t.Fatalf("Expected ErrFrameRejected after a crash, got %v", err)
	}
	if starts != 2 {
		t.Fatalf("Expected the worker to be restarted, starts = %d", starts)
	}

	faces, err := p.Detect(context.Background(), types.RawFrame{Sequence: 2})
	if err != nil {
		t.Fatalf("Detect on replacement failed: %v", err)
	}
	if len(faces) != 1 {
		t.Errorf("Expected 1 face, got %d", len(faces))
	}
}

func TestPoolUnavailableWhenRestartFails(t *testing.T) {
	starts := 0
	start := func(ctx context.Context, id int, cfg PythonConfig) (*meshWorker, error) {
		starts++
		if starts > 1 {
			return nil, errors.New("exec: python3: not found")
		}
		w, _, _ := mockWorker(id)
		return w, nil
	}

	p, err := newPool(context.Background(), PythonConfig{Workers: 1, ReadTimeout: time.Second}, start)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	_, err = p.Detect(context.Background(), types.RawFrame{Sequence: 1})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	_, err = p.Detect(context.Background(), types.RawFrame{Sequence: 2})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable with no workers left, got %v", err)
	}
}

func TestPoolStartupFailure(t *testing.T) {
	start := func(ctx context.Context, id int, cfg PythonConfig) (*meshWorker, error) {
		if id == 1 {
			return nil, errors.New("boom")
		}
		w, _, _ := mockWorker(id)
		return w, nil
	}
	if _, err := newPool(context.Background(), PythonConfig{Workers: 2}, start); err == nil {
		t.Fatal("Expected startup error")
	}
}

func TestDetectWaitsForIdleWorker(t *testing.T) {
	start := func(ctx context.Context, id int, cfg PythonConfig) (*meshWorker, error) {
		w, _, _ := mockWorker(id)
		return w, nil
	}
	p, err := newPool(context.Background(), PythonConfig{Workers: 1, ReadTimeout: time.Second}, start)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	// Hold the only worker.
	busy := <-p.idle
	defer func() { p.idle <- busy }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Detect(ctx, types.RawFrame{Sequence: 1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context deadline, got %v", err)
	}
}
