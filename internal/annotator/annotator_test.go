package annotator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/meshline/internal/detector"
	"github.com/andresmejia3/meshline/internal/topology"
	"github.com/andresmejia3/meshline/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

func meshFace(x, y float64) types.FaceGeometry {
	f := types.FaceGeometry{
		Vertices: make([]r3.Vec, topology.VertexCount),
		Normals:  make([]r3.Vec, topology.VertexCount),
		Pose:     types.Pose{Position: r3.Vec{X: x, Y: y}, Orientation: quat.Number{Real: 1}},
	}
	for i := range f.Vertices {
		f.Vertices[i] = r3.Vec{X: x, Y: y}
		f.Normals[i] = r3.Vec{Z: 1}
	}
	return f
}

type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) emit(e types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t types.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Deadline = 20 * time.Millisecond
	cfg.Grace = 100 * time.Millisecond
	cfg.Tracker.GracePeriod = 2
	return cfg
}

func annotate(t *testing.T, a *Annotator, seq uint64) *types.AnnotatedFrame {
	t.Helper()
	raw := types.RawFrame{Sequence: seq, Width: 2, Height: 2, Pix: make([]byte, 16)}
	a.Submit(raw)
	out, err := a.Annotate(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, seq, out.Sequence)
	return out
}

func TestResultsJoinBySequence(t *testing.T) {
	// Frame n puts its face at x = n/10, so a cross-attributed result is
	// visible in the pose.
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		return []types.FaceGeometry{meshFace(float64(f.Sequence)/10, 0.5)}, nil
	})
	raws := make([]types.RawFrame, 5)
	cfg := testConfig()
	cfg.MaxInFlight = len(raws)
	a := New(det, cfg, nil)
	defer a.Close()

	for i := range raws {
		raws[i] = types.RawFrame{Sequence: uint64(i + 1)}
		require.True(t, a.Submit(raws[i]))
	}
	for _, raw := range raws {
		out, err := a.Annotate(context.Background(), raw)
		require.NoError(t, err)
		require.Len(t, out.Faces, 1)
		assert.Equal(t, raw.Sequence, out.Sequence)
		assert.InDelta(t, float64(raw.Sequence)/10, out.Faces[0].Pose.Position.X, 1e-9)
	}
}

func TestDeadlineYieldsEmptyMetadata(t *testing.T) {
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rec := &recorder{}
	cfg := testConfig()
	cfg.Grace = 0
	a := New(det, cfg, rec.emit)
	defer a.Close()

	start := time.Now()
	for seq := uint64(1); seq <= 3; seq++ {
		out := annotate(t, a, seq)
		assert.Empty(t, out.Faces)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 3, rec.count(types.EventDetectorTimeout))
	assert.NoError(t, a.Err())
}

func TestLateResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		if f.Sequence == 1 {
			<-release
			return []types.FaceGeometry{meshFace(0.5, 0.5)}, nil
		}
		return nil, nil
	})
	rec := &recorder{}
	a := New(det, testConfig(), rec.emit)
	defer a.Close()

	out := annotate(t, a, 1)
	assert.Empty(t, out.Faces)

	close(release)
	require.Eventually(t, func() bool { return rec.count(types.EventLateResult) == 1 }, time.Second, time.Millisecond)

	out = annotate(t, a, 2)
	assert.Empty(t, out.Faces, "late result must not attach to a later frame")
	assert.Empty(t, a.Tracked(), "late result must not reach the tracker")
}

func TestRejectedFrameCarriesNoFaces(t *testing.T) {
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		if f.Sequence == 2 {
			return nil, errors.Join(detector.ErrFrameRejected, errors.New("blurry"))
		}
		return []types.FaceGeometry{meshFace(0.5, 0.5)}, nil
	})
	rec := &recorder{}
	a := New(det, testConfig(), rec.emit)
	defer a.Close()

	first := annotate(t, a, 1)
	require.Len(t, first.Faces, 1)
	assert.Empty(t, annotate(t, a, 2).Faces)
	third := annotate(t, a, 3)
	require.Len(t, third.Faces, 1)
	assert.Equal(t, first.Faces[0].SessionFaceID, third.Faces[0].SessionFaceID)
	assert.Equal(t, 1, rec.count(types.EventDetectorRejected))
	assert.NoError(t, a.Err())
}

func TestDetectorFailureIsFatal(t *testing.T) {
	boom := errors.New("model crashed")
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		return nil, boom
	})
	a := New(det, testConfig(), nil)
	defer a.Close()

	raw := types.RawFrame{Sequence: 1}
	a.Submit(raw)
	_, err := a.Annotate(context.Background(), raw)
	var derr *DetectorError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), derr.Sequence)

	_, err = a.Annotate(context.Background(), types.RawFrame{Sequence: 2})
	assert.ErrorAs(t, err, &derr)
	select {
	case <-a.Failed():
	default:
		t.Fatal("Failed channel not closed")
	}
}

func TestSubmitSkipsWhenSaturated(t *testing.T) {
	block := make(chan struct{})
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		<-block
		return nil, nil
	})
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxInFlight = 1
	a := New(det, cfg, rec.emit)
	defer a.Close()
	defer close(block)

	assert.True(t, a.Submit(types.RawFrame{Sequence: 1}))
	assert.False(t, a.Submit(types.RawFrame{Sequence: 2}))
	assert.Equal(t, 1, rec.count(types.EventDetectorSkipped))

	// A skipped frame is returned straight away.
	out, err := a.Annotate(context.Background(), types.RawFrame{Sequence: 2})
	require.NoError(t, err)
	assert.Empty(t, out.Faces)
}

func TestMalformedFaceIsDropped(t *testing.T) {
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		bad := meshFace(0.2, 0.2)
		bad.Normals = bad.Normals[:10]
		return []types.FaceGeometry{bad, meshFace(0.8, 0.8)}, nil
	})
	a := New(det, testConfig(), nil)
	defer a.Close()

	out := annotate(t, a, 1)
	require.Len(t, out.Faces, 1)
	assert.InDelta(t, 0.8, out.Faces[0].Pose.Position.X, 1e-9)
}

func TestForgetDiscardsPendingResult(t *testing.T) {
	release := make(chan struct{})
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		<-release
		return []types.FaceGeometry{meshFace(0.5, 0.5)}, nil
	})
	rec := &recorder{}
	a := New(det, testConfig(), rec.emit)
	defer a.Close()

	a.Submit(types.RawFrame{Sequence: 1})
	a.Forget(1)
	close(release)
	require.Eventually(t, func() bool { return rec.count(types.EventLateResult) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, a.Tracked())
}

func TestAnnotateHonoursContext(t *testing.T) {
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.Deadline = time.Minute
	cfg.Grace = 0
	a := New(det, cfg, nil)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	raw := types.RawFrame{Sequence: 1}
	a.Submit(raw)
	_, err := a.Annotate(ctx, raw)
	assert.ErrorIs(t, err, context.Canceled)
}

// Frames 1-3 see one face at nearly the same pose, 4-5 see none. With a
// grace period of 2 the face is still tracked at 5 and retired at 6.
func TestScenarioRetention(t *testing.T) {
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		if f.Sequence <= 3 {
			return []types.FaceGeometry{meshFace(0.5+float64(f.Sequence)*0.001, 0.5)}, nil
		}
		return nil, nil
	})
	rec := &recorder{}
	a := New(det, testConfig(), rec.emit)
	defer a.Close()

	var id int
	for seq := uint64(1); seq <= 5; seq++ {
		out := annotate(t, a, seq)
		if seq <= 3 {
			require.Len(t, out.Faces, 1)
			if seq == 1 {
				id = out.Faces[0].SessionFaceID
			}
			assert.Equal(t, id, out.Faces[0].SessionFaceID)
		} else {
			assert.Empty(t, out.Faces)
		}
	}
	require.Len(t, a.Tracked(), 1)
	assert.Equal(t, id, a.Tracked()[0].ID)

	annotate(t, a, 6)
	assert.Empty(t, a.Tracked())
	require.Equal(t, 1, rec.count(types.EventFaceRetired))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		if e.Type == types.EventFaceRetired {
			assert.Equal(t, types.FaceInterval{SessionFaceID: id, FirstSequence: 1, LastSequence: 3, Detections: 3}, *e.Interval)
		}
	}
}

func TestCloseFlushesLiveFaces(t *testing.T) {
	det := detector.Func(func(ctx context.Context, f types.RawFrame) ([]types.FaceGeometry, error) {
		return []types.FaceGeometry{meshFace(0.5, 0.5)}, nil
	})
	a := New(det, testConfig(), nil)
	annotate(t, a, 1)
	annotate(t, a, 2)

	intervals := a.Close()
	require.Len(t, intervals, 1)
	assert.Equal(t, uint64(1), intervals[0].FirstSequence)
	assert.Equal(t, uint64(2), intervals[0].LastSequence)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Deadline = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxInFlight = 0
	assert.Error(t, cfg.Validate())
}
