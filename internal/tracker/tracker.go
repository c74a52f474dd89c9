// Package tracker assigns session-scoped ids to detected faces.
package tracker

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/andresmejia3/meshline/internal/types"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Config controls identity continuity.
type Config struct {
	// MaxDistance is the largest pose distance still treated as the same face.
	MaxDistance float64
	// GracePeriod is how many consecutive detector outputs a face may be
	// missing from before it is retired.
	GracePeriod int
	// OrientationWeight scales the rotation angle (radians) against the
	// position distance.
	OrientationWeight float64
	// HistoryLen bounds the pose history kept per face.
	HistoryLen int
}

// DefaultConfig returns tuning suited to normalized image coordinates.
func DefaultConfig() Config {
	return Config{
		MaxDistance:       0.15,
		GracePeriod:       5,
		OrientationWeight: 0.05,
		HistoryLen:        8,
	}
}

// Validate rejects configurations that cannot track anything.
func (c Config) Validate() error {
	if c.MaxDistance <= 0 {
		return fmt.Errorf("max distance must be > 0, got %f", c.MaxDistance)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must be >= 0, got %d", c.GracePeriod)
	}
	if c.OrientationWeight < 0 {
		return fmt.Errorf("orientation weight must be >= 0, got %f", c.OrientationWeight)
	}
	if c.HistoryLen < 1 {
		return fmt.Errorf("history length must be >= 1, got %d", c.HistoryLen)
	}
	return nil
}

// State is one live face.
type State struct {
	ID        int
	FirstSeen uint64
	LastSeen  uint64
	Hits      int
	// Misses counts consecutive detector outputs without a match.
	Misses  int
	History []types.Pose // oldest first
}

// Interval converts the state into the summary persisted for it.
func (s State) Interval() types.FaceInterval {
	return types.FaceInterval{
		SessionFaceID: s.ID,
		FirstSequence: s.FirstSeen,
		LastSequence:  s.LastSeen,
		Detections:    s.Hits,
	}
}

// predicted extrapolates the last position by the last observed velocity
// over the ticks the face has been missing.
func (s State) predicted() r3.Vec {
	n := len(s.History)
	last := s.History[n-1].Position
	if n < 2 {
		return last
	}
	vel := r3.Sub(last, s.History[n-2].Position)
	return r3.Add(last, r3.Scale(float64(s.Misses+1), vel))
}

// IDSource hands out session face ids. Ids only grow, so a retired id is
// never given to another face during the same session.
type IDSource struct {
	last int
}

// Next returns a fresh id.
func (s *IDSource) Next() int {
	s.last++
	return s.last
}

// Result is the outcome of one matching tick.
type Result struct {
	// States are the faces still live after the tick, ordered by id.
	States []State
	// Assignments holds the session face id for each input detection.
	Assignments []int
	// Retired are the faces dropped on this tick.
	Retired []State
}

type candidate struct {
	state int
	det   int
	dist  float64
}

// Match runs one greedy nearest-neighbour tick. prior is not modified.
func Match(prior []State, detections []types.Pose, seq uint64, cfg Config, ids *IDSource) Result {
	var cands []candidate
	for si, s := range prior {
		pred := s.predicted()
		lastRot := s.History[len(s.History)-1].Orientation
		for di, d := range detections {
			dist := r3.Norm(r3.Sub(d.Position, pred)) + cfg.OrientationWeight*angle(lastRot, d.Orientation)
			if dist <= cfg.MaxDistance {
				cands = append(cands, candidate{state: si, det: di, dist: dist})
			}
		}
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		if c := cmp.Compare(prior[a.state].ID, prior[b.state].ID); c != 0 {
			return c
		}
		return cmp.Compare(a.det, b.det)
	})

	stateDet := make([]int, len(prior))
	for i := range stateDet {
		stateDet[i] = -1
	}
	assignments := make([]int, len(detections))
	for _, c := range cands {
		if stateDet[c.state] != -1 || assignments[c.det] != 0 {
			continue
		}
		stateDet[c.state] = c.det
		assignments[c.det] = prior[c.state].ID
	}

	res := Result{Assignments: assignments}
	for si, s := range prior {
		if di := stateDet[si]; di != -1 {
			s.LastSeen = seq
			s.Hits++
			s.Misses = 0
			s.History = appendHistory(s.History, detections[di], cfg.HistoryLen)
			res.States = append(res.States, s)
			continue
		}
		s.Misses++
		if s.Misses > cfg.GracePeriod {
			res.Retired = append(res.Retired, s)
			continue
		}
		res.States = append(res.States, s)
	}
	for di, d := range detections {
		if assignments[di] != 0 {
			continue
		}
		id := ids.Next()
		assignments[di] = id
		res.States = append(res.States, State{
			ID:        id,
			FirstSeen: seq,
			LastSeen:  seq,
			Hits:      1,
			History:   []types.Pose{d},
		})
	}
	slices.SortFunc(res.States, func(a, b State) int { return cmp.Compare(a.ID, b.ID) })
	return res
}

func appendHistory(h []types.Pose, p types.Pose, limit int) []types.Pose {
	if len(h) >= limit {
		h = h[len(h)-limit+1:]
	}
	out := make([]types.Pose, 0, len(h)+1)
	out = append(out, h...)
	return append(out, p)
}

// angle is the rotation between two orientations in radians. Zero
// quaternions contribute nothing.
func angle(a, b quat.Number) float64 {
	na, nb := quat.Abs(a), quat.Abs(b)
	if na == 0 || nb == 0 {
		return 0
	}
	a, b = quat.Scale(1/na, a), quat.Scale(1/nb, b)
	dot := math.Abs(a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag)
	return 2 * math.Acos(math.Min(1, dot))
}

// Tracker keeps the live faces of one session. It is not safe for
// concurrent use.
type Tracker struct {
	cfg    Config
	ids    IDSource
	states []State
}

// New returns an empty tracker.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// Update matches the faces detected on frame seq, returning the records to
// attach to that frame and the intervals of faces retired by this tick.
func (t *Tracker) Update(seq uint64, faces []types.FaceGeometry) ([]types.FaceMeshRecord, []types.FaceInterval) {
	poses := make([]types.Pose, len(faces))
	for i, f := range faces {
		poses[i] = f.Pose
	}
	res := Match(t.states, poses, seq, t.cfg, &t.ids)
	t.states = res.States

	var records []types.FaceMeshRecord
	if len(faces) > 0 {
		records = make([]types.FaceMeshRecord, len(faces))
		for i, f := range faces {
			records[i] = types.FaceMeshRecord{
				SessionFaceID: res.Assignments[i],
				Vertices:      f.Vertices,
				Normals:       f.Normals,
				Pose:          f.Pose,
			}
		}
	}
	var retired []types.FaceInterval
	for _, s := range res.Retired {
		retired = append(retired, s.Interval())
	}
	return records, retired
}

// States returns a copy of the live faces.
func (t *Tracker) States() []State {
	return slices.Clone(t.states)
}

// Flush retires every live face and returns their intervals.
func (t *Tracker) Flush() []types.FaceInterval {
	var out []types.FaceInterval
	for _, s := range t.states {
		out = append(out, s.Interval())
	}
	t.states = nil
	return out
}
