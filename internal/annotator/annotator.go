// Package annotator binds each raw frame to the faces detected on exactly
// that frame.
//
// Detection runs out of band: Submit starts a detector call as soon as a
// frame is captured, and Annotate later joins the result back by sequence
// number. A result that misses its deadline is abandoned and, if it arrives
// afterwards, discarded. It is never attached to another frame and never
// reaches the tracker.
package annotator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/meshline/internal/detector"
	"github.com/andresmejia3/meshline/internal/topology"
	"github.com/andresmejia3/meshline/internal/tracker"
	"github.com/andresmejia3/meshline/internal/types"
	"github.com/andresmejia3/meshline/internal/utils"
)

// ErrDetectorTimeout is reported through events when a frame is forwarded
// without metadata because its result missed the deadline.
var ErrDetectorTimeout = errors.New("detector result missed deadline")

// DetectorError is a detector failure that makes further annotation
// pointless.
type DetectorError struct {
	Sequence uint64
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector failed on frame %d: %v", e.Sequence, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

// Config bounds how long detection may hold up a frame.
type Config struct {
	// Deadline is the longest Annotate waits for a frame's result.
	Deadline time.Duration
	// Grace is how long a detector call may keep running once its result is
	// no longer wanted, and how long Close waits for in-flight calls.
	Grace time.Duration
	// MaxInFlight caps concurrent detector calls.
	MaxInFlight int
	Tracker     tracker.Config
}

// DefaultConfig suits a 30 fps stream.
func DefaultConfig() Config {
	return Config{
		Deadline:    50 * time.Millisecond,
		Grace:       500 * time.Millisecond,
		MaxInFlight: 4,
		Tracker:     tracker.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Deadline <= 0 {
		return fmt.Errorf("detector deadline must be > 0, got %s", c.Deadline)
	}
	if c.Grace < 0 {
		return fmt.Errorf("detector grace must be >= 0, got %s", c.Grace)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max in-flight detections must be >= 1, got %d", c.MaxInFlight)
	}
	return c.Tracker.Validate()
}

type result struct {
	faces []types.FaceGeometry
	err   error
}

type pending struct {
	ch        chan result // capacity 1
	abandoned bool
}

// Annotator owns the tracker and the detector result buffer. Submit and
// Forget may be called from any goroutine; Annotate must be called from a
// single goroutine in sequence order.
type Annotator struct {
	det     detector.Detector
	tracker *tracker.Tracker
	emit    func(types.Event)
	grace   time.Duration
	sem     chan struct{}

	deadline atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[uint64]*pending

	failOnce sync.Once
	failed   chan struct{}
	err      error
}

// New returns an annotator. emit receives non-fatal events and may be nil.
func New(det detector.Detector, cfg Config, emit func(types.Event)) *Annotator {
	if emit == nil {
		emit = func(types.Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Annotator{
		det:     det,
		tracker: tracker.New(cfg.Tracker),
		emit:    emit,
		grace:   cfg.Grace,
		sem:     make(chan struct{}, cfg.MaxInFlight),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]*pending),
		failed:  make(chan struct{}),
	}
	a.deadline.Store(int64(cfg.Deadline))
	return a
}

// SetDeadline changes the wait applied to subsequent Annotate calls.
func (a *Annotator) SetDeadline(d time.Duration) {
	a.deadline.Store(int64(d))
}

// Submit starts detection for raw without waiting for it. It reports false
// when the in-flight limit is reached; that frame will carry no metadata.
func (a *Annotator) Submit(raw types.RawFrame) bool {
	select {
	case a.sem <- struct{}{}:
	default:
		a.emit(types.Event{Type: types.EventDetectorSkipped, Timestamp: time.Now(), Sequence: raw.Sequence})
		return false
	}

	p := &pending{ch: make(chan result, 1)}
	a.mu.Lock()
	a.pending[raw.Sequence] = p
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(a.ctx, time.Duration(a.deadline.Load())+a.grace)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.sem }()
		defer cancel()

		faces, err := a.det.Detect(ctx, raw)
		if err != nil && ctx.Err() == nil && !errors.Is(err, detector.ErrFrameRejected) {
			a.fail(&DetectorError{Sequence: raw.Sequence, Err: err})
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		if p.abandoned {
			a.emit(types.Event{Type: types.EventLateResult, Timestamp: time.Now(), Sequence: raw.Sequence, Err: err})
			return
		}
		p.ch <- result{faces: faces, err: err}
	}()
	return true
}

// Forget abandons detection for a frame that left the pipeline early.
func (a *Annotator) Forget(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pending[seq]; ok {
		p.abandoned = true
		delete(a.pending, seq)
	}
}

// Failed is closed once the detector has become unusable.
func (a *Annotator) Failed() <-chan struct{} {
	return a.failed
}

// Err returns the detector failure, if any.
func (a *Annotator) Err() error {
	select {
	case <-a.failed:
		return a.err
	default:
		return nil
	}
}

func (a *Annotator) fail(err error) {
	a.failOnce.Do(func() {
		a.err = err
		close(a.failed)
	})
}

// Annotate returns raw with the faces detected on it. Without a result
// inside the deadline the frame is returned with no faces. The only errors
// are a detector failure and ctx cancellation.
func (a *Annotator) Annotate(ctx context.Context, raw types.RawFrame) (*types.AnnotatedFrame, error) {
	if err := a.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	p, ok := a.pending[raw.Sequence]
	a.mu.Unlock()
	if !ok {
		return types.NewAnnotatedFrame(raw, nil), nil
	}

	timer := time.NewTimer(time.Duration(a.deadline.Load()))
	defer timer.Stop()

	var res result
	select {
	case res = <-p.ch:
		a.Forget(raw.Sequence)
	case <-timer.C:
		var arrived bool
		if res, arrived = a.abandon(raw.Sequence, p); !arrived {
			a.emit(types.Event{Type: types.EventDetectorTimeout, Timestamp: time.Now(), Sequence: raw.Sequence, Err: ErrDetectorTimeout})
			return types.NewAnnotatedFrame(raw, nil), nil
		}
	case <-a.failed:
		a.abandon(raw.Sequence, p)
		return nil, a.err
	case <-ctx.Done():
		a.abandon(raw.Sequence, p)
		return nil, ctx.Err()
	}

	return a.bind(raw, res)
}

// abandon drops the pending entry unless its result slipped in meanwhile.
func (a *Annotator) abandon(seq uint64, p *pending) (result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, seq)
	select {
	case res := <-p.ch:
		return res, true
	default:
		p.abandoned = true
		return result{}, false
	}
}

func (a *Annotator) bind(raw types.RawFrame, res result) (*types.AnnotatedFrame, error) {
	switch {
	case res.err == nil:
	case errors.Is(res.err, detector.ErrFrameRejected):
		a.emit(types.Event{Type: types.EventDetectorRejected, Timestamp: time.Now(), Sequence: raw.Sequence, Err: res.err})
		return types.NewAnnotatedFrame(raw, nil), nil
	case errors.Is(res.err, context.DeadlineExceeded), errors.Is(res.err, context.Canceled):
		a.emit(types.Event{Type: types.EventDetectorTimeout, Timestamp: time.Now(), Sequence: raw.Sequence, Err: ErrDetectorTimeout})
		return types.NewAnnotatedFrame(raw, nil), nil
	default:
		if err := a.Err(); err != nil {
			return nil, err
		}
		return nil, &DetectorError{Sequence: raw.Sequence, Err: res.err}
	}

	faces := res.faces[:0:0]
	for i, f := range res.faces {
		if err := topology.CheckCounts(len(f.Vertices), len(f.Normals)); err != nil {
			utils.Logf("frame %d: dropping face %d: %v", raw.Sequence, i, err)
			continue
		}
		faces = append(faces, f)
	}

	records, retired := a.tracker.Update(raw.Sequence, faces)
	for i := range retired {
		a.emit(types.Event{Type: types.EventFaceRetired, Timestamp: time.Now(), Sequence: raw.Sequence, Interval: &retired[i]})
	}
	return types.NewAnnotatedFrame(raw, records), nil
}

// Tracked returns the faces currently held by the tracker. Like Annotate it
// must not be called concurrently with Annotate.
func (a *Annotator) Tracked() []tracker.State {
	return a.tracker.States()
}

// Close waits up to the grace period for in-flight detector calls, cancels
// whatever is left, and returns the intervals of faces still tracked.
func (a *Annotator) Close() []types.FaceInterval {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.grace):
		utils.Logf("abandoning in-flight detector calls after %s", a.grace)
	}
	a.cancel()
	return a.tracker.Flush()
}
