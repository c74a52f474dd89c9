// Package pipeline wires a frame source, the annotator, the transform chain
// and a sink into one controlled stream.
//
// One goroutine captures frames, starts their detection and pushes them into
// a bounded queue that drops its oldest frame when full. A second goroutine
// pops frames in sequence order, waits (bounded) for their metadata, runs the
// chain and hands the result to the sink. Only detector calls run
// concurrently with the stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/meshline/internal/annotator"
	"github.com/andresmejia3/meshline/internal/chain"
	"github.com/andresmejia3/meshline/internal/detector"
	"github.com/andresmejia3/meshline/internal/sink"
	"github.com/andresmejia3/meshline/internal/source"
	"github.com/andresmejia3/meshline/internal/types"
	"github.com/andresmejia3/meshline/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Stats is a point-in-time snapshot of the controller counters.
type Stats struct {
	State            State
	Captured         uint64
	Delivered        uint64
	QueueDrops       uint64
	DetectorSkipped  uint64
	DetectorTimeouts uint64
	DetectorRejected uint64
	LateResults      uint64
	StageDrops       uint64
	StageTimeouts    uint64
	SinkDrops        uint64
	FacesRetired     uint64
	EventsDropped    uint64
	Queued           int
}

type counters struct {
	captured, delivered                                      atomic.Uint64
	queueDrops, detectorSkipped, detectorTimeouts, rejected  atomic.Uint64
	lateResults, stageDrops, stageTimeouts, sinkDrops, faces atomic.Uint64
	eventsDropped                                            atomic.Uint64
}

// Controller runs one stream. It is single use: once Stopped or Errored it
// cannot be started again.
type Controller struct {
	src    source.Source
	det    detector.Detector
	stages []chain.Stage
	sink   sink.Sink

	mu            sync.Mutex
	cfg           Config
	state         State
	caps          source.Capabilities
	stopRequested bool
	stopCapture   context.CancelFunc
	abort         context.CancelFunc
	err           error

	ann         *annotator.Annotator
	chain       *chain.Chain
	queue       *frameQueue
	sinkTimeout atomic.Int64
	aborted     atomic.Bool
	closeSrc    sync.Once
	ended       sync.Once

	eventsMu     sync.RWMutex
	events       chan types.Event
	eventsClosed bool

	intervalsMu sync.Mutex
	intervals   []types.FaceInterval

	done chan struct{}
	n    counters
}

// New validates cfg and returns an idle controller. stages run in the
// order given and stay fixed for the life of the controller.
func New(src source.Source, det detector.Detector, stages []chain.Stage, snk sink.Sink, cfg Config) (*Controller, error) {
	if src == nil || det == nil || snk == nil {
		return nil, errors.New("pipeline needs a source, a detector and a sink")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	c := &Controller{
		src:    src,
		det:    det,
		stages: stages,
		sink:   snk,
		cfg:    cfg,
		events: make(chan types.Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	c.sinkTimeout.Store(int64(cfg.SinkTimeout))
	return c, nil
}

// Start negotiates capabilities with the source and, on success, starts
// the stream. ctx bounds the whole run: cancelling it aborts the pipeline.
// A failed start leaves the controller Errored with a *StartError.
func (c *Controller) Start(ctx context.Context) (source.Capabilities, error) {
	c.mu.Lock()
	if c.state != Uninitialized {
		c.mu.Unlock()
		return source.Capabilities{}, ErrAlreadyStarted
	}
	c.state = Negotiating
	requested := c.cfg.Requested
	c.mu.Unlock()
	c.emitState(Negotiating)

	caps, err := c.src.Open(ctx, requested)
	if err != nil {
		err = &StartError{Err: err}
		c.closeSource()
		if cerr := c.sink.Close(); cerr != nil {
			utils.Logf("closing sink after failed start: %v", cerr)
		}
		c.end(err)
		return source.Capabilities{}, err
	}

	runCtx, abort := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	capCtx, stopCapture := context.WithCancel(gctx)

	c.mu.Lock()
	c.caps = caps
	c.ann = annotator.New(c.det, c.cfg.Annotator, c.emit)
	c.chain = chain.New(c.stages, c.cfg.StageBudget, c.emit)
	c.queue = newFrameQueue(c.cfg.QueueCapacity)
	c.abort, c.stopCapture = abort, stopCapture
	if c.stopRequested {
		stopCapture()
	}
	c.mu.Unlock()

	// Unblock a source stuck in Next and a processor waiting on the queue.
	context.AfterFunc(capCtx, c.closeSource)
	context.AfterFunc(gctx, c.queue.close)

	c.transition(Running)

	processed := make(chan struct{})
	g.Go(func() error { return c.capture(capCtx, gctx) })
	g.Go(func() error {
		defer close(processed)
		return c.process(gctx)
	})
	g.Go(func() error {
		select {
		case <-c.ann.Failed():
			return c.ann.Err()
		case <-processed:
			return nil
		}
	})

	go func() {
		err := g.Wait()
		stopCapture()
		c.finish(err)
		abort()
	}()
	return caps, nil
}

// capture reads the source until end of stream, a stop request or an error.
// Only the first two drain the queue; a run that is being torn down goes
// straight to Errored.
func (c *Controller) capture(ctx, gctx context.Context) error {
	var last uint64
	for {
		raw, err := c.src.Next(ctx)
		if err != nil {
			switch {
			case gctx.Err() != nil:
				return gctx.Err()
			case errors.Is(err, io.EOF):
			case ctx.Err() != nil:
				// Stop requested.
			default:
				return &SourceError{Err: err}
			}
			c.queue.close()
			c.transition(Draining)
			return nil
		}
		if raw.Sequence <= last {
			return &SourceError{Err: fmt.Errorf("frame %d arrived after frame %d", raw.Sequence, last)}
		}
		last = raw.Sequence
		c.n.captured.Add(1)

		c.ann.Submit(raw)
		if old, dropped := c.queue.push(raw); dropped {
			c.ann.Forget(old.Sequence)
			c.emit(types.Event{Type: types.EventQueueDrop, Sequence: old.Sequence})
		}
	}
}

// process handles queued frames strictly in order.
func (c *Controller) process(ctx context.Context) error {
	for {
		raw, ok := c.queue.pop()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.ann.Forget(raw.Sequence)
			c.emit(types.Event{Type: types.EventQueueDrop, Sequence: raw.Sequence})
			return err
		}

		f, err := c.ann.Annotate(ctx, raw)
		if err != nil {
			return err
		}
		out, err := c.chain.Process(ctx, f)
		if err != nil {
			return err
		}
		if out == nil {
			continue
		}
		if err := c.deliver(ctx, out); err != nil {
			return err
		}
	}
}

// deliver offers f to the sink until it is taken or the sink timeout runs
// out, in which case the frame is dropped. The timeout also bounds a single
// Accept call that blocks.
func (c *Controller) deliver(ctx context.Context, f *types.AnnotatedFrame) error {
	deadline := time.Now().Add(time.Duration(c.sinkTimeout.Load()))
	for {
		actx, cancel := context.WithDeadline(ctx, deadline)
		err := c.sink.Accept(actx, f)
		expired := actx.Err() != nil
		cancel()
		if err == nil {
			c.n.delivered.Add(1)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, sink.ErrBackpressure) && !expired {
			return &SinkError{Sequence: f.Sequence, Err: err}
		}
		if expired || !time.Now().Before(deadline) {
			c.emit(types.Event{Type: types.EventSinkDrop, Sequence: f.Sequence, Err: err})
			return nil
		}
		select {
		case <-time.After(c.cfg.SinkRetry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) finish(err error) {
	for _, raw := range c.queue.discard() {
		c.ann.Forget(raw.Sequence)
		c.emit(types.Event{Type: types.EventQueueDrop, Sequence: raw.Sequence})
	}
	if c.aborted.Load() && errors.Is(err, context.Canceled) {
		err = nil
	}

	for _, iv := range c.ann.Close() {
		c.emit(types.Event{Type: types.EventFaceRetired, Interval: &iv})
	}
	c.closeSource()
	if cerr := c.sink.Close(); cerr != nil && err == nil {
		err = &SinkError{Err: cerr}
	}
	c.end(err)
}

// end moves to the terminal state and releases the event channel. Only the
// first call has any effect.
func (c *Controller) end(err error) {
	c.ended.Do(func() {
		if err != nil {
			c.transition(Errored)
		} else {
			c.transition(Draining)
			c.transition(Stopped)
		}

		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		c.eventsMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.eventsMu.Unlock()
		close(c.done)
	})
}

func (c *Controller) closeSource() {
	c.closeSrc.Do(func() {
		if err := c.src.Close(); err != nil {
			utils.Logf("closing source: %v", err)
		}
	})
}

// Stop ends capture and lets queued frames finish. If ctx expires first the
// remaining frames are dropped and ctx.Err() is returned; the controller
// still ends Stopped. Stop returns the terminal error if the pipeline failed.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopRequested = true
	if c.state == Uninitialized {
		// Claim the terminal state before unlocking so a racing Start fails.
		c.state = Stopped
		c.mu.Unlock()
		c.emitState(Stopped)
		c.end(nil)
		return nil
	}
	stopCapture := c.stopCapture
	c.mu.Unlock()

	if stopCapture != nil {
		stopCapture()
	}
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
	}

	c.aborted.Store(true)
	c.mu.Lock()
	abort := c.abort
	c.mu.Unlock()
	if abort != nil {
		abort()
	}
	<-c.done
	if err := c.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// Wait blocks until the controller is Stopped or Errored and returns the
// terminal error.
func (c *Controller) Wait() error {
	<-c.done
	return c.Err()
}

// Done is closed once the controller reaches a terminal state.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, nil while running or after a clean stop.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Capabilities returns what the source confirmed during Start.
func (c *Controller) Capabilities() source.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Events delivers notable non-fatal occurrences. It is closed when the
// controller reaches a terminal state. Events are dropped rather than
// block the stream when the channel is full.
func (c *Controller) Events() <-chan types.Event {
	return c.events
}

// Intervals returns every face interval retired so far, including the
// faces still tracked at the end of the stream once Wait has returned.
func (c *Controller) Intervals() []types.FaceInterval {
	c.intervalsMu.Lock()
	defer c.intervalsMu.Unlock()
	out := make([]types.FaceInterval, len(c.intervals))
	copy(out, c.intervals)
	return out
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	s := Stats{
		State:            c.State(),
		Captured:         c.n.captured.Load(),
		Delivered:        c.n.delivered.Load(),
		QueueDrops:       c.n.queueDrops.Load(),
		DetectorSkipped:  c.n.detectorSkipped.Load(),
		DetectorTimeouts: c.n.detectorTimeouts.Load(),
		DetectorRejected: c.n.rejected.Load(),
		LateResults:      c.n.lateResults.Load(),
		StageDrops:       c.n.stageDrops.Load(),
		StageTimeouts:    c.n.stageTimeouts.Load(),
		SinkDrops:        c.n.sinkDrops.Load(),
		FacesRetired:     c.n.faces.Load(),
		EventsDropped:    c.n.eventsDropped.Load(),
	}
	c.mu.Lock()
	if c.queue != nil {
		s.Queued = c.queue.len()
	}
	c.mu.Unlock()
	return s
}

// Reconfigure changes the runtime timeouts. Stages and capacities stay as
// they were.
func (c *Controller) Reconfigure(t Tuning) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return fmt.Errorf("cannot reconfigure a %s pipeline", c.state)
	}
	c.cfg.Annotator.Deadline = t.DetectorDeadline
	c.cfg.StageBudget = t.StageBudget
	c.cfg.SinkTimeout = t.SinkTimeout
	c.sinkTimeout.Store(int64(t.SinkTimeout))
	if c.ann != nil {
		c.ann.SetDeadline(t.DetectorDeadline)
		c.chain.SetBudget(t.StageBudget)
	}
	return nil
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	if !canTransition(c.state, to) {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.emitState(to)
}

func (c *Controller) emitState(s State) {
	c.emit(types.Event{Type: types.EventStateChanged, State: s.String()})
}

// emit counts e and forwards it without blocking. It is called from the
// processor and from detector goroutines.
func (c *Controller) emit(e types.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	switch e.Type {
	case types.EventQueueDrop:
		c.n.queueDrops.Add(1)
	case types.EventDetectorSkipped:
		c.n.detectorSkipped.Add(1)
	case types.EventDetectorTimeout:
		c.n.detectorTimeouts.Add(1)
	case types.EventDetectorRejected:
		c.n.rejected.Add(1)
	case types.EventLateResult:
		c.n.lateResults.Add(1)
	case types.EventStageDrop:
		c.n.stageDrops.Add(1)
	case types.EventStageTimeout:
		c.n.stageTimeouts.Add(1)
	case types.EventSinkDrop:
		c.n.sinkDrops.Add(1)
	case types.EventFaceRetired:
		c.n.faces.Add(1)
		if e.Interval != nil {
			c.intervalsMu.Lock()
			c.intervals = append(c.intervals, *e.Interval)
			c.intervalsMu.Unlock()
		}
	}

	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.n.eventsDropped.Add(1)
	}
}
