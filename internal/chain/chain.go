// Package chain runs annotated frames through an ordered list of transform
// stages.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/andresmejia3/meshline/internal/utils"
)

// ErrStageTimeout is reported through events when a stage overruns its
// budget and the frame is dropped.
var ErrStageTimeout = errors.New("stage exceeded its time budget")

// StageError is an unrecoverable stage failure.
type StageError struct {
	Stage    string
	Sequence uint64
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed on frame %d: %v", e.Stage, e.Sequence, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stage transforms one frame. Returning a nil frame and a nil error drops
// the frame. The returned frame must carry the input's sequence number; a
// stage may rewrite pixels only through MutablePixels.
type Stage interface {
	Name() string
	Transform(ctx context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error)
}

type funcStage struct {
	name string
	fn   func(context.Context, *types.AnnotatedFrame) (*types.AnnotatedFrame, error)
}

func (s funcStage) Name() string { return s.name }

func (s funcStage) Transform(ctx context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
	return s.fn(ctx, f)
}

// StageFunc wraps fn as a Stage called name.
func StageFunc(name string, fn func(context.Context, *types.AnnotatedFrame) (*types.AnnotatedFrame, error)) Stage {
	return funcStage{name: name, fn: fn}
}

type outcome struct {
	frame *types.AnnotatedFrame
	err   error
}

type slot struct {
	stage Stage
	// overrun is non-nil while a call that blew its budget is still running.
	overrun chan outcome
}

// Chain is a fixed, ordered list of stages. Process must not be called
// concurrently.
type Chain struct {
	slots  []*slot
	budget atomic.Int64
	emit   func(types.Event)
}

// New builds a chain. A budget of zero or less disables the per-stage time
// limit. emit may be nil.
func New(stages []Stage, budget time.Duration, emit func(types.Event)) *Chain {
	if emit == nil {
		emit = func(types.Event) {}
	}
	c := &Chain{emit: emit}
	for _, s := range stages {
		c.slots = append(c.slots, &slot{stage: s})
	}
	c.budget.Store(int64(budget))
	return c
}

// SetBudget changes the per-stage budget for subsequent frames.
func (c *Chain) SetBudget(d time.Duration) {
	c.budget.Store(int64(d))
}

// Names lists the stages in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.slots))
	for i, s := range c.slots {
		names[i] = s.stage.Name()
	}
	return names
}

// Process runs f through every stage in order. It returns a nil frame when
// a stage dropped it or overran its budget, and an error only for failures
// that should stop the pipeline.
func (c *Chain) Process(ctx context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
	for _, s := range c.slots {
		out, err := c.run(ctx, s, f)
		if err != nil || out == nil {
			return nil, err
		}
		f = out
	}
	return f, nil
}

func (c *Chain) run(ctx context.Context, s *slot, in *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
	name := s.stage.Name()
	budget := time.Duration(c.budget.Load())

	var timeout <-chan time.Time
	if budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		timeout = timer.C
	}

	// A stage never runs concurrently with itself. While its previous call
	// is still overrunning, the new frame waits inside the same budget.
	if s.overrun != nil {
		select {
		case <-s.overrun:
			s.overrun = nil
		case <-timeout:
			c.timedOut(name, in.Sequence)
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if budget > 0 {
		callCtx, cancel = context.WithTimeout(ctx, budget)
	}
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := s.stage.Transform(callCtx, in)
		done <- outcome{frame: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-timeout:
		s.overrun = done
		c.timedOut(name, in.Sequence)
		return nil, nil
	case <-ctx.Done():
		s.overrun = done
		return nil, ctx.Err()
	}

	switch {
	case res.err != nil:
		return nil, &StageError{Stage: name, Sequence: in.Sequence, Err: res.err}
	case res.frame == nil:
		c.emit(types.Event{Type: types.EventStageDrop, Timestamp: time.Now(), Sequence: in.Sequence, Stage: name})
		return nil, nil
	case res.frame.Sequence != in.Sequence:
		return nil, &StageError{
			Stage:    name,
			Sequence: in.Sequence,
			Err:      fmt.Errorf("returned frame %d in place of %d", res.frame.Sequence, in.Sequence),
		}
	}
	return res.frame, nil
}

func (c *Chain) timedOut(stage string, seq uint64) {
	utils.Logf("stage %q dropped frame %d: %v", stage, seq, ErrStageTimeout)
	c.emit(types.Event{Type: types.EventStageTimeout, Timestamp: time.Now(), Sequence: seq, Stage: stage, Err: ErrStageTimeout})
}
