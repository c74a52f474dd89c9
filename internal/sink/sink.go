// Package sink delivers finished frames out of the pipeline.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/meshline/internal/types"
)

// ErrBackpressure is returned by Accept when the sink cannot take a frame
// right now. The caller may offer the same frame again.
var ErrBackpressure = errors.New("sink is not ready for another frame")

// Sink receives frames in sequence order. Accept must return once ctx is
// done; the frame is then dropped. Any other error except ErrBackpressure is
// fatal to the pipeline.
type Sink interface {
	Accept(ctx context.Context, f *types.AnnotatedFrame) error
	Close() error
}

// Channel hands frames to a buffered channel, reporting backpressure when
// the buffer is full.
type Channel struct {
	C chan *types.AnnotatedFrame
}

// NewChannel returns a sink buffering up to size frames.
func NewChannel(size int) *Channel {
	return &Channel{C: make(chan *types.AnnotatedFrame, size)}
}

func (c *Channel) Accept(ctx context.Context, f *types.AnnotatedFrame) error {
	select {
	case c.C <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close closes C. Accept must not be called afterwards.
func (c *Channel) Close() error {
	close(c.C)
	return nil
}

// Multi fans every frame out to several sinks. When one of them pushes back,
// the frame is offered again later only to the sinks that have not taken it.
type Multi struct {
	sinks     []Sink
	seq       uint64
	delivered []bool
}

// NewMulti combines sinks, delivering to them in order.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, delivered: make([]bool, len(sinks))}
}

func (m *Multi) Accept(ctx context.Context, f *types.AnnotatedFrame) error {
	if f.Sequence != m.seq {
		m.seq = f.Sequence
		clear(m.delivered)
	}
	var pushedBack bool
	for i, s := range m.sinks {
		if m.delivered[i] {
			continue
		}
		switch err := s.Accept(ctx, f); {
		case err == nil:
			m.delivered[i] = true
		case errors.Is(err, ErrBackpressure):
			pushedBack = true
		default:
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	if pushedBack {
		return ErrBackpressure
	}
	return nil
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
