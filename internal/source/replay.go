package source

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/andresmejia3/meshline/internal/types"
)

// Replay plays back frames held in memory. Sequence numbers and timestamps
// are assigned on the way out.
type Replay struct {
	Offered Capabilities
	Frames  [][]byte
	// Interval paces Next. Zero returns frames as fast as they are asked for.
	Interval time.Duration
	// Err, when set, is returned in place of io.EOF after the last frame.
	Err error

	opened bool
	pos    int
	clock  clock
	ticker *time.Ticker
}

// NewReplay returns a source offering caps that plays n blank frames of the
// offered size.
func NewReplay(caps Capabilities, n int) *Replay {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = make([]byte, caps.Width*caps.Height*4)
	}
	return &Replay{Offered: caps, Frames: frames}
}

func (s *Replay) Open(ctx context.Context, requested Capabilities) (Capabilities, error) {
	confirmed, err := negotiate("replay", requested, s.Offered)
	if err != nil {
		return Capabilities{}, err
	}
	s.opened = true
	s.clock = clock{fps: s.Offered.FPS}
	if s.Interval > 0 {
		s.ticker = time.NewTicker(s.Interval)
	}
	return confirmed, nil
}

func (s *Replay) Next(ctx context.Context) (types.RawFrame, error) {
	if !s.opened {
		return types.RawFrame{}, errors.New("replay source not open")
	}
	if s.pos >= len(s.Frames) {
		if s.Err != nil {
			return types.RawFrame{}, s.Err
		}
		return types.RawFrame{}, io.EOF
	}
	if s.ticker != nil {
		select {
		case <-s.ticker.C:
		case <-ctx.Done():
			return types.RawFrame{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return types.RawFrame{}, err
	}
	pix := s.Frames[s.pos]
	s.pos++
	return s.clock.stamp(s.Offered.Width, s.Offered.Height, pix), nil
}

func (s *Replay) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}
