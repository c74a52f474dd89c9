package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/andresmejia3/meshline/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(seq uint64) *types.AnnotatedFrame {
	return types.NewAnnotatedFrame(types.RawFrame{Sequence: seq, Width: 1, Height: 1, Pix: make([]byte, 4)}, nil)
}

func passthrough(name string) Stage {
	return StageFunc(name, func(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
		return f, nil
	})
}

type events struct {
	mu  sync.Mutex
	got []types.Event
}

func (e *events) emit(ev types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func (e *events) kinds() []types.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.EventType
	for _, ev := range e.got {
		out = append(out, ev.Type)
	}
	return out
}

func TestDropEveryThirdKeepsTwoThirdsInOrder(t *testing.T) {
	n := 0
	dropper := StageFunc("drop-third", func(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
		n++
		if n%3 == 0 {
			return nil, nil
		}
		return f, nil
	})
	c := New([]Stage{passthrough("a"), dropper, passthrough("b")}, time.Second, nil)

	var out []uint64
	for seq := uint64(1); seq <= 30; seq++ {
		f, err := c.Process(context.Background(), frame(seq))
		require.NoError(t, err)
		if f != nil {
			out = append(out, f.Sequence)
		}
	}
	require.Len(t, out, 20)
	assert.IsIncreasing(t, out)
	assert.NotContains(t, out, uint64(3))
	assert.NotContains(t, out, uint64(30))
}

func TestStagesRunInInstallationOrder(t *testing.T) {
	var order []string
	mk := func(name string) Stage {
		return StageFunc(name, func(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
			order = append(order, name)
			return f, nil
		})
	}
	c := New([]Stage{mk("first"), mk("second"), mk("third")}, 0, nil)
	_, err := c.Process(context.Background(), frame(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, []string{"first", "second", "third"}, c.Names())
}

func TestDroppedFrameSkipsLaterStages(t *testing.T) {
	called := false
	rec := &events{}
	c := New([]Stage{
		StageFunc("drop", func(context.Context, *types.AnnotatedFrame) (*types.AnnotatedFrame, error) { return nil, nil }),
		StageFunc("after", func(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
			called = true
			return f, nil
		}),
	}, time.Second, rec.emit)

	f, err := c.Process(context.Background(), frame(1))
	assert.NoError(t, err)
	assert.Nil(t, f)
	assert.False(t, called)
	assert.Equal(t, []types.EventType{types.EventStageDrop}, rec.kinds())
}

func TestStageErrorIsFatal(t *testing.T) {
	boom := errors.New("codec exploded")
	c := New([]Stage{StageFunc("encode", func(context.Context, *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
		return nil, boom
	})}, time.Second, nil)

	_, err := c.Process(context.Background(), frame(7))
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "encode", serr.Stage)
	assert.Equal(t, uint64(7), serr.Sequence)
	assert.ErrorIs(t, err, boom)
}

func TestPanicIsStageError(t *testing.T) {
	c := New([]Stage{StageFunc("bad", func(context.Context, *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
		panic("index out of range")
	})}, time.Second, nil)

	_, err := c.Process(context.Background(), frame(1))
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, err.Error(), "index out of range")
}

func TestReorderingIsStageError(t *testing.T) {
	var held *types.AnnotatedFrame
	c := New([]Stage{StageFunc("swap", func(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
		prev := held
		held = f
		if prev == nil {
			return f, nil
		}
		return prev, nil
	})}, time.Second, nil)

	_, err := c.Process(context.Background(), frame(1))
	require.NoError(t, err)
	_, err = c.Process(context.Background(), frame(2))
	var serr *StageError
	assert.ErrorAs(t, err, &serr)
}

func TestOverrunDropsFrameAndContinues(t *testing.T) {
	release := make(chan struct{})
	slow := StageFunc("slow", func(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
		if f.Sequence == 1 {
			<-release
		}
		return f, nil
	})
	var logged []string
	utils.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { utils.SetLogger(log.Printf) })

	rec := &events{}
	c := New([]Stage{slow}, 10*time.Millisecond, rec.emit)

	f, err := c.Process(context.Background(), frame(1))
	require.NoError(t, err)
	assert.Nil(t, f, "overrunning frame is dropped")

	// The first call is still running, so frame 2 is dropped as well.
	f, err = c.Process(context.Background(), frame(2))
	require.NoError(t, err)
	assert.Nil(t, f)

	close(release)
	f, err = c.Process(context.Background(), frame(3))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint64(3), f.Sequence)
	assert.Equal(t, []types.EventType{types.EventStageTimeout, types.EventStageTimeout}, rec.kinds())
	assert.Equal(t, []string{
		`stage "slow" dropped frame 1: stage exceeded its time budget`,
		`stage "slow" dropped frame 2: stage exceeded its time budget`,
	}, logged)
}

func TestProcessHonoursContext(t *testing.T) {
	c := New([]Stage{StageFunc("wait", func(ctx context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})}, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Process(ctx, frame(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
