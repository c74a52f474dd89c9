package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/andresmejia3/meshline/internal/utils"
)

// PythonConfig describes how to launch mesh worker processes.
type PythonConfig struct {
	Command     string
	Args        []string
	Workers     int
	ReadTimeout time.Duration
}

// DefaultPythonConfig runs python/mesh_worker.py with a single worker.
func DefaultPythonConfig() PythonConfig {
	return PythonConfig{
		Command:     "python3",
		Args:        []string{"-u", "python/mesh_worker.py"},
		Workers:     1,
		ReadTimeout: 10 * time.Second,
	}
}

// meshWorker is one worker process. Requests go to its stdin and responses
// come back on a dedicated pipe (FD 3) so stray prints cannot corrupt them.
type meshWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

func startWorker(ctx context.Context, id int, cfg PythonConfig) (*meshWorker, error) {
	py := utils.NewSafeCommand(ctx, cfg.Command, cfg.Args...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child keeps the write end.
	w.Close()

	return &meshWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// ProcessFrame sends one frame and waits for its faces. The wait is bounded
// by deadline (when the data pipe supports deadlines) and by ctx.
func (w *meshWorker) ProcessFrame(ctx context.Context, frame types.RawFrame, deadline time.Time) ([]types.FaceGeometry, error) {
	if d, ok := w.DataPipe.(readDeadliner); ok {
		if err := d.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		stop := context.AfterFunc(ctx, func() { d.SetReadDeadline(time.Now()) })
		defer stop()
	}

	bw := bufio.NewWriterSize(w.Stdin, 64*1024)
	if err := encodeRequest(bw, frame); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	body, err := readMessage(w.DataPipe)
	if err != nil {
		return nil, err
	}
	faces, err := decodeResponse(body, frame.Sequence)
	if err != nil {
		return nil, err
	}

	kept := faces[:0]
	for _, f := range faces {
		if finite(f) {
			kept = append(kept, f)
			continue
		}
		utils.Logf("worker %d: dropping non-finite face on frame %d", w.ID, frame.Sequence)
	}
	return kept, nil
}

// Close releases the pipes and reaps the process.
func (w *meshWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// Python is a pool of mesh worker processes. Each worker serves one frame
// at a time; concurrent Detect calls use distinct workers.
type Python struct {
	ctx   context.Context
	cfg   PythonConfig
	start func(ctx context.Context, id int, cfg PythonConfig) (*meshWorker, error)

	idle chan *meshWorker

	mu     sync.Mutex
	live   int
	nextID int
	closed bool
	last   *utils.SafeCommand
}

// NewPython starts cfg.Workers processes. The processes are killed when ctx
// is cancelled.
func NewPython(ctx context.Context, cfg PythonConfig) (*Python, error) {
	return newPool(ctx, cfg, startWorker)
}

func newPool(ctx context.Context, cfg PythonConfig, start func(context.Context, int, PythonConfig) (*meshWorker, error)) (*Python, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	p := &Python{
		ctx:   ctx,
		cfg:   cfg,
		start: start,
		idle:  make(chan *meshWorker, cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		w, err := p.spawn()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.idle <- w
	}
	return p, nil
}

func (p *Python) spawn() (*meshWorker, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	w, err := p.start(p.ctx, id, p.cfg)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.live++
	p.last = w.Cmd
	p.mu.Unlock()
	return w, nil
}

// LastCommand returns the most recently started worker process, for error
// reporting.
func (p *Python) LastCommand() *utils.SafeCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Detect implements Detector.
func (p *Python) Detect(ctx context.Context, frame types.RawFrame) ([]types.FaceGeometry, error) {
	p.mu.Lock()
	live, closed := p.live, p.closed
	p.mu.Unlock()
	if closed || live == 0 {
		return nil, fmt.Errorf("%w: no running workers", ErrUnavailable)
	}

	var w *meshWorker
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	deadline := time.Now().Add(p.cfg.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	faces, err := w.ProcessFrame(ctx, frame, deadline)
	if err == nil || errors.Is(err, ErrFrameRejected) {
		p.release(w)
		return faces, err
	}

	// The stream is out of sync after a failed exchange; replace the worker.
	p.retire(w)
	replacement, serr := p.spawn()
	if serr != nil {
		return nil, fmt.Errorf("%w: worker %d failed (%v) and could not be restarted: %v", ErrUnavailable, w.ID, err, serr)
	}
	p.release(replacement)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, fmt.Errorf("%w: worker %d timed out on frame %d", ErrFrameRejected, w.ID, frame.Sequence)
	}
	return nil, fmt.Errorf("%w: worker %d crashed on frame %d: %v", ErrFrameRejected, w.ID, frame.Sequence, err)
}

// release hands w back to the pool, or stops it once the pool is closed.
func (p *Python) release(w *meshWorker) {
	p.mu.Lock()
	if !p.closed {
		// idle has room for every worker, so this never blocks.
		p.idle <- w
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.retire(w)
}

func (p *Python) retire(w *meshWorker) {
	w.Close()
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
}

// Close stops every idle worker. Workers busy in Detect are stopped through
// the context passed to NewPython.
func (p *Python) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case w := <-p.idle:
			p.retire(w)
		default:
			return
		}
	}
}
