package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/andresmejia3/meshline/internal/utils"
)

// Encoder writes frame pixels to a video file through ffmpeg. The process
// starts on the first frame, whose size fixes the output size.
type Encoder struct {
	ctx  context.Context
	path string
	fps  float64

	cmd           *utils.SafeCommand
	stdin         io.WriteCloser
	width, height int
}

// NewEncoder returns an encoder for path. The ffmpeg process is killed if
// ctx is cancelled.
func NewEncoder(ctx context.Context, path string, fps float64) *Encoder {
	if fps <= 0 {
		fps = 30
	}
	return &Encoder{ctx: ctx, path: path, fps: fps}
}

func (e *Encoder) start(width, height int) error {
	e.cmd = utils.NewFFmpegEncoder(e.ctx, e.path, e.fps, width, height)
	stdin, err := e.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdin pipe: %w", err)
	}
	if err := e.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	e.stdin, e.width, e.height = stdin, width, height
	return nil
}

func (e *Encoder) Accept(ctx context.Context, f *types.AnnotatedFrame) error {
	if e.cmd == nil {
		if err := e.start(f.Width, f.Height); err != nil {
			return err
		}
	}
	if f.Width != e.width || f.Height != e.height {
		return fmt.Errorf("frame %d is %dx%d, encoder expects %dx%d", f.Sequence, f.Width, f.Height, e.width, e.height)
	}
	if _, err := e.stdin.Write(f.Pix); err != nil {
		return fmt.Errorf("failed to write frame %d to ffmpeg: %w", f.Sequence, err)
	}
	return nil
}

// Command exposes the ffmpeg process for error reporting.
func (e *Encoder) Command() *utils.SafeCommand {
	return e.cmd
}

// Close finishes the file and waits for ffmpeg to exit.
func (e *Encoder) Close() error {
	if e.cmd == nil {
		return nil
	}
	e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encoder failed: %w", err)
	}
	return nil
}
