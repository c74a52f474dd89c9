package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/andresmejia3/meshline/internal/utils"
)

// FFmpeg decodes a video file or URL to RGBA frames through an ffmpeg
// child process.
type FFmpeg struct {
	Path string

	cmd    *utils.SafeCommand
	stdout io.ReadCloser
	info   utils.VideoInfo
	clock  clock
}

// NewFFmpeg returns a source for path. Nothing runs until Open.
func NewFFmpeg(path string) *FFmpeg {
	return &FFmpeg{Path: path}
}

func (s *FFmpeg) Open(ctx context.Context, requested Capabilities) (Capabilities, error) {
	info, err := utils.ProbeVideo(ctx, s.Path)
	if err != nil {
		return Capabilities{}, fmt.Errorf("could not probe %s: %w", s.Path, err)
	}
	offered := Capabilities{
		FaceMesh: meshCapable(info.Width, info.Height),
		Width:    info.Width,
		Height:   info.Height,
		FPS:      info.FPS,
		Frames:   info.Frames,
	}
	confirmed, err := negotiate("ffmpeg:"+s.Path, requested, offered)
	if err != nil {
		return Capabilities{}, err
	}

	s.cmd = utils.NewFFmpegRawDecoder(ctx, s.Path)
	if s.stdout, err = s.cmd.StdoutPipe(); err != nil {
		return Capabilities{}, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return Capabilities{}, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	s.info = info
	s.clock = clock{fps: info.FPS}
	return confirmed, nil
}

func (s *FFmpeg) Next(ctx context.Context) (types.RawFrame, error) {
	if s.stdout == nil {
		return types.RawFrame{}, errors.New("ffmpeg source not open")
	}
	if err := ctx.Err(); err != nil {
		return types.RawFrame{}, err
	}
	pix := make([]byte, s.info.Width*s.info.Height*4)
	if _, err := io.ReadFull(s.stdout, pix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			utils.Logf("ffmpeg: discarding truncated final frame of %s", s.Path)
			return types.RawFrame{}, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return types.RawFrame{}, io.EOF
		}
		return types.RawFrame{}, fmt.Errorf("ffmpeg read failed: %w", err)
	}
	return s.clock.stamp(s.info.Width, s.info.Height, pix), nil
}

// Command exposes the decoder process for error reporting.
func (s *FFmpeg) Command() *utils.SafeCommand {
	return s.cmd
}

func (s *FFmpeg) Close() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	s.stdout.Close()
	s.cmd.Process.Kill()
	s.cmd.Wait()
	return nil
}
