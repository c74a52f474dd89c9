package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/andresmejia3/meshline/internal/utils"
	"github.com/disintegration/imaging"
)

// maxJpegSize bounds a single frame in the stream.
const maxJpegSize = 16 * 1024 * 1024

// MJPEG reads a stream of concatenated JPEG images, such as the output of
// `ffmpeg -f image2pipe -c:v mjpeg -` or a camera piped to stdin. Every
// frame is scaled to the size of the first one.
type MJPEG struct {
	r       io.Reader
	closer  io.Closer
	fps     float64
	scanner *bufio.Scanner
	first   *image.RGBA
	width   int
	height  int
	clock   clock
}

// NewMJPEG reads from r. A frame rate of zero stamps frames with their
// arrival time. r is closed by Close when it is an io.Closer.
func NewMJPEG(r io.Reader, fps float64) *MJPEG {
	s := &MJPEG{r: r, fps: fps}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *MJPEG) Open(ctx context.Context, requested Capabilities) (Capabilities, error) {
	s.scanner = bufio.NewScanner(s.r)
	s.scanner.Buffer(make([]byte, 0, 1024*1024), maxJpegSize)
	s.scanner.Split(utils.SplitJpeg)

	// The first frame tells us the stream size.
	img, err := s.decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Capabilities{}, errors.New("mjpeg stream contains no frames")
		}
		return Capabilities{}, err
	}
	s.first = img
	s.width, s.height = img.Rect.Dx(), img.Rect.Dy()
	s.clock = clock{fps: s.fps}

	return negotiate("mjpeg", requested, Capabilities{
		FaceMesh: meshCapable(s.width, s.height),
		Width:    s.width,
		Height:   s.height,
		FPS:      s.fps,
	})
}

func (s *MJPEG) Next(ctx context.Context) (types.RawFrame, error) {
	if s.scanner == nil {
		return types.RawFrame{}, errors.New("mjpeg source not open")
	}
	if err := ctx.Err(); err != nil {
		return types.RawFrame{}, err
	}
	if img := s.first; img != nil {
		s.first = nil
		return s.clock.stamp(s.width, s.height, img.Pix), nil
	}
	img, err := s.decode()
	if err != nil {
		return types.RawFrame{}, err
	}
	if img.Rect.Dx() != s.width || img.Rect.Dy() != s.height {
		img = toRGBA(imaging.Resize(img, s.width, s.height, imaging.Linear))
	}
	return s.clock.stamp(s.width, s.height, img.Pix), nil
}

func (s *MJPEG) decode() (*image.RGBA, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("mjpeg read failed: %w", err)
		}
		return nil, io.EOF
	}
	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("mjpeg frame %d: %w", s.clock.last+1, err)
	}
	return toRGBA(img), nil
}

func (s *MJPEG) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// toRGBA returns img as a tightly packed RGBA image with origin (0,0).
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}
