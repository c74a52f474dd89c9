// Package transform holds the built-in chain stages.
package transform

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"slices"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
)

// Redaction styles.
const (
	StyleBlack  = "black"
	StylePixel  = "pixel"
	StyleGauss  = "gauss"
	StyleSecure = "secure"
)

// RedactOptions configures a Redact stage.
type RedactOptions struct {
	Style string
	// Strength is the pixel block size, or the blur sigma for gauss.
	Strength int
	// Fill is the hex colour used by the black style.
	Fill string
	// Padding grows each face box by this fraction of its size.
	Padding float64
	// Targets limits redaction to these session face ids. Empty means all.
	Targets []int
}

// Redact obscures the image area covered by each tracked face.
type Redact struct {
	opts RedactOptions
	fill [3]uint8
}

// NewRedact validates opts and returns the stage.
func NewRedact(opts RedactOptions) (*Redact, error) {
	switch opts.Style {
	case StyleBlack, StylePixel, StyleGauss, StyleSecure:
	case "":
		opts.Style = StyleBlack
	default:
		return nil, fmt.Errorf("invalid redaction style '%s': must be one of black, pixel, gauss, secure", opts.Style)
	}
	if opts.Strength < 1 {
		opts.Strength = 15
	}
	if opts.Padding < 0 {
		return nil, fmt.Errorf("padding must be >= 0, got %g", opts.Padding)
	}
	r := &Redact{opts: opts}
	if opts.Fill != "" {
		c, err := colorful.Hex(opts.Fill)
		if err != nil {
			return nil, fmt.Errorf("invalid fill colour %q: %w", opts.Fill, err)
		}
		r.fill[0], r.fill[1], r.fill[2] = c.RGB255()
	}
	return r, nil
}

func (r *Redact) Name() string { return "redact-" + r.opts.Style }

func (r *Redact) Transform(_ context.Context, f *types.AnnotatedFrame) (*types.AnnotatedFrame, error) {
	var rects []image.Rectangle
	for _, face := range f.Faces {
		if len(r.opts.Targets) > 0 && !slices.Contains(r.opts.Targets, face.SessionFaceID) {
			continue
		}
		rect := pad(face.Bounds(f.Width, f.Height), r.opts.Padding)
		if !rect.Intersect(image.Rect(0, 0, f.Width, f.Height)).Empty() {
			rects = append(rects, rect)
		}
	}
	if len(rects) == 0 {
		return f, nil
	}

	f.MutablePixels()
	img := f.Image()
	for _, rect := range rects {
		r.redactFace(img, rect)
	}
	return f, nil
}

func pad(rect image.Rectangle, frac float64) image.Rectangle {
	if frac == 0 || rect.Empty() {
		return rect
	}
	dx := int(float64(rect.Dx()) * frac / 2)
	dy := int(float64(rect.Dy()) * frac / 2)
	return rect.Inset(-max(dx, dy))
}

func (r *Redact) redactFace(img *image.RGBA, rect image.Rectangle) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}

	switch r.opts.Style {
	case StyleBlack:
		fillRect(img, rect, r.fill[0], r.fill[1], r.fill[2])

	case StyleSecure:
		// Fill with the average of the pixels just outside the box so the
		// patch blends into the background and leaks nothing from inside.
		var sr, sg, sb, count uint64
		sample := func(x, y int) {
			if !(image.Point{X: x, Y: y}).In(img.Rect) {
				return
			}
			off := img.PixOffset(x, y)
			sr += uint64(img.Pix[off])
			sg += uint64(img.Pix[off+1])
			sb += uint64(img.Pix[off+2])
			count++
		}
		for x := rect.Min.X; x < rect.Max.X; x++ {
			sample(x, rect.Min.Y-1)
			sample(x, rect.Max.Y)
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			sample(rect.Min.X-1, y)
			sample(rect.Max.X, y)
		}
		var fr, fg, fb uint8
		if count > 0 {
			fr, fg, fb = uint8(sr/count), uint8(sg/count), uint8(sb/count)
		}
		fillRect(img, rect, fr, fg, fb)

	case StyleGauss:
		blurred := imaging.Blur(img.SubImage(rect), float64(r.opts.Strength))
		draw.Draw(img, rect, blurred, image.Point{}, draw.Src)

	default:
		block := r.opts.Strength
		for y := rect.Min.Y; y < rect.Max.Y; y += block {
			for x := rect.Min.X; x < rect.Max.X; x += block {
				src := img.PixOffset(x, y)
				c := [4]uint8(img.Pix[src : src+4])
				cell := image.Rect(x, y, x+block, y+block).Intersect(rect)
				for by := cell.Min.Y; by < cell.Max.Y; by++ {
					for bx := cell.Min.X; bx < cell.Max.X; bx++ {
						off := img.PixOffset(bx, by)
						copy(img.Pix[off:off+4], c[:])
					}
				}
			}
		}
	}
}

func fillRect(img *image.RGBA, rect image.Rectangle, r, g, b uint8) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		off := img.PixOffset(rect.Min.X, y)
		for x := 0; x < rect.Dx(); x++ {
			img.Pix[off] = r
			img.Pix[off+1] = g
			img.Pix[off+2] = b
			img.Pix[off+3] = 255
			off += 4
		}
	}
}
