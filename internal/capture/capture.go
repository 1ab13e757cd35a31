// Package capture turns rendered surfaces into encoded PNG frames, reading
// pixels directly when allowed and cropping a viewport screenshot otherwise.
package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/draw"
	_ "image/jpeg" // JPEG screenshots
	"image/png"
	"log/slog"
	"math"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
)

// Method records which path produced a frame.
type Method string

const (
	MethodDirect   Method = "direct"
	MethodFallback Method = "fallback"
)

// Frame is an encoded still of a surface.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Method Method
}

// Capturer produces a Frame for a surface.
type Capturer interface {
	Capture(ctx context.Context, s surface.Surface) (Frame, error)
}

// Request describes one fallback crop.
type Request struct {
	Surface surface.ID
	Bounds  surface.Rect
	Scale   float64
	Crop    image.Rectangle
}

// LogValue implements slog.LogValuer.
func (r Request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("surface", string(r.Surface)),
		slog.String("bounds", r.Bounds.String()),
		slog.Float64("scale", r.Scale),
		slog.String("crop", r.Crop.String()),
	)
}

// CropRect converts CSS-pixel bounds to screenshot pixels. Each component is
// scaled and rounded; the origin is clamped to 0 and the size to at least 1.
func CropRect(bounds surface.Rect, scale float64) image.Rectangle {
	if scale <= 0 {
		scale = 1
	}
	x := max(0, int(math.Round(bounds.X*scale)))
	y := max(0, int(math.Round(bounds.Y*scale)))
	w := max(1, int(math.Round(bounds.Width*scale)))
	h := max(1, int(math.Round(bounds.Height*scale)))
	return image.Rect(x, y, x+w, y+h)
}

// TwoTier tries Direct first and falls back when it fails.
type TwoTier struct {
	Direct   Capturer
	Fallback Capturer
}

// NewTwoTier creates the default capture chain. fallback may be nil.
func NewTwoTier(direct, fallback Capturer) *TwoTier {
	return &TwoTier{Direct: direct, Fallback: fallback}
}

// Capture implements Capturer.
func (t *TwoTier) Capture(ctx context.Context, s surface.Surface) (Frame, error) {
	frame, derr := t.Direct.Capture(ctx, s)
	if derr == nil {
		return frame, nil
	}
	if errors.Is(derr, surface.ErrGone) || t.Fallback == nil {
		return Frame{}, apperrors.Wrap(derr, apperrors.CodeCaptureFailed, "direct capture failed").
			WithMetadata("surface", string(s.ID()))
	}

	slog.Debug("direct capture failed, using fallback", "surface", s.ID(), "error", derr)
	frame, ferr := t.Fallback.Capture(ctx, s)
	if ferr == nil {
		return frame, nil
	}
	return Frame{}, apperrors.Wrap(errors.Join(derr, ferr), apperrors.CodeCaptureFailed, "all capture methods failed").
		WithMetadata("surface", string(s.ID()))
}

// crop copies r (in src coordinates) into a new image anchored at 0,0.
func crop(src image.Image, r image.Rectangle) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
