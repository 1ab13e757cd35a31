// Package surface defines the collaborators the capture core depends on:
// rendered surfaces, the page geometry around them, the viewport screenshot
// provider, and the host paint signal.
package surface

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
)

var (
	// ErrNotReadable is returned when pixel data is access-restricted (tainted canvas).
	ErrNotReadable = errors.New("surface: pixels not readable")
	// ErrGone is returned once the underlying element no longer exists.
	ErrGone = errors.New("surface: gone")
)

// ID is a stable identifier for a surface. It never keeps the surface alive.
type ID string

// Surface is a rendered region owned by the embedding page.
type Surface interface {
	ID() ID
	// Label is a short human-readable name used to build frame names.
	Label() string
	// Size returns the current pixel width and height.
	Size(ctx context.Context) (width, height int, err error)
	// Pixels returns the current content for hashing.
	Pixels(ctx context.Context) (image.Image, error)
	// Encode asks the surface to encode its own pixels as PNG.
	Encode(ctx context.Context) ([]byte, error)
}

// Viewport describes the visible area of the host page.
type Viewport struct {
	Width  float64
	Height float64
	Scale  float64 // device pixel ratio
}

// Rect is a rectangle in CSS pixels (viewport coordinates) or, after
// scaling, in screenshot pixels.
type Rect struct {
	X, Y, Width, Height float64
}

func (r Rect) String() string {
	return fmt.Sprintf("(%g,%g %gx%g)", r.X, r.Y, r.Width, r.Height)
}

// Within reports whether r lies fully inside the viewport.
func (r Rect) Within(vp Viewport) bool {
	return r.X >= 0 && r.Y >= 0 && r.X+r.Width <= vp.Width && r.Y+r.Height <= vp.Height
}

// Image converts r to integer pixel bounds, rounding each edge.
func (r Rect) Image() image.Rectangle {
	x, y := int(math.Round(r.X)), int(math.Round(r.Y))
	return image.Rect(x, y, x+int(math.Round(r.Width)), y+int(math.Round(r.Height)))
}

// Geometry exposes layout information about surfaces on the host page.
type Geometry interface {
	Viewport(ctx context.Context) (Viewport, error)
	Bounds(ctx context.Context, s Surface) (Rect, error)
	ScrollIntoView(ctx context.Context, s Surface) error
}

// Screenshotter returns an encoded image of the entire visible viewport.
type Screenshotter interface {
	Screenshot(ctx context.Context, target string) ([]byte, error)
}

// PaintSignal blocks until the host's next paint opportunity.
type PaintSignal interface {
	NextPaint(ctx context.Context) error
}

// PaintFunc adapts a function to PaintSignal.
type PaintFunc func(ctx context.Context) error

// NextPaint calls f.
func (f PaintFunc) NextPaint(ctx context.Context) error { return f(ctx) }
