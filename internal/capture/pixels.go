package capture

import (
	"context"
	"image"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
)

// ViewportPixels reads a surface's pixels out of a viewport screenshot. It
// never scrolls: only the currently visible part of the surface is returned.
type ViewportPixels struct {
	f *Fallback
}

// Pixels returns a pixel source backed by the same screenshotter and breaker.
func (f *Fallback) Pixels() ViewportPixels { return ViewportPixels{f: f} }

// Pixels returns the visible part of s.
func (p ViewportPixels) Pixels(ctx context.Context, s surface.Surface) (image.Image, error) {
	bounds, vp, err := p.f.locate(ctx, s)
	if err != nil {
		return nil, err
	}
	visible := CropRect(bounds, vp.Scale).Intersect(image.Rect(0, 0, int(vp.Width*vp.Scale), int(vp.Height*vp.Scale)))
	if visible.Empty() {
		return nil, apperrors.Wrap(surface.ErrNotReadable, apperrors.CodeNotReadable, "surface off screen").
			WithMetadata("surface", string(s.ID()))
	}

	shot, err := p.f.screenshot(ctx)
	if err != nil {
		return nil, err
	}
	r := visible.Add(shot.Bounds().Min).Intersect(shot.Bounds())
	if r.Empty() {
		return nil, apperrors.Wrap(surface.ErrNotReadable, apperrors.CodeNotReadable, "surface outside screenshot")
	}

	return crop(shot, r), nil
}
