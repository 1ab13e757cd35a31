package capture

import (
	"bytes"
	"context"
	"image"
	"time"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/resilience"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
	"github.com/GriffinCanCode/canvas-watch/internal/trace"
)

// FallbackConfig tunes the screenshot path.
type FallbackConfig struct {
	Settle time.Duration
	Target string
}

// Fallback captures a surface by cropping a screenshot of the viewport.
type Fallback struct {
	geo     surface.Geometry
	shots   surface.Screenshotter
	paint   surface.PaintSignal
	cfg     FallbackConfig
	breaker *resilience.Breaker
}

// NewFallback creates a screenshot-based capturer.
func NewFallback(geo surface.Geometry, shots surface.Screenshotter, paint surface.PaintSignal, cfg FallbackConfig) *Fallback {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Target == "" {
		cfg.Target = DefaultTarget
	}
	return &Fallback{
		geo:     geo,
		shots:   shots,
		paint:   paint,
		cfg:     cfg,
		breaker: resilience.New(resilience.ScreenshotConfig()),
	}
}

// Breaker exposes the screenshot circuit breaker.
func (f *Fallback) Breaker() *resilience.Breaker { return f.breaker }

// Capture implements Capturer.
func (f *Fallback) Capture(ctx context.Context, s surface.Surface) (Frame, error) {
	ctx, span := trace.StartSpan(ctx, "capture.fallback")
	defer span.End()

	bounds, vp, err := f.locate(ctx, s)
	if err != nil {
		return Frame{}, failed(err, s, "locate surface")
	}
	if !bounds.Within(vp) {
		if bounds, vp, err = f.reveal(ctx, s); err != nil {
			return Frame{}, failed(err, s, "scroll surface into view")
		}
	}

	req := Request{Surface: s.ID(), Bounds: bounds, Scale: vp.Scale, Crop: CropRect(bounds, vp.Scale)}
	trace.Logger(ctx).Debug("fallback capture", "request", req)

	shot, err := f.screenshot(ctx)
	if err != nil {
		return Frame{}, failed(err, s, "screenshot")
	}
	r := req.Crop.Add(shot.Bounds().Min).Intersect(shot.Bounds())
	if r.Empty() {
		return Frame{}, apperrors.Newf(apperrors.CodeCaptureFailed, "crop %v outside screenshot %v", req.Crop, shot.Bounds()).
			WithMetadata("surface", string(s.ID()))
	}

	data, err := encodePNG(crop(shot, r))
	if err != nil {
		return Frame{}, failed(err, s, "encode crop")
	}
	span.SetAttr("bytes", len(data))
	return Frame{Data: data, Width: r.Dx(), Height: r.Dy(), Method: MethodFallback}, nil
}

func (f *Fallback) locate(ctx context.Context, s surface.Surface) (surface.Rect, surface.Viewport, error) {
	bounds, err := f.geo.Bounds(ctx, s)
	if err != nil {
		return surface.Rect{}, surface.Viewport{}, err
	}
	vp, err := f.geo.Viewport(ctx)
	if err != nil {
		return surface.Rect{}, surface.Viewport{}, err
	}
	return bounds, vp, nil
}

// reveal scrolls s into view and waits for the page to settle.
func (f *Fallback) reveal(ctx context.Context, s surface.Surface) (surface.Rect, surface.Viewport, error) {
	if err := f.geo.ScrollIntoView(ctx, s); err != nil {
		return surface.Rect{}, surface.Viewport{}, err
	}
	if err := f.paint.NextPaint(ctx); err != nil {
		return surface.Rect{}, surface.Viewport{}, err
	}

	t := time.NewTimer(f.cfg.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return surface.Rect{}, surface.Viewport{}, ctx.Err()
	case <-t.C:
	}
	return f.locate(ctx, s)
}

func (f *Fallback) screenshot(ctx context.Context) (image.Image, error) {
	data, err := resilience.Do(f.breaker, func() ([]byte, error) {
		return f.shots.Screenshot(ctx, f.cfg.Target)
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeScreenshotUnavailable, "screenshot unavailable")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeScreenshotUnavailable, "decode screenshot")
	}
	return img, nil
}

func failed(err error, s surface.Surface, msg string) error {
	return apperrors.Wrap(err, apperrors.CodeCaptureFailed, msg).WithMetadata("surface", string(s.ID()))
}
