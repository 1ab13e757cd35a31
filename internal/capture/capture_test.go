package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
)

type mockSurface struct {
	id      surface.ID
	encoded []byte
	err     error
}

func (m *mockSurface) ID() surface.ID { return m.id }
func (m *mockSurface) Label() string  { return string(m.id) }

func (m *mockSurface) Size(context.Context) (int, int, error) { return 10, 10, nil }

func (m *mockSurface) Pixels(context.Context) (image.Image, error) {
	return nil, surface.ErrNotReadable
}

func (m *mockSurface) Encode(context.Context) ([]byte, error) { return m.encoded, m.err }

type mockGeometry struct {
	vp       surface.Viewport
	bounds   surface.Rect
	after    surface.Rect // bounds once scrolled
	scrolled int
}

func (m *mockGeometry) Viewport(context.Context) (surface.Viewport, error) { return m.vp, nil }

func (m *mockGeometry) Bounds(context.Context, surface.Surface) (surface.Rect, error) {
	if m.scrolled > 0 {
		return m.after, nil
	}
	return m.bounds, nil
}

func (m *mockGeometry) ScrollIntoView(context.Context, surface.Surface) error {
	m.scrolled++
	return nil
}

type mockShots struct {
	data  []byte
	err   error
	calls int
}

func (m *mockShots) Screenshot(context.Context, string) ([]byte, error) {
	m.calls++
	return m.data, m.err
}

// screenshotPNG draws a w x h black image with a red block at red.
func screenshotPNG(t *testing.T, w, h int, red image.Rectangle) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{A: 255}
			if image.Pt(x, y).In(red) {
				c.R = 255
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("frame is not a PNG: %v", err)
	}
	return img
}

func TestCropRect(t *testing.T) {
	tests := []struct {
		name   string
		bounds surface.Rect
		scale  float64
		want   image.Rectangle
	}{
		{"scaled", surface.Rect{X: 10, Y: 20, Width: 100, Height: 50}, 2, image.Rect(20, 40, 220, 140)},
		{"unit scale", surface.Rect{X: 1, Y: 2, Width: 3, Height: 4}, 1, image.Rect(1, 2, 4, 6)},
		{"rounding", surface.Rect{X: 0.4, Y: 0.6, Width: 10.5, Height: 9.4}, 1, image.Rect(0, 1, 11, 10)},
		{"negative origin clamped", surface.Rect{X: -5, Y: -1, Width: 20, Height: 20}, 1, image.Rect(0, 0, 20, 20)},
		{"minimum size", surface.Rect{X: 3, Y: 3, Width: 0.1, Height: 0}, 1, image.Rect(3, 3, 4, 4)},
		{"zero scale treated as 1", surface.Rect{Width: 8, Height: 8}, 0, image.Rect(0, 0, 8, 8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CropRect(tt.bounds, tt.scale); got != tt.want {
				t.Errorf("CropRect(%v, %v) = %v, want %v", tt.bounds, tt.scale, got, tt.want)
			}
		})
	}
}

func TestDirectCapture(t *testing.T) {
	data := screenshotPNG(t, 7, 3, image.Rectangle{})
	frame, err := Direct{}.Capture(context.Background(), &mockSurface{id: "c1", encoded: data})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if frame.Width != 7 || frame.Height != 3 || frame.Method != MethodDirect {
		t.Errorf("frame = %dx%d %s, want 7x3 direct", frame.Width, frame.Height, frame.Method)
	}
}

func TestDirectCaptureErrors(t *testing.T) {
	tests := []struct {
		name string
		s    *mockSurface
		code apperrors.Code
	}{
		{"tainted", &mockSurface{id: "c1", err: surface.ErrNotReadable}, apperrors.CodeNotReadable},
		{"gone", &mockSurface{id: "c1", err: surface.ErrGone}, apperrors.CodeSurfaceGone},
		{"garbage", &mockSurface{id: "c1", encoded: []byte("nope")}, apperrors.CodeCaptureFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Direct{}.Capture(context.Background(), tt.s)
			if apperrors.CodeOf(err) != tt.code {
				t.Errorf("code = %s, want %s (err %v)", apperrors.CodeOf(err), tt.code, err)
			}
		})
	}
}

func TestFallbackCrop(t *testing.T) {
	geo := &mockGeometry{
		vp:     surface.Viewport{Width: 100, Height: 100, Scale: 2},
		bounds: surface.Rect{X: 10, Y: 20, Width: 30, Height: 40},
	}
	red := image.Rect(20, 40, 80, 120)
	shots := &mockShots{data: screenshotPNG(t, 200, 200, red)}
	f := NewFallback(geo, shots, surface.PaintFunc(func(context.Context) error { return nil }), FallbackConfig{})

	frame, err := f.Capture(context.Background(), &mockSurface{id: "c1"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if frame.Width != 60 || frame.Height != 80 || frame.Method != MethodFallback {
		t.Fatalf("frame = %dx%d %s, want 60x80 fallback", frame.Width, frame.Height, frame.Method)
	}
	if geo.scrolled != 0 {
		t.Error("visible surface should not be scrolled")
	}

	img := decode(t, frame.Data)
	for _, p := range []image.Point{{0, 0}, {59, 79}, {30, 40}} {
		r, _, _, _ := img.At(p.X, p.Y).RGBA()
		if r>>8 != 255 {
			t.Errorf("pixel %v not red, crop misaligned", p)
		}
	}
}

func TestFallbackScrollsHiddenSurface(t *testing.T) {
	geo := &mockGeometry{
		vp:     surface.Viewport{Width: 50, Height: 50, Scale: 1},
		bounds: surface.Rect{X: 0, Y: 400, Width: 10, Height: 10},
		after:  surface.Rect{X: 5, Y: 5, Width: 10, Height: 10},
	}
	paints := 0
	paint := surface.PaintFunc(func(context.Context) error { paints++; return nil })
	shots := &mockShots{data: screenshotPNG(t, 50, 50, image.Rectangle{})}
	f := NewFallback(geo, shots, paint, FallbackConfig{Settle: time.Millisecond})

	frame, err := f.Capture(context.Background(), &mockSurface{id: "c1"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if geo.scrolled != 1 || paints != 1 {
		t.Errorf("scrolled=%d paints=%d, want 1 and 1", geo.scrolled, paints)
	}
	if frame.Width != 10 || frame.Height != 10 {
		t.Errorf("frame = %dx%d, want 10x10", frame.Width, frame.Height)
	}
}

func TestFallbackScreenshotBreaker(t *testing.T) {
	geo := &mockGeometry{
		vp:     surface.Viewport{Width: 50, Height: 50, Scale: 1},
		bounds: surface.Rect{Width: 10, Height: 10},
	}
	shots := &mockShots{err: errors.New("no target")}
	f := NewFallback(geo, shots, surface.PaintFunc(func(context.Context) error { return nil }), FallbackConfig{})
	s := &mockSurface{id: "c1"}

	for i := 0; i < 5; i++ {
		_, err := f.Capture(context.Background(), s)
		if !apperrors.IsCode(err, apperrors.CodeCaptureFailed) || !apperrors.IsCode(err, apperrors.CodeScreenshotUnavailable) {
			t.Fatalf("attempt %d: err = %v, want CAPTURE_FAILED caused by SCREENSHOT_UNAVAILABLE", i, err)
		}
	}
	if shots.calls != 3 {
		t.Errorf("screenshot calls = %d, want 3 before the breaker opens", shots.calls)
	}
}

func TestTwoTier(t *testing.T) {
	good := screenshotPNG(t, 4, 4, image.Rectangle{})
	geo := &mockGeometry{
		vp:     surface.Viewport{Width: 50, Height: 50, Scale: 1},
		bounds: surface.Rect{Width: 8, Height: 6},
	}
	paint := surface.PaintFunc(func(context.Context) error { return nil })

	t.Run("direct wins", func(t *testing.T) {
		shots := &mockShots{data: screenshotPNG(t, 50, 50, image.Rectangle{})}
		tt := NewTwoTier(Direct{}, NewFallback(geo, shots, paint, FallbackConfig{}))
		frame, err := tt.Capture(context.Background(), &mockSurface{id: "c1", encoded: good})
		if err != nil || frame.Method != MethodDirect {
			t.Fatalf("got (%s, %v), want direct", frame.Method, err)
		}
		if shots.calls != 0 {
			t.Error("fallback should not run")
		}
	})

	t.Run("tainted falls back", func(t *testing.T) {
		shots := &mockShots{data: screenshotPNG(t, 50, 50, image.Rectangle{})}
		tt := NewTwoTier(Direct{}, NewFallback(geo, shots, paint, FallbackConfig{}))
		frame, err := tt.Capture(context.Background(), &mockSurface{id: "c1", err: surface.ErrNotReadable})
		if err != nil || frame.Method != MethodFallback {
			t.Fatalf("got (%s, %v), want fallback", frame.Method, err)
		}
		if frame.Width != 8 || frame.Height != 6 {
			t.Errorf("frame = %dx%d, want 8x6", frame.Width, frame.Height)
		}
	})

	t.Run("both fail", func(t *testing.T) {
		shots := &mockShots{err: errors.New("boom")}
		tt := NewTwoTier(Direct{}, NewFallback(geo, shots, paint, FallbackConfig{}))
		_, err := tt.Capture(context.Background(), &mockSurface{id: "c1", err: surface.ErrNotReadable})
		if apperrors.CodeOf(err) != apperrors.CodeCaptureFailed {
			t.Fatalf("code = %s, want CAPTURE_FAILED", apperrors.CodeOf(err))
		}
		if !errors.Is(err, surface.ErrNotReadable) {
			t.Error("error should keep the direct cause")
		}
	})

	t.Run("gone skips fallback", func(t *testing.T) {
		shots := &mockShots{data: screenshotPNG(t, 50, 50, image.Rectangle{})}
		tt := NewTwoTier(Direct{}, NewFallback(geo, shots, paint, FallbackConfig{}))
		_, err := tt.Capture(context.Background(), &mockSurface{id: "c1", err: surface.ErrGone})
		if !errors.Is(err, surface.ErrGone) || shots.calls != 0 {
			t.Errorf("err = %v calls = %d, want gone without screenshot", err, shots.calls)
		}
	})
}

func TestViewportPixels(t *testing.T) {
	geo := &mockGeometry{
		vp:     surface.Viewport{Width: 20, Height: 20, Scale: 1},
		bounds: surface.Rect{X: 15, Y: 15, Width: 10, Height: 10},
	}
	shots := &mockShots{data: screenshotPNG(t, 20, 20, image.Rect(15, 15, 20, 20))}
	f := NewFallback(geo, shots, surface.PaintFunc(func(context.Context) error { return nil }), FallbackConfig{})

	img, err := f.Pixels().Pixels(context.Background(), &mockSurface{id: "c1"})
	if err != nil {
		t.Fatalf("Pixels: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 5 || b.Dy() != 5 {
		t.Errorf("visible part = %v, want 5x5", b)
	}
	if geo.scrolled != 0 {
		t.Error("hash pixel source must not scroll")
	}

	geo.bounds = surface.Rect{X: 0, Y: 500, Width: 10, Height: 10}
	_, err = f.Pixels().Pixels(context.Background(), &mockSurface{id: "c1"})
	if !errors.Is(err, surface.ErrNotReadable) {
		t.Errorf("off-screen err = %v, want ErrNotReadable", err)
	}
}
