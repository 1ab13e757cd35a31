package fingerprint

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
)

// makePattern creates test images with distinct luminance layouts.
func makePattern(pattern, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var c color.RGBA
			switch pattern {
			case 0: // solid gray
				c = color.RGBA{R: 128, G: 128, B: 128, A: 255}
			case 1: // checkerboard
				if (x/8+y/8)%2 == 0 {
					c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
				} else {
					c = color.RGBA{A: 255}
				}
			case 2: // left half white
				if x < size/2 {
					c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
				} else {
					c = color.RGBA{A: 255}
				}
			case 3: // right half white
				if x >= size/2 {
					c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
				} else {
					c = color.RGBA{A: 255}
				}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func bitsWithOnes(n int, ones ...int) []bool {
	b := make([]bool, n)
	for _, i := range ones {
		b[i] = true
	}
	return b
}

func TestDistanceIdentity(t *testing.T) {
	for _, p := range []int{0, 1, 2} {
		fp, err := HashImage(makePattern(p, 64), DefaultGridSize)
		if err != nil {
			t.Fatalf("HashImage: %v", err)
		}
		d, err := Distance(fp, fp)
		if err != nil || d != 0 {
			t.Errorf("Distance(a, a) = (%d, %v), want (0, nil)", d, err)
		}
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := FromBits(bitsWithOnes(100, 0, 5, 63, 64, 99))
	b := FromBits(bitsWithOnes(100, 5, 64, 70))

	ab, err := Distance(a, b)
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	ba, _ := Distance(b, a)
	if ab != ba {
		t.Errorf("Distance not symmetric: %d vs %d", ab, ba)
	}
	if ab != 4 { // 0, 63, 99 only in a; 70 only in b
		t.Errorf("Distance = %d, want 4", ab)
	}
}

func TestDistanceZeroIffIdentical(t *testing.T) {
	a := FromBits(bitsWithOnes(64, 1))
	b := FromBits(bitsWithOnes(64, 2))
	if d, _ := Distance(a, b); d == 0 {
		t.Error("different fingerprints should have non-zero distance")
	}
	if !a.Equal(FromBits(bitsWithOnes(64, 1))) {
		t.Error("identical bits should be Equal")
	}
}

func TestDistanceMismatchedLengths(t *testing.T) {
	a := FromBits(make([]bool, 1024))
	b := FromBits(make([]bool, 256))

	d, err := Distance(a, b)
	if err == nil {
		t.Fatalf("Distance = %d, want error", d)
	}
	if !apperrors.IsCode(err, apperrors.CodeInvalidFingerprintComparison) {
		t.Errorf("error code = %v, want INVALID_FINGERPRINT_COMPARISON", err)
	}
	if _, err := Distance(Fingerprint{}, a); err == nil {
		t.Error("zero fingerprint should not be comparable")
	}
}

func TestHashImageDeterministic(t *testing.T) {
	img := makePattern(1, 200)
	a, err := HashImage(img, DefaultGridSize)
	if err != nil {
		t.Fatalf("HashImage: %v", err)
	}
	b, _ := HashImage(img, DefaultGridSize)
	if !a.Equal(b) {
		t.Error("hashing the same content twice should be bit-identical")
	}
	if a.Len() != 1024 {
		t.Errorf("Len() = %d, want 1024", a.Len())
	}
	if len(a.String()) != 256 {
		t.Errorf("String() length = %d, want 256 hex chars", len(a.String()))
	}
}

func TestHashImageUniformHasNoBits(t *testing.T) {
	fp, err := HashImage(makePattern(0, 64), 8)
	if err != nil {
		t.Fatalf("HashImage: %v", err)
	}
	if fp.Ones() != 0 {
		t.Errorf("Ones() = %d, want 0 for uniform content (no cell above mean)", fp.Ones())
	}
}

func TestHashImageHalves(t *testing.T) {
	left, _ := HashImage(makePattern(2, 64), 8)
	right, _ := HashImage(makePattern(3, 64), 8)

	if !left.Bit(0) || left.Bit(7) {
		t.Error("left-white image should set leftmost cells and clear rightmost")
	}
	d, err := Distance(left, right)
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if d < 48 {
		t.Errorf("Distance(left, right) = %d, want most of 64 bits to differ", d)
	}
}

func TestHashImageInvalid(t *testing.T) {
	if _, err := HashImage(makePattern(0, 8), 0); err == nil {
		t.Error("grid 0 should fail")
	}
	if _, err := HashImage(image.NewRGBA(image.Rect(0, 0, 0, 0)), 8); err == nil {
		t.Error("empty image should fail")
	}
}

func TestLuminance(t *testing.T) {
	tests := []struct {
		r, g, b uint32
		want    int
	}{
		{255, 255, 255, 255},
		{0, 0, 0, 0},
		{255, 0, 0, 76},  // 76.245
		{0, 255, 0, 149}, // 149.685
		{0, 0, 255, 29},  // 29.07
	}
	for _, tt := range tests {
		if got := luminance(tt.r, tt.g, tt.b); got != tt.want {
			t.Errorf("luminance(%d,%d,%d) = %d, want %d", tt.r, tt.g, tt.b, got, tt.want)
		}
	}
}

type fakeSurface struct {
	img image.Image
	err error
}

func (f *fakeSurface) ID() surface.ID { return "fake" }
func (f *fakeSurface) Label() string  { return "fake" }

func (f *fakeSurface) Size(context.Context) (int, int, error) {
	return 64, 64, nil
}

func (f *fakeSurface) Pixels(context.Context) (image.Image, error) {
	return f.img, f.err
}

func (f *fakeSurface) Encode(context.Context) ([]byte, error) {
	return nil, f.err
}

type fakeSource struct {
	img   image.Image
	calls int
}

func (f *fakeSource) Pixels(context.Context, surface.Surface) (image.Image, error) {
	f.calls++
	return f.img, nil
}

func TestHasherNotReadable(t *testing.T) {
	s := &fakeSurface{err: apperrors.Wrap(surface.ErrNotReadable, apperrors.CodeNotReadable, "tainted")}

	_, err := NewHasher(16, nil).Hash(context.Background(), s)
	if !errors.Is(err, surface.ErrNotReadable) {
		t.Errorf("Hash() error = %v, want ErrNotReadable", err)
	}
}

func TestHasherFallbackSource(t *testing.T) {
	s := &fakeSurface{err: surface.ErrNotReadable}
	src := &fakeSource{img: makePattern(2, 64)}

	fp, err := NewHasher(16, src).Hash(context.Background(), s)
	if err != nil {
		t.Fatalf("Hash() = %v, want nil", err)
	}
	if src.calls != 1 {
		t.Errorf("fallback calls = %d, want 1", src.calls)
	}
	if fp.Len() != 256 {
		t.Errorf("Len() = %d, want 256", fp.Len())
	}
}

func TestHasherDefaultGrid(t *testing.T) {
	if got := NewHasher(0, nil).GridSize(); got != DefaultGridSize {
		t.Errorf("GridSize() = %d, want %d", got, DefaultGridSize)
	}
}
