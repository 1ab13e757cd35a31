package fingerprint

import (
	"context"
	"errors"
	"image"

	"github.com/nfnt/resize"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
)

// DefaultGridSize is the side of the downsampling grid (32x32 = 1024 bits).
const DefaultGridSize = 32

// PixelSource supplies pixels for a surface whose own pixels are not readable.
type PixelSource interface {
	Pixels(ctx context.Context, s surface.Surface) (image.Image, error)
}

// Hasher reduces surfaces to Fingerprints on a fixed grid.
type Hasher struct {
	grid     int
	fallback PixelSource
}

// NewHasher creates a hasher. fallback may be nil.
func NewHasher(grid int, fallback PixelSource) *Hasher {
	if grid <= 0 {
		grid = DefaultGridSize
	}
	return &Hasher{grid: grid, fallback: fallback}
}

// GridSize returns the grid side.
func (h *Hasher) GridSize() int { return h.grid }

// Hash fingerprints the surface's current content. Errors wrapping
// surface.ErrNotReadable are expected for tainted surfaces.
func (h *Hasher) Hash(ctx context.Context, s surface.Surface) (Fingerprint, error) {
	img, err := s.Pixels(ctx)
	if err != nil && errors.Is(err, surface.ErrNotReadable) && h.fallback != nil {
		img, err = h.fallback.Pixels(ctx, s)
	}
	if err != nil {
		return Fingerprint{}, err
	}
	return HashImage(img, h.grid)
}

// HashImage computes the mean-luminance hash of img on a grid x grid lattice.
// Downsampling is always bilinear.
func HashImage(img image.Image, grid int) (Fingerprint, error) {
	if grid <= 0 {
		return Fingerprint{}, apperrors.Newf(apperrors.CodeConfigInvalid, "grid size %d", grid)
	}
	if img == nil || img.Bounds().Empty() {
		return Fingerprint{}, apperrors.New(apperrors.CodeNotReadable, "empty image")
	}

	small := resize.Resize(uint(grid), uint(grid), img, resize.Bilinear)
	sb := small.Bounds()

	n := grid * grid
	lums := make([]int, 0, n)
	sum := 0
	for y := 0; y < grid; y++ {
		for x := 0; x < grid; x++ {
			r, g, b, _ := small.At(sb.Min.X+x, sb.Min.Y+y).RGBA()
			l := luminance(r>>8, g>>8, b>>8)
			lums = append(lums, l)
			sum += l
		}
	}

	// lum > sum/n, kept in integers.
	words := make([]uint64, wordCount(n))
	for i, l := range lums {
		if l*n > sum {
			words[i/64] |= 1 << (63 - uint(i%64))
		}
	}
	return newFingerprint(words, n), nil
}

// luminance is 0.299R + 0.587G + 0.114B truncated to an integer.
func luminance(r, g, b uint32) int {
	return int((299*r + 587*g + 114*b) / 1000)
}
