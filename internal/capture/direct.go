package capture

import (
	"bytes"
	"context"
	"errors"
	"image"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
)

// Direct asks the surface to encode its own pixels.
type Direct struct{}

// Capture implements Capturer.
func (Direct) Capture(ctx context.Context, s surface.Surface) (Frame, error) {
	data, err := s.Encode(ctx)
	if err != nil {
		code := apperrors.CodeCaptureFailed
		switch {
		case errors.Is(err, surface.ErrNotReadable):
			code = apperrors.CodeNotReadable
		case errors.Is(err, surface.ErrGone):
			code = apperrors.CodeSurfaceGone
		}
		return Frame{}, apperrors.Wrap(err, code, "encode surface")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, apperrors.Wrap(err, apperrors.CodeCaptureFailed, "decode encoded surface")
	}
	return Frame{Data: data, Width: cfg.Width, Height: cfg.Height, Method: MethodDirect}, nil
}
