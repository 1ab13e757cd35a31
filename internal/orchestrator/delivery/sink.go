package delivery

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/catalog"
)

// Sink receives batches of frames.
type Sink interface {
	Deliver(ctx context.Context, entries []catalog.Entry) error
}

// Callback adapts a function to Sink.
type Callback func(ctx context.Context, entries []catalog.Entry) error

// Deliver calls f.
func (f Callback) Deliver(ctx context.Context, entries []catalog.Entry) error {
	return f(ctx, entries)
}

// Multi delivers to every sink and joins their errors.
type Multi []Sink

// Deliver implements Sink.
func (m Multi) Deliver(ctx context.Context, entries []catalog.Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
