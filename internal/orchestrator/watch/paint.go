package watch

import (
	"context"
	"sync"
)

// ManualPaint is a PaintSignal advanced by hand, one tick per Step.
type ManualPaint struct {
	ticks chan chan struct{}

	mu   sync.Mutex
	last chan struct{}
}

// NewManualPaint creates a paint signal that never fires on its own.
func NewManualPaint() *ManualPaint {
	return &ManualPaint{ticks: make(chan chan struct{})}
}

// NextPaint implements surface.PaintSignal. Entering it marks the previous
// tick as finished.
func (m *ManualPaint) NextPaint(ctx context.Context) error {
	m.finish()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-m.ticks:
		m.mu.Lock()
		m.last = done
		m.mu.Unlock()
		return nil
	}
}

func (m *ManualPaint) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last != nil {
		close(m.last)
		m.last = nil
	}
}

// Step releases one tick and blocks until the loop has finished it.
func (m *ManualPaint) Step(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.ticks <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
