// Package watch samples surfaces once per host paint, and captures and
// catalogs a frame whenever a surface's fingerprint moves far enough from the
// last one that triggered a capture.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/GriffinCanCode/canvas-watch/internal/capture"
	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/fingerprint"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/catalog"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
	"github.com/GriffinCanCode/canvas-watch/internal/syncx"
	"github.com/GriffinCanCode/canvas-watch/internal/trace"
)

// ErrRunning is returned by Start on a loop that has not been stopped.
var ErrRunning = errors.New("watch: loop already running")

// Hasher fingerprints a surface.
type Hasher interface {
	Hash(ctx context.Context, s surface.Surface) (fingerprint.Fingerprint, error)
}

// Options configure one run of the loop.
type Options struct {
	Threshold   int
	GridSize    int
	AutoDeliver bool   // honoured by the session manager
	Target      string // screenshot target for the fallback path
	OnCapture   func(catalog.Entry)
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.GridSize <= 0 {
		o.GridSize = fingerprint.DefaultGridSize
	}
	return o
}

// Entry is the per-surface watch state.
type Entry struct {
	SurfaceID surface.ID
	Baseline  fingerprint.Fingerprint // last triggering fingerprint
	Sequence  int
}

// Deps are the loop's collaborators. Hasher and Pixels are optional; when
// Hasher is nil one is built per run from Options.GridSize and Pixels.
type Deps struct {
	Capturer capture.Capturer
	Paint    surface.PaintSignal
	Catalog  *catalog.Catalog
	Hasher   Hasher
	Pixels   fingerprint.PixelSource
}

// Loop is the paint-driven watch scheduler.
type Loop struct {
	deps  Deps
	epoch syncx.Epoch

	mu       sync.Mutex
	running  bool
	order    []surface.ID
	surfaces map[surface.ID]surface.Surface
	entries  map[surface.ID]*Entry
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped loop.
func New(deps Deps) *Loop {
	done := make(chan struct{})
	close(done)
	return &Loop{
		deps:     deps,
		surfaces: make(map[surface.ID]surface.Surface),
		entries:  make(map[surface.ID]*Entry),
		done:     done,
	}
}

// Start registers surfaces and begins ticking on every paint. Cancelling ctx
// stops scheduling like Stop does; captures already running finish under a
// context detached from ctx's cancellation.
func (l *Loop) Start(ctx context.Context, surfaces []surface.Surface, opts Options) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrRunning
	}

	opts = opts.withDefaults()
	hasher := l.deps.Hasher
	if hasher == nil {
		hasher = fingerprint.NewHasher(opts.GridSize, l.deps.Pixels)
	}
	l.order = l.order[:0]
	clear(l.surfaces)
	clear(l.entries)
	for _, s := range surfaces {
		l.register(s)
	}

	gen := l.epoch.Advance()
	sched, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	trace.Logger(ctx).Info("watch loop started",
		"surfaces", len(l.order), "threshold", opts.Threshold, "grid", opts.GridSize)
	go l.run(sched, context.WithoutCancel(ctx), run{gen: gen, hasher: hasher, opts: opts}, l.done)
	return nil
}

// Stop halts scheduling. It does not wait for an in-flight capture; that
// capture's result is discarded. Calling Stop more than once is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.epoch.Advance()
	l.cancel()
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Running reports whether the loop is between Start and Stop.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Watch adds a surface. Re-adding a known ID replaces the handle but keeps
// its state.
func (l *Loop) Watch(s surface.Surface) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.register(s)
}

// Unwatch drops a surface and its state.
func (l *Loop) Unwatch(id surface.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drop(id)
}

// Entry returns a copy of the state for id.
func (l *Loop) Entry(id surface.ID) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Surfaces returns the watched IDs in registration order.
func (l *Loop) Surfaces() []surface.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]surface.ID(nil), l.order...)
}

func (l *Loop) register(s surface.Surface) {
	id := s.ID()
	if _, ok := l.surfaces[id]; !ok {
		l.order = append(l.order, id)
		l.entries[id] = &Entry{SurfaceID: id}
	}
	l.surfaces[id] = s
}

func (l *Loop) drop(id surface.ID) {
	if _, ok := l.surfaces[id]; !ok {
		return
	}
	delete(l.surfaces, id)
	delete(l.entries, id)
	for i, o := range l.order {
		if o == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// run is the state fixed for one Start..Stop cycle.
type run struct {
	gen    uint64
	hasher Hasher
	opts   Options
}

func (l *Loop) run(sched, work context.Context, r run, done chan struct{}) {
	defer close(done)
	defer l.exited(r.gen)
	log := trace.Logger(work)
	for {
		if err := l.deps.Paint.NextPaint(sched); err != nil {
			log.Info("watch loop stopped", "reason", err)
			return
		}
		if !l.epoch.Valid(r.gen) {
			// Stopped during the wait; the next NextPaint sees sched cancelled.
			continue
		}
		l.tick(work, r)
	}
}

// exited marks the loop stopped when it ended through ctx rather than Stop.
func (l *Loop) exited(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running && l.epoch.Valid(gen) {
		l.running = false
		l.epoch.Advance()
		l.cancel()
	}
}

// tick samples every watched surface once, in registration order.
func (l *Loop) tick(ctx context.Context, r run) {
	l.mu.Lock()
	targets := make([]surface.Surface, 0, len(l.order))
	for _, id := range l.order {
		targets = append(targets, l.surfaces[id])
	}
	l.mu.Unlock()

	for _, s := range targets {
		if !l.epoch.Valid(r.gen) {
			return
		}
		l.sample(ctx, r, s)
	}
}

func (l *Loop) sample(ctx context.Context, r run, s surface.Surface) {
	id := s.ID()
	log := trace.Logger(ctx).With("surface", id)

	w, h, err := s.Size(ctx)
	switch {
	case errors.Is(err, surface.ErrGone):
		l.forget(log, id)
		return
	case err != nil:
		log.Debug("size unavailable", "error", err)
		return
	case w < 1 || h < 1:
		return
	}

	current, err := r.hasher.Hash(ctx, s)
	switch {
	case errors.Is(err, surface.ErrGone):
		l.forget(log, id)
		return
	case errors.Is(err, surface.ErrNotReadable):
		log.Debug("surface not readable, skipped")
		return
	case err != nil:
		log.Warn("hash failed", "error", err)
		return
	}

	seq, ok := l.compare(log, r, id, current)
	if !ok {
		return
	}

	ctx, span := trace.StartSpan(ctx, "watch.capture")
	defer span.End()
	span.SetAttr("surface", string(id))
	span.SetAttr("sequence", seq)

	frame, err := l.deps.Capturer.Capture(ctx, s)
	if err != nil {
		if errors.Is(err, surface.ErrGone) {
			l.forget(log, id)
			return
		}
		log.Warn("capture failed", "sequence", seq, "code", apperrors.CodeOf(err), "error", err)
		return
	}

	entry := catalog.Entry{
		Name:        catalog.BaseName(s.Label(), seq),
		Data:        frame.Data,
		Width:       frame.Width,
		Height:      frame.Height,
		Method:      frame.Method,
		SurfaceID:   id,
		Sequence:    seq,
		Fingerprint: current.String(),
	}

	// The epoch check and the append happen under mu so Stop cannot slip in
	// between them.
	l.mu.Lock()
	if !l.epoch.Valid(r.gen) {
		l.mu.Unlock()
		log.Debug("discarding capture from stopped run", "sequence", seq)
		return
	}
	entry = l.deps.Catalog.Append(entry)
	l.mu.Unlock()

	log.Info("frame captured", "name", entry.Name, "method", entry.Method, "bytes", entry.Size())
	if r.opts.OnCapture != nil {
		r.opts.OnCapture(entry)
	}
}

// compare applies the threshold against the last triggering fingerprint. It
// returns the new sequence number when a capture should follow. Samples
// from a stopped run leave the state alone.
func (l *Loop) compare(log *slog.Logger, r run, id surface.ID, current fingerprint.Fingerprint) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.epoch.Valid(r.gen) {
		return 0, false
	}

	e, ok := l.entries[id]
	if !ok {
		// Unwatched mid-tick.
		return 0, false
	}
	if e.Baseline.IsZero() {
		e.Baseline = current
		return 0, false
	}

	d, err := fingerprint.Distance(e.Baseline, current)
	if err != nil {
		log.Error("fingerprint comparison failed", "error", err)
		return 0, false
	}
	if d < r.opts.Threshold {
		return 0, false
	}
	e.Baseline = current
	e.Sequence++
	return e.Sequence, true
}

func (l *Loop) forget(log *slog.Logger, id surface.ID) {
	l.mu.Lock()
	l.drop(id)
	l.mu.Unlock()
	log.Debug("surface gone, dropped")
}
