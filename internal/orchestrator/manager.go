package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/canvas-watch/internal/capture"
	"github.com/GriffinCanCode/canvas-watch/internal/config"
	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/catalog"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/delivery"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/watch"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
	"github.com/GriffinCanCode/canvas-watch/internal/trace"
)

// Host is the page that owns the watched surfaces.
type Host interface {
	surface.Geometry
	surface.Screenshotter
	surface.PaintSignal
	Surfaces(ctx context.Context) ([]surface.Surface, error)
}

// SinkFactory builds the delivery sink for a session. It returns nil when
// nothing is configured.
type SinkFactory func(sessionID string) delivery.Sink

// Session describes the current or last watch session.
type Session struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	StoppedAt time.Time     `json:"stopped_at,omitzero"`
	Running   bool          `json:"running"`
	Surfaces  int           `json:"surfaces"`
	Options   SessionParams `json:"options"`
}

// SessionParams are the start options that callers may override.
type SessionParams struct {
	Threshold   int    `json:"threshold_bits"`
	GridSize    int    `json:"grid_size"`
	AutoDeliver bool   `json:"auto_deliver"`
	Target      string `json:"target_context"`
}

// Status is a point-in-time view for the API.
type Status struct {
	Session  *Session        `json:"session,omitempty"`
	Frames   int             `json:"frames"`
	Delivery *delivery.Stats `json:"delivery,omitempty"`
}

// Manager coordinates sessions.
type Manager struct {
	cfg     *config.Config
	host    Host
	sinks   SinkFactory
	catalog *catalog.Catalog

	mu      sync.Mutex
	session *Session
	loop    *watch.Loop
	batcher *delivery.Batcher
	stopFwd func()
}

// New creates a manager. sinks may be nil when auto delivery is unused.
func New(cfg *config.Config, host Host, sinks SinkFactory) *Manager {
	return &Manager{
		cfg:     cfg,
		host:    host,
		sinks:   sinks,
		catalog: catalog.New(),
	}
}

// Catalog returns the session catalog. It is reset at every Start.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// Defaults returns the start options taken from configuration.
func (m *Manager) Defaults() SessionParams {
	return SessionParams{
		Threshold:   m.cfg.Threshold,
		GridSize:    m.cfg.GridSize,
		AutoDeliver: m.cfg.AutoDeliver,
		Target:      m.cfg.TargetContext,
	}
}

// Start begins a new session, ending any current one. Zero params fall back
// to the configured defaults; out-of-range ones fail with CONFIG_INVALID and
// leave the current session running. The session outlives ctx's
// cancellation; only Stop ends it.
func (m *Manager) Start(ctx context.Context, params SessionParams) (Session, error) {
	params = m.withDefaults(params)
	if err := config.ValidateDetection(params.GridSize, params.Threshold); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.loop
	m.stopLocked()
	m.batcher = nil
	if prev != nil {
		// The old loop may still be finishing a tick on the shared host.
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return Session{}, apperrors.Wrap(ctx.Err(), apperrors.CodeInternal, "previous session still stopping")
		}
	}

	id := uuid.NewString()
	ctx = trace.WithTraceID(context.WithoutCancel(ctx), id)
	ctx, span := trace.StartSpan(ctx, "session_start")
	defer span.End()
	log := trace.Logger(ctx)

	surfaces, err := m.host.Surfaces(ctx)
	if err != nil {
		return Session{}, apperrors.Wrap(err, apperrors.CodeInternal, "discover surfaces")
	}
	span.SetAttr("surfaces", len(surfaces))

	m.catalog.Reset()

	fallback := capture.NewFallback(m.host, m.host, m.host, capture.FallbackConfig{
		Settle: m.cfg.SettleDelay,
		Target: params.Target,
	})
	deps := watch.Deps{
		Capturer: capture.NewTwoTier(capture.Direct{}, fallback),
		Paint:    m.host,
		Catalog:  m.catalog,
	}
	if m.cfg.HashFallback {
		deps.Pixels = fallback.Pixels()
	}

	opts := watch.Options{
		Threshold:   params.Threshold,
		GridSize:    params.GridSize,
		AutoDeliver: params.AutoDeliver,
		Target:      params.Target,
	}

	if params.AutoDeliver {
		m.startDelivery(ctx, id)
	}

	loop := watch.New(deps)
	if err := loop.Start(ctx, surfaces, opts); err != nil {
		m.stopDelivery()
		return Session{}, err
	}

	m.loop = loop
	m.session = &Session{
		ID:        id,
		StartedAt: time.Now(),
		Running:   true,
		Surfaces:  len(surfaces),
		Options:   params,
	}
	log.Info("session started", "session", id, "surfaces", len(surfaces), "auto_deliver", params.AutoDeliver)
	return *m.session, nil
}

func (m *Manager) withDefaults(p SessionParams) SessionParams {
	d := m.Defaults()
	if p.Threshold == 0 {
		p.Threshold = d.Threshold
	}
	if p.GridSize == 0 {
		p.GridSize = d.GridSize
	}
	if p.Target == "" {
		p.Target = d.Target
	}
	return p
}

// startDelivery forwards every catalog entry of this session to the sink.
func (m *Manager) startDelivery(ctx context.Context, sessionID string) {
	if m.sinks == nil {
		trace.Logger(ctx).Warn("auto delivery requested but no sink configured")
		return
	}
	sink := m.sinks(sessionID)
	if sink == nil {
		trace.Logger(ctx).Warn("auto delivery requested but no sink configured")
		return
	}

	b := delivery.NewBatcher(sink, m.cfg.DeliveryBatch, m.cfg.DeliveryFlushDelay)
	events, cancel := m.catalog.Subscribe(DeliveryEventBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			b.Add(e)
		}
	}()

	m.batcher = b
	m.stopFwd = func() {
		cancel()
		<-done
	}
}

func (m *Manager) stopDelivery() {
	if m.stopFwd != nil {
		m.stopFwd()
		m.stopFwd = nil
	}
	if m.batcher != nil {
		m.batcher.Stop()
	}
}

// Stop ends the current session. In-flight captures are discarded; pending
// deliveries are flushed. Stopping twice is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.session == nil || !m.session.Running {
		return
	}
	m.loop.Stop()
	m.stopDelivery()
	m.session.Running = false
	m.session.StoppedAt = time.Now()
	trace.Logger(context.Background()).Info("session stopped", "session", m.session.ID, "frames", m.catalog.Len())
}

// Rescan picks up surfaces added to the page since Start.
func (m *Manager) Rescan(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || !m.session.Running {
		return 0, apperrors.New(apperrors.CodeNotFound, "no running session")
	}

	surfaces, err := m.host.Surfaces(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInternal, "discover surfaces")
	}
	for _, s := range surfaces {
		m.loop.Watch(s)
	}
	n := len(m.loop.Surfaces())
	m.session.Surfaces = n
	return n, nil
}

// Status reports the session, catalog size and delivery counters.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Frames: m.catalog.Len()}
	if m.session != nil {
		s := *m.session
		if s.Running && !m.loop.Running() {
			// The loop ended on its own (host went away).
			s.Running = false
		}
		st.Session = &s
	}
	if m.batcher != nil {
		ds := m.batcher.Stats()
		st.Delivery = &ds
	}
	return st
}

// Done is closed when the current session's loop exits.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loop == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.loop.Done()
}
