package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/GriffinCanCode/canvas-watch/internal/surface"
)

// Page is an open tab. It is the host for its canvases.
type Page struct {
	page     *rod.Page
	name     string
	selector string
	log      *slog.Logger

	mu       sync.Mutex
	canvases map[proto.DOMBackendNodeID]*Canvas
	seq      int
	release  func(*Canvas)
}

func newPage(p *rod.Page, name, selector string, log *slog.Logger) *Page {
	if selector == "" {
		selector = "canvas"
	}
	return &Page{
		page:     p,
		name:     name,
		selector: selector,
		log:      log.With("page", name),
		canvases: make(map[proto.DOMBackendNodeID]*Canvas),
		release:  releaseElement,
	}
}

func releaseElement(c *Canvas) {
	if c.el != nil {
		_ = c.el.Release()
	}
}

// Name identifies the page; it is accepted as a screenshot target.
func (p *Page) Name() string { return p.name }

// Surfaces returns the canvases currently matching the selector. Handles are
// reused across calls so IDs stay stable; canvases no longer matched are
// evicted and their remote objects released.
func (p *Page) Surfaces(ctx context.Context) ([]surface.Surface, error) {
	els, err := p.page.Context(ctx).Elements(p.selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %q: %w", p.selector, err)
	}

	found := make([]proto.DOMBackendNodeID, 0, len(els))
	byNode := make(map[proto.DOMBackendNodeID]*rod.Element, len(els))
	for _, el := range els {
		node, err := el.Describe(0, false)
		if err != nil {
			p.log.Debug("browser: describe element failed", "error", err)
			continue
		}
		found = append(found, node.BackendNodeID)
		byNode[node.BackendNodeID] = el
	}
	out := p.adopt(found, func(node proto.DOMBackendNodeID, n int) *Canvas {
		return newCanvas(byNode[node], p.name, node, n)
	})

	// Fresh handles for nodes that were already cached are not kept.
	kept := make(map[*rod.Element]bool, len(out))
	for _, s := range out {
		kept[s.(*Canvas).el] = true
	}
	for _, el := range els {
		if !kept[el] {
			_ = el.Release()
		}
	}
	return out, nil
}

// adopt makes found the cached set of canvases, creating handles for new
// nodes with mk and releasing the ones that disappeared.
func (p *Page) adopt(found []proto.DOMBackendNodeID, mk func(proto.DOMBackendNodeID, int) *Canvas) []surface.Surface {
	p.mu.Lock()
	live := make(map[proto.DOMBackendNodeID]bool, len(found))
	out := make([]surface.Surface, 0, len(found))
	for _, node := range found {
		if live[node] {
			continue
		}
		live[node] = true
		c, ok := p.canvases[node]
		if !ok {
			p.seq++
			c = mk(node, p.seq)
			c.onGone = p.evict
			p.canvases[node] = c
		}
		out = append(out, c)
	}
	var stale []*Canvas
	for node, c := range p.canvases {
		if !live[node] {
			delete(p.canvases, node)
			stale = append(stale, c)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		p.release(c)
	}
	return out
}

// evict drops c once the browser reports it gone.
func (p *Page) evict(c *Canvas) {
	p.mu.Lock()
	cur, ok := p.canvases[c.node]
	if ok && cur == c {
		delete(p.canvases, c.node)
	}
	p.mu.Unlock()
	if ok && cur == c {
		p.release(c)
	}
}

// Viewport implements surface.Geometry.
func (p *Page) Viewport(ctx context.Context) (surface.Viewport, error) {
	res, err := p.page.Context(ctx).Eval(`() => ({w: innerWidth, h: innerHeight, s: devicePixelRatio || 1})`)
	if err != nil {
		return surface.Viewport{}, fmt.Errorf("browser: viewport: %w", err)
	}
	return surface.Viewport{
		Width:  res.Value.Get("w").Num(),
		Height: res.Value.Get("h").Num(),
		Scale:  res.Value.Get("s").Num(),
	}, nil
}

// Bounds implements surface.Geometry.
func (p *Page) Bounds(ctx context.Context, s surface.Surface) (surface.Rect, error) {
	c, err := p.own(s)
	if err != nil {
		return surface.Rect{}, err
	}
	return c.bounds(ctx)
}

// ScrollIntoView implements surface.Geometry.
func (p *Page) ScrollIntoView(ctx context.Context, s surface.Surface) error {
	c, err := p.own(s)
	if err != nil {
		return err
	}
	if err := c.el.Context(ctx).ScrollIntoView(); err != nil {
		return c.fail(err)
	}
	return nil
}

// Screenshot implements surface.Screenshotter with a viewport-only PNG.
func (p *Page) Screenshot(ctx context.Context, target string) ([]byte, error) {
	if target != "" && target != "viewport" && target != p.name {
		return nil, fmt.Errorf("browser: unknown screenshot target %q", target)
	}
	data, err := p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return data, nil
}

// NextPaint implements surface.PaintSignal. It resolves on the page's next
// animation frame, so a hidden tab produces no ticks.
func (p *Page) NextPaint(ctx context.Context) error {
	_, err := p.page.Context(ctx).Eval(`() => new Promise(r => requestAnimationFrame(() => r(true)))`)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("browser: paint wait: %w", err)
	}
	return nil
}

// Close closes the tab.
func (p *Page) Close() error {
	return p.page.Close()
}

func (p *Page) own(s surface.Surface) (*Canvas, error) {
	c, ok := s.(*Canvas)
	if !ok || c.page != p.name {
		return nil, fmt.Errorf("browser: surface %s does not belong to %s", s.ID(), p.name)
	}
	return c, nil
}
