package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/GriffinCanCode/canvas-watch/internal/surface"
)

// Canvas is a <canvas> element on a Page.
type Canvas struct {
	el     *rod.Element
	page   string
	node   proto.DOMBackendNodeID
	id     surface.ID
	label  string
	onGone func(*Canvas)
}

func newCanvas(el *rod.Element, page string, node proto.DOMBackendNodeID, n int) *Canvas {
	label := fmt.Sprintf("canvas-%d", n)
	if el != nil {
		if v, err := el.Attribute("id"); err == nil && v != nil && *v != "" {
			label = *v
		}
	}
	return &Canvas{
		el:    el,
		page:  page,
		node:  node,
		id:    surface.ID(fmt.Sprintf("%s/%d", page, node)),
		label: label,
	}
}

func (c *Canvas) ID() surface.ID { return c.id }
func (c *Canvas) Label() string  { return c.label }

// Size returns the canvas backing-store size.
func (c *Canvas) Size(ctx context.Context) (int, int, error) {
	res, err := c.el.Context(ctx).Eval(`() => this.isConnected ? {w: this.width || 0, h: this.height || 0} : null`)
	if err != nil {
		return 0, 0, c.fail(err)
	}
	if res.Value.Nil() {
		return 0, 0, c.fail(surface.ErrGone)
	}
	return res.Value.Get("w").Int(), res.Value.Get("h").Int(), nil
}

// Encode reads the canvas through toDataURL. A tainted canvas fails with
// surface.ErrNotReadable.
func (c *Canvas) Encode(ctx context.Context) ([]byte, error) {
	data, err := c.el.Context(ctx).CanvasToImage("image/png", 1)
	if err != nil {
		return nil, c.fail(err)
	}
	return data, nil
}

// Pixels decodes Encode's output.
func (c *Canvas) Pixels(ctx context.Context) (image.Image, error) {
	data, err := c.Encode(ctx)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("browser: decode canvas: %w", err)
	}
	return img, nil
}

func (c *Canvas) bounds(ctx context.Context) (surface.Rect, error) {
	res, err := c.el.Context(ctx).Eval(`() => { const r = this.getBoundingClientRect(); return {x: r.x, y: r.y, w: r.width, h: r.height} }`)
	if err != nil {
		return surface.Rect{}, c.fail(err)
	}
	v := res.Value
	return surface.Rect{X: v.Get("x").Num(), Y: v.Get("y").Num(), Width: v.Get("w").Num(), Height: v.Get("h").Num()}, nil
}

// fail classifies err and hands the canvas back to its page when it is gone.
func (c *Canvas) fail(err error) error {
	err = classify(err)
	if errors.Is(err, surface.ErrGone) && c.onGone != nil {
		c.onGone(c)
	}
	return err
}

// classify maps browser errors onto the surface sentinels.
func classify(err error) error {
	if err == nil || errors.Is(err, surface.ErrGone) {
		return err
	}
	var notFound *rod.ObjectNotFoundError
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", surface.ErrGone, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SecurityError"), strings.Contains(msg, "tainted"), strings.Contains(msg, "Tainted"):
		return fmt.Errorf("%w: %v", surface.ErrNotReadable, err)
	case strings.Contains(msg, "Could not find node"), strings.Contains(msg, "No node with given id"),
		strings.Contains(msg, "not attached"), strings.Contains(msg, "detached"):
		return fmt.Errorf("%w: %v", surface.ErrGone, err)
	}
	return err
}
