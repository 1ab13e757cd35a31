// Package catalog keeps the captured frames of the current session in order
// under unique names, and fans new entries out to subscribers.
package catalog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/GriffinCanCode/canvas-watch/internal/capture"
	"github.com/GriffinCanCode/canvas-watch/internal/surface"
	"github.com/GriffinCanCode/canvas-watch/internal/syncx"
)

// Entry is one cataloged frame. Entries are not modified after Append.
type Entry struct {
	Name        string         `json:"name"`
	Data        []byte         `json:"-"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	Method      capture.Method `json:"method"`
	SurfaceID   surface.ID     `json:"surface_id"`
	Sequence    int            `json:"sequence"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	CapturedAt  time.Time      `json:"captured_at"`
}

// Size returns the encoded size in bytes.
func (e Entry) Size() int { return len(e.Data) }

type state struct {
	entries []Entry
	index   map[string]int
	namer   *Namer
}

// Catalog is an append-only, ordered frame list.
type Catalog struct {
	state *syncx.Guard[state]

	subMu   sync.Mutex
	subs    map[uint64]chan Entry
	nextSub uint64
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		state: syncx.NewGuard(state{index: make(map[string]int), namer: NewNamer()}),
		subs:  make(map[uint64]chan Entry),
	}
}

// Append names e through the registry, stores it and notifies subscribers.
// The stored entry is returned.
func (c *Catalog) Append(e Entry) Entry {
	if e.CapturedAt.IsZero() {
		e.CapturedAt = time.Now()
	}
	c.state.Write(func(s *state) {
		e.Name = s.namer.Assign(e.Name)
		s.index[e.Name] = len(s.entries)
		s.entries = append(s.entries, e)
	})
	c.emit(e)
	return e
}

// Snapshot returns a copy of all entries in append order.
func (c *Catalog) Snapshot() []Entry {
	var out []Entry
	c.state.Read(func(s state) {
		out = make([]Entry, len(s.entries))
		copy(out, s.entries)
	})
	return out
}

// Lookup finds an entry by its issued name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	var (
		e  Entry
		ok bool
	)
	c.state.Read(func(s state) {
		var i int
		if i, ok = s.index[name]; ok {
			e = s.entries[i]
		}
	})
	return e, ok
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	n := 0
	c.state.Read(func(s state) { n = len(s.entries) })
	return n
}

// Reset empties the catalog and the name registry. Subscriptions survive.
func (c *Catalog) Reset() {
	c.state.Write(func(s *state) {
		s.entries = nil
		clear(s.index)
		s.namer.Reset()
	})
}

// Subscribe returns a channel receiving every later Append. Slow readers
// miss entries rather than block the writer. cancel closes the channel.
func (c *Catalog) Subscribe(buffer int) (<-chan Entry, func()) {
	ch := make(chan Entry, max(buffer, 1))

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

// emit sends e to each subscriber (non-blocking).
func (c *Catalog) emit(e Entry) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("catalog subscriber lagging, entry dropped", "subscriber", id, "name", e.Name)
		}
	}
}
