package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/catalog"
	"github.com/GriffinCanCode/canvas-watch/internal/trace"
)

// Stats counts delivery outcomes.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Pending   int   `json:"pending"`
}

// Batcher accumulates entries and flushes them to a sink when the batch is
// full or has been idle for the flush delay. Add never blocks on the sink.
// Batches reach the sink one at a time, in the order they were cut.
type Batcher struct {
	sink       Sink
	maxSize    int
	flushDelay time.Duration
	mu         sync.Mutex
	items      []catalog.Entry
	timer      *time.Timer
	stopped    bool
	prev       chan struct{} // closed when the last queued flush finishes
	wg         sync.WaitGroup
	delivered  atomic.Int64
	failed     atomic.Int64
}

// NewBatcher creates a batcher.
func NewBatcher(sink Sink, maxSize int, flushDelay time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultBatcherMaxSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultBatcherFlushDelay
	}
	return &Batcher{
		sink:       sink,
		maxSize:    maxSize,
		flushDelay: flushDelay,
		items:      make([]catalog.Entry, 0, maxSize),
	}
}

// Add queues an entry. Entries added after Stop are dropped.
func (b *Batcher) Add(e catalog.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	b.items = append(b.items, e)

	if len(b.items) >= b.maxSize {
		b.flushLocked()
		return
	}

	// Start or reset timer for delayed flush
	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushDelay, b.timerFlush)
	} else {
		b.timer.Reset(b.flushDelay)
	}
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if len(b.items) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.items
	b.items = make([]catalog.Entry, 0, b.maxSize)

	prev, done := b.prev, make(chan struct{})
	b.prev = done

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, span := trace.StartSpan(context.Background(), "delivery_batch_flush")
		defer span.End()
		span.SetAttr("count", len(items))

		log := trace.Logger(ctx)
		if err := b.sink.Deliver(ctx, items); err != nil {
			b.failed.Add(int64(len(items)))
			span.SetAttr("error", err.Error())
			log.Warn("frame delivery failed", "error", err, "count", len(items))
			return
		}
		b.delivered.Add(int64(len(items)))
		log.Debug("frames delivered", "count", len(items))
	}()
}

// Flush forces immediate flush of pending entries.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Stats returns delivery counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	pending := len(b.items)
	b.mu.Unlock()
	return Stats{Delivered: b.delivered.Load(), Failed: b.failed.Load(), Pending: pending}
}

// Stop flushes remaining entries and waits for in-flight deliveries.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.flushLocked()
	b.mu.Unlock()
	b.wg.Wait()
}
