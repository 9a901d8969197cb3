package dispatch

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/kalshi-stream/internal/connection"
	"github.com/rickgao/kalshi-stream/internal/model"
)

// Handler processes one typed event. Handlers for the same instrument
// are invoked sequentially in arrival order; handlers for different
// instruments may run concurrently.
type Handler interface {
	HandleEvent(ctx context.Context, ev *model.Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev *model.Event)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev *model.Event) { f(ctx, ev) }

// FrameSource is the slice of the session manager the dispatcher needs:
// the inbound frame stream plus the malformed-frame feedback path.
type FrameSource interface {
	Frames() <-chan connection.TimestampedMessage
	NoteMalformed()
}

// Config configures the Dispatcher.
type Config struct {
	Workers   int // Worker pool size
	QueueSize int // Per-worker bounded queue capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueSize: 2048,
	}
}

// Stats contains runtime dispatcher statistics.
type Stats struct {
	FramesReceived   int64
	EventsDispatched int64
	ParseErrors      int64
	UnknownFrames    int64
	EvictedEvents    int64 // drop-oldest evictions across all worker queues
	QueueDepth       int   // total events currently queued
}

// Dispatcher decodes frames and routes typed events to handlers.
type Dispatcher interface {
	// Start begins consuming frames from the source.
	Start(ctx context.Context) error

	// Stop drains the worker queues and shuts the pool down.
	Stop(ctx context.Context) error

	// Register adds a handler for an event kind. Handlers registered for
	// the same kind run in registration order. Safe to call while running.
	Register(kind model.EventKind, h Handler) Registration

	// Deregister detaches a handler by the handle Register returned. Safe
	// to call while frames are in flight: a worker that already picked up
	// the previous handler list finishes the event it holds, later events
	// skip the handler.
	Deregister(reg Registration)

	// Stats returns current statistics.
	Stats() Stats
}

// Registration identifies one registered handler so it can be detached
// later. Handler values are not comparable, so removal goes through the
// handle rather than the handler itself.
type Registration struct {
	kind model.EventKind
	id   uint64
}

// registration pairs a handler with its registry id.
type registration struct {
	id uint64
	h  Handler
}

// dispatcher is the internal implementation.
type dispatcher struct {
	cfg    Config
	logger *slog.Logger
	src    FrameSource

	rings []*eventRing

	regMu    sync.RWMutex
	handlers map[model.EventKind][]registration
	nextReg  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received   atomic.Int64
	dispatched atomic.Int64
	parseErrs  atomic.Int64
	unknown    atomic.Int64
}

// New creates a Dispatcher reading from the given frame source.
func New(cfg Config, src FrameSource, logger *slog.Logger) Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	rings := make([]*eventRing, cfg.Workers)
	for i := range rings {
		rings[i] = newEventRing(cfg.QueueSize)
	}

	return &dispatcher{
		cfg:      cfg,
		logger:   logger,
		src:      src,
		rings:    rings,
		handlers: make(map[model.EventKind][]registration),
	}
}

// Register adds a handler for an event kind.
func (d *dispatcher) Register(kind model.EventKind, h Handler) Registration {
	id := d.nextReg.Add(1)

	d.regMu.Lock()
	defer d.regMu.Unlock()

	// Copy-on-write so workers can read without holding the lock long.
	next := make([]registration, len(d.handlers[kind])+1)
	copy(next, d.handlers[kind])
	next[len(next)-1] = registration{id: id, h: h}
	d.handlers[kind] = next

	return Registration{kind: kind, id: id}
}

// Deregister removes a previously registered handler. Unknown handles
// are a no-op, so deregistering twice is safe.
func (d *dispatcher) Deregister(reg Registration) {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	cur := d.handlers[reg.kind]
	next := make([]registration, 0, len(cur))
	for _, r := range cur {
		if r.id != reg.id {
			next = append(next, r)
		}
	}
	if len(next) == 0 {
		delete(d.handlers, reg.kind)
		return
	}
	d.handlers[reg.kind] = next
}

// Start launches the decode loop and worker pool.
func (d *dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	for i, ring := range d.rings {
		d.wg.Add(1)
		go d.worker(i, ring)
	}

	d.wg.Add(1)
	go d.decodeLoop()

	d.logger.Info("dispatcher started",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
	)

	return nil
}

// Stop shuts down the dispatcher. Queued events are drained before the
// workers exit.
func (d *dispatcher) Stop(ctx context.Context) error {
	d.logger.Info("stopping dispatcher")

	if d.cancel != nil {
		d.cancel()
	}
	for _, ring := range d.rings {
		ring.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
	}

	return nil
}

// Stats returns current statistics.
func (d *dispatcher) Stats() Stats {
	var evicted int64
	var depth int
	for _, ring := range d.rings {
		evicted += ring.Evicted()
		depth += ring.Len()
	}

	return Stats{
		FramesReceived:   d.received.Load(),
		EventsDispatched: d.dispatched.Load(),
		ParseErrors:      d.parseErrs.Load(),
		UnknownFrames:    d.unknown.Load(),
		EvictedEvents:    evicted,
		QueueDepth:       depth,
	}
}

// decodeLoop consumes raw frames, decodes them, and enqueues events.
func (d *dispatcher) decodeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case raw, ok := <-d.src.Frames():
			if !ok {
				d.logger.Info("frame source closed")
				return
			}
			d.dispatch(raw)
		}
	}
}

// dispatch decodes one frame and enqueues the event on its worker.
func (d *dispatcher) dispatch(raw connection.TimestampedMessage) {
	d.received.Add(1)

	ev, err := decodeFrame(raw)
	if err != nil {
		d.parseErrs.Add(1)
		d.logger.Warn("malformed frame", "error", err)
		d.src.NoteMalformed()
		return
	}

	if ev.Kind == model.KindUnknown {
		d.unknown.Add(1)
		d.logger.Debug("unknown frame type", "sid", ev.SID)
	}

	ring := d.rings[d.workerFor(ev.Instrument)]
	if ring.Push(ev) {
		d.logger.Warn("worker queue full, evicted oldest event",
			"instrument", ev.Instrument,
			"kind", ev.Kind.String(),
		)
	}
}

// worker drains one ring, invoking the handlers registered for each
// event's kind in order.
func (d *dispatcher) worker(_ int, ring *eventRing) {
	defer d.wg.Done()

	for {
		ev, ok := ring.Pop()
		if !ok {
			return
		}

		d.regMu.RLock()
		handlers := d.handlers[ev.Kind]
		d.regMu.RUnlock()

		for _, r := range handlers {
			r.h.HandleEvent(d.ctx, ev)
		}

		d.dispatched.Add(1)
	}
}

// workerFor maps an instrument to a worker index. Same instrument, same
// worker: per-instrument ordering follows from each ring being FIFO.
func (d *dispatcher) workerFor(instrument string) int {
	if len(d.rings) == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(instrument))
	return int(h.Sum32() % uint32(len(d.rings)))
}
