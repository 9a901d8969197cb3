package dispatch

import (
	"sync"

	"github.com/rickgao/kalshi-stream/internal/model"
)

// eventRing is a thread-safe bounded FIFO for one worker. When full, a
// push evicts the oldest queued event so the freshest data survives
// backpressure. Relative order of surviving events is preserved.
type eventRing struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf      []*model.Event
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Stats
	totalPushed  int64
	totalPopped  int64
	totalEvicted int64
}

// newEventRing creates a ring with the given fixed capacity.
func newEventRing(capacity int) *eventRing {
	if capacity < 1 {
		capacity = 1
	}
	r := &eventRing{
		buf:      make([]*model.Event, capacity),
		capacity: capacity,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Push adds an event, evicting the oldest when full. Returns whether an
// eviction happened. Push on a closed ring is a no-op.
func (r *eventRing) Push(ev *model.Event) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	if r.count == r.capacity {
		r.buf[r.head] = nil
		r.head = (r.head + 1) % r.capacity
		r.count--
		r.totalEvicted++
		evicted = true
	}

	r.buf[r.tail] = ev
	r.tail = (r.tail + 1) % r.capacity
	r.count++
	r.totalPushed++

	r.cond.Signal()
	return evicted
}

// Pop removes and returns the oldest event. Blocks until an event is
// available or the ring is closed. Returns false once closed and drained.
func (r *eventRing) Pop() (*model.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		r.cond.Wait()
	}

	if r.count == 0 {
		return nil, false
	}

	ev := r.buf[r.head]
	r.buf[r.head] = nil // clear reference for GC
	r.head = (r.head + 1) % r.capacity
	r.count--
	r.totalPopped++

	return ev, true
}

// Close closes the ring. Poppers drain remaining events, then get false.
func (r *eventRing) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}

// Len returns the current queue depth.
func (r *eventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Evicted returns the total number of drop-oldest evictions.
func (r *eventRing) Evicted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalEvicted
}
