package equeue

import (
	"sync"
	"sync/atomic"

	"github.com/memtrack/retaintrack/internal/diag"
	"github.com/memtrack/retaintrack/rtadapter"
)

// Option configures a Queue at construction time, following this module's
// functional-options convention (see retaintrack.Option, sampler.Option).
type Option func(*config)

type config struct {
	maxCapacity int
	logger      *diag.Logger
}

// WithMaxCapacity bounds the number of events that may be buffered on the
// producer side before Enqueue starts dropping the newest arrivals. Zero (the
// default) means unbounded, matching the source engine's behavior; the
// spec's §9 Open Questions leaves a cap policy to the implementer, and
// drop-newest is what this module adopts.
func WithMaxCapacity(n int) Option {
	return func(c *config) { c.maxCapacity = n }
}

// WithLogger attaches a diagnostic logger. Without one, Queue logs nothing.
func WithLogger(l *diag.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Queue is the double-buffered event queue. A Queue is safe for concurrent
// Enqueue calls (matching the host's allocation-callback thread model) and
// for exactly one concurrent ProcessAll (the deferred consumer).
type Queue struct {
	mu      sync.Mutex
	buffers [2][]Event
	avail   int // index into buffers of the producer-side slice

	maxCapacity int
	dropped     atomic.Uint64
	logger      *diag.Logger
}

// New constructs an empty Queue.
func New(opts ...Option) *Queue {
	cfg := config{logger: diag.Disabled()}
	for _, o := range opts {
		o(&cfg)
	}
	return &Queue{
		maxCapacity: cfg.maxCapacity,
		logger:      cfg.logger,
	}
}

// Enqueue appends an event to the producer-side buffer. It is safe to call
// from inside an allocator or collector callback: it never blocks on
// anything but the internal mutex (held only for an append), and it never
// invokes user code.
//
// Returns false if the event was dropped because MaxCapacity was reached;
// callers must still account the event in their own counters (see
// alloc.Record), since a dropped event is not a processing failure, just a
// queuing one.
func (q *Queue) Enqueue(kind rtadapter.EventKind, capture rtadapter.CaptureRef, class rtadapter.ClassRef, object rtadapter.ObjectRef) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	buf := q.buffers[q.avail]
	if q.maxCapacity > 0 && len(buf) >= q.maxCapacity {
		q.dropped.Add(1)
		q.logger.Warning().
			Str("kind", fromRawKind(kind).String()).
			Int("max_capacity", q.maxCapacity).
			Log("equeue: dropping event, queue at capacity")
		return false
	}

	q.buffers[q.avail] = append(buf, Event{
		Kind:    fromRawKind(kind),
		Capture: capture,
		Class:   class,
		Object:  object,
	})
	return true
}

// DroppedCount returns the total number of events ever dropped due to
// MaxCapacity.
func (q *Queue) DroppedCount() uint64 {
	return q.dropped.Load()
}

// Length returns the number of events currently buffered on the producer
// side. Intended for diagnostics/tests; racy with concurrent Enqueue.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffers[q.avail])
}

// ProcessAll swaps the producer and consumer buffers, then walks the newly
// current consumer side in FIFO order, invoking handle for each event and
// clearing the slot (Kind -> KindNone, fields zeroed through writeBarrier)
// as soon as handle returns or its panic is recovered. handle panics are recovered and
// logged — one bad event must never poison the rest of the batch. ProcessAll
// must only be called from the deferred job; it is not safe to call
// concurrently with itself.
//
// writeBarrier may be nil; when supplied (normally rtadapter.Adapter's
// WriteBarrier bound to the queue's own container identity), it is invoked
// once per cleared slot.
func (q *Queue) ProcessAll(handle func(Event), writeBarrier func(old, new rtadapter.ObjectRef)) {
	q.mu.Lock()
	processingIdx := q.avail
	q.avail = 1 - q.avail
	processing := q.buffers[processingIdx]
	q.buffers[processingIdx] = nil
	q.mu.Unlock()

	for i := range processing {
		ev := processing[i]
		if ev.Kind == KindNone {
			continue
		}
		q.safeHandle(handle, ev)
		processing[i].clear(writeBarrier)
	}
}

func (q *Queue) safeHandle(handle func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Err().
				Str("kind", ev.Kind.String()).
				Interface("panic", r).
				Log("equeue: event handler panicked, event dropped")
		}
	}()
	handle(ev)
}

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNew:
		return "new"
	case KindFree:
		return "free"
	default:
		return "unknown"
	}
}

// Mark reports every live reference held by the queue (both buffers) to
// visit, distinguishing NEW's object (which must be marked, since it is the
// queue's only remaining reference keeping it alive until processed) from
// FREE's object (which must not be marked — it is the object being
// collected). Capture and Class references are always marked. This mirrors
// spec §4.2's marking contract; rewriting references during compaction is
// a separate walk, Relocate.
func (q *Queue) Mark(visit func(capture rtadapter.CaptureRef, class rtadapter.ClassRef, object rtadapter.ObjectRef, objectIsLive bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, buf := range q.buffers {
		for _, ev := range buf {
			if ev.Kind == KindNone {
				continue
			}
			visit(ev.Capture, ev.Class, ev.Object, ev.Kind == KindNew)
		}
	}
}

// Relocate rewrites every live reference in both buffers through relocator,
// for use during a compaction pass. Matches Mark's liveness distinction: a
// FREE event's object is never passed to the relocator, since it identifies
// the object being collected, not a surviving reference.
func (q *Queue) Relocate(relocator rtadapter.Relocator) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for bi := range q.buffers {
		buf := q.buffers[bi]
		for i := range buf {
			ev := &buf[i]
			if ev.Kind == KindNone {
				continue
			}
			ev.Capture = rtadapter.CaptureRef(relocator.Relocate(rtadapter.ObjectRef(ev.Capture)))
			ev.Class = relocator.RelocateClass(ev.Class)
			if ev.Kind == KindNew {
				ev.Object = relocator.Relocate(ev.Object)
			}
		}
	}
}
