// Package retaintrack is the root of the retained-object tracking engine:
// it wires the event queue (equeue), object table (objtable), per-class
// allocation records (alloc), and a runtime adapter (rtadapter) together
// into Capture, the engine's front-end (component C5). Capture is the
// thing a host runtime attaches to: it turns raw allocator/collector
// notifications into engine events, applies them from the deferred
// consumer, and exposes the tracked-class and object-table state to
// callers such as sampler.Sampler.
package retaintrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memtrack/retaintrack/alloc"
	"github.com/memtrack/retaintrack/equeue"
	"github.com/memtrack/retaintrack/internal/diag"
	"github.com/memtrack/retaintrack/internal/ringbuf"
	"github.com/memtrack/retaintrack/objtable"
	"github.com/memtrack/retaintrack/rtadapter"
)

// Lifecycle and clear errors, per spec §7's "recoverable — caller-visible"
// tier.
var (
	ErrAlreadyRunning    = errors.New("retaintrack: capture already running")
	ErrNotRunning        = errors.New("retaintrack: capture not running")
	ErrClearWhileRunning = errors.New("retaintrack: cannot clear while running")
)

var nextCaptureRef atomic.Uint64

// Option configures a Capture at construction time.
type Option func(*config)

type config struct {
	logger            *diag.Logger
	queueCapacity     int
	errorHistory      int
	probeWarningRates map[time.Duration]int
}

// WithLogger attaches a diagnostic logger, propagated to the Event Queue
// and Object Table as well.
func WithLogger(l *diag.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithQueueCapacity bounds the Event Queue's producer-side buffer; see
// equeue.WithMaxCapacity. Zero (the default) is unbounded.
func WithQueueCapacity(n int) Option {
	return func(c *config) { c.queueCapacity = n }
}

// WithErrorHistory bounds how many recent recovered-panic/error summaries
// RecentErrors retains. Defaults to 32.
func WithErrorHistory(n int) Option {
	return func(c *config) { c.errorHistory = n }
}

// WithProbeWarningRate bounds how often the Object Table may log a
// long-probe-chain warning; see objtable.WithProbeWarningRate.
func WithProbeWarningRate(rates map[time.Duration]int) Option {
	return func(c *config) { c.probeWarningRates = rates }
}

// Statistics is Capture.Statistics's return value.
type Statistics struct {
	TrackedCount    int
	ObjectTableSize int
}

// Capture is the engine's front-end: it owns a set of tracked classes,
// the Object Table, the Event Queue, and the producer/consumer glue
// connecting them to a rtadapter.Adapter.
//
// The engine assumes a single cooperative thread drives both the producer
// and consumer path, so that they never run concurrently. A real host
// adapter upholds that by construction — the
// deferred job only ever fires between managed allocator calls on the
// same thread. A test or reference adapter is free to schedule the
// deferred job on its own goroutine instead (rtadapter/simadapter does),
// so Capture guards its shared state with a mutex: this exists purely to
// serialize producer and consumer when the adapter does not already do
// so on its own, not to support genuinely concurrent callers.
type Capture struct {
	ref     rtadapter.CaptureRef
	adapter rtadapter.Adapter
	queue   *equeue.Queue
	table   *objtable.Table
	logger  *diag.Logger
	recent  *ringbuf.Buffer[string]

	mu      sync.Mutex
	tracked map[rtadapter.ClassRef]*alloc.Record

	running     bool
	pausedDepth int

	newCount  uint64
	freeCount uint64

	newHookToken, freeHookToken uint64
}

// New constructs a Capture bound to adapter. The Capture does not start
// receiving events until Start is called.
func New(adapter rtadapter.Adapter, opts ...Option) *Capture {
	cfg := config{logger: diag.Disabled(), errorHistory: 32}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.errorHistory <= 0 {
		cfg.errorHistory = 1
	}

	tableOpts := []objtable.Option{objtable.WithLogger(cfg.logger)}
	if len(cfg.probeWarningRates) > 0 {
		tableOpts = append(tableOpts, objtable.WithProbeWarningRate(cfg.probeWarningRates))
	}

	return &Capture{
		ref:     rtadapter.CaptureRef(nextCaptureRef.Add(1)),
		adapter: adapter,
		queue:   equeue.New(equeue.WithMaxCapacity(cfg.queueCapacity), equeue.WithLogger(cfg.logger)),
		table:   objtable.New(tableOpts...),
		tracked: make(map[rtadapter.ClassRef]*alloc.Record),
		logger:  cfg.logger,
		recent:  ringbuf.New[string](cfg.errorHistory),
	}
}

// Start installs this Capture's event hooks on its adapter. Returns
// ErrAlreadyRunning if already started.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	newToken, err := c.adapter.InstallEventHook(c.ref, rtadapter.EventNew, c.onRawEvent)
	if err != nil {
		return fmt.Errorf("retaintrack: install NEW hook: %w", err)
	}
	freeToken, err := c.adapter.InstallEventHook(c.ref, rtadapter.EventFree, c.onRawEvent)
	if err != nil {
		c.adapter.UninstallEventHook(c.ref, newToken)
		return fmt.Errorf("retaintrack: install FREE hook: %w", err)
	}

	c.newHookToken, c.freeHookToken = newToken, freeToken
	c.running = true
	return nil
}

// Stop removes this Capture's event hooks, synchronously drains whatever
// events are still queued, and clears the running flag. Returns
// ErrNotRunning if not started.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}

	c.adapter.UninstallEventHook(c.ref, c.newHookToken)
	c.adapter.UninstallEventHook(c.ref, c.freeHookToken)
	c.drainLocked()
	c.running = false
	return nil
}

// Clear resets Capture's counters and Object Table. Refuses while running,
// since a safe clear would race against events still arriving.
func (c *Capture) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrClearWhileRunning
	}
	c.newCount = 0
	c.freeCount = 0
	c.table.Reset()
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Track attaches (or replaces) callback on class's Allocations record,
// creating the record lazily on first use, and pins the class so the host
// collector does not move it out from under the tracked map's key.
func (c *Capture) Track(class rtadapter.ClassRef, callback alloc.Callback) *alloc.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.getOrCreateRecordLocked(class)
	rec.Track(callback)
	return rec
}

// Untrack removes class from the tracked map and releases its pin. The
// Allocations record itself becomes unreferenced and is reclaimed by the
// host collector once nothing else holds it.
func (c *Capture) Untrack(class rtadapter.ClassRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tracked[class]; !ok {
		return
	}
	delete(c.tracked, class)
	c.adapter.Unpin(rtadapter.ObjectRef(class))
}

// Tracking reports whether class currently has an Allocations record.
func (c *Capture) Tracking(class rtadapter.ClassRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[class]
	return ok
}

// Get returns class's Allocations record, or nil if class has never been
// seen.
func (c *Capture) Get(class rtadapter.ClassRef) *alloc.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracked[class]
}

// RetainedCountOf returns class's retained count, or 0 if class has never
// been seen.
func (c *Capture) RetainedCountOf(class rtadapter.ClassRef) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.tracked[class]
	if rec == nil {
		return 0
	}
	return rec.RetainedCount()
}

// NewCount is the Capture-wide count of NEW events observed since
// construction or the last Clear.
func (c *Capture) NewCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newCount
}

// FreeCount is NewCount's FREE counterpart.
func (c *Capture) FreeCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeCount
}

// RetainedCount is the Capture-wide saturating difference NewCount() -
// FreeCount().
func (c *Capture) RetainedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freeCount >= c.newCount {
		return 0
	}
	return c.newCount - c.freeCount
}

// Each visits every tracked class and its Allocations record, in
// unspecified order. visit must not call back into this Capture.
func (c *Capture) Each(visit func(class rtadapter.ClassRef, rec *alloc.Record)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for class, rec := range c.tracked {
		visit(class, rec)
	}
}

// EachObject enumerates every live object of the given class. It
// implements sampler.CaptureView and satisfies spec §4.5's enumeration-mode
// contract: the event queue is drained first so the Object Table reflects
// every known allocation, and the table is held in strong mode (objects
// cannot be collected mid-walk) for the duration of the call. visit must
// not call back into this Capture.
func (c *Capture) EachObject(class rtadapter.ClassRef, visit func(object rtadapter.ObjectRef, data any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	release := c.enterEnumerationLocked()
	defer release()
	c.table.Each(func(e objtable.Entry) {
		if e.Class == class {
			visit(e.Object, e.Data)
		}
	})
}

// EachObjectAll is EachObject without a class filter, visiting every
// live tracked object regardless of class.
func (c *Capture) EachObjectAll(visit func(class rtadapter.ClassRef, object rtadapter.ObjectRef, data any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	release := c.enterEnumerationLocked()
	defer release()
	c.table.Each(func(e objtable.Entry) {
		visit(e.Class, e.Object, e.Data)
	})
}

func (c *Capture) enterEnumerationLocked() (release func()) {
	c.drainLocked()
	return c.table.EnterStrongMode()
}

// AddressOf renders object as a stable hex string via the adapter.
func (c *Capture) AddressOf(object rtadapter.ObjectRef) string {
	return c.adapter.AddressOf(object)
}

// Statistics reports the current tracked-class count and Object Table
// occupancy.
func (c *Capture) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Statistics{TrackedCount: len(c.tracked), ObjectTableSize: c.table.Size()}
}

// Corrupt reports the Object Table's sticky corruption error, if any — the
// spec §7 fatal "probe length exceeds hard limit" condition.
func (c *Capture) Corrupt() error { return c.table.Corrupt() }

// RecentErrors returns a snapshot of the most recent recovered user
// callback panics, oldest first.
func (c *Capture) RecentErrors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recent.Slice()
}

// HandleCompaction must be called by the host once it has completed a
// compacting collection pass, so the Object Table's keys and the Event
// Queue's buffered events are rewritten through the adapter's relocator.
func (c *Capture) HandleCompaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table.Compact(c.adapter)
	c.queue.Relocate(c.adapter)
}

// HandleMark must be called by the host's GC mark phase so every managed
// reference this Capture holds is reported to the collector, distinguishing
// weak Object Table keys from strong ones.
func (c *Capture) HandleMark(
	visitQueue func(capture rtadapter.CaptureRef, class rtadapter.ClassRef, object rtadapter.ObjectRef, objectIsLive bool),
	visitTable func(class rtadapter.ClassRef, object rtadapter.ObjectRef, data any, objectIsStrong bool),
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.Mark(visitQueue)
	c.table.Mark(visitTable)
}

// Drain synchronously runs one consumer pass over whatever events are
// currently queued, without waiting for the adapter's own deferred-job
// timing. Host integrations that need a synchronous flush point (tests,
// an explicit "settle" call before reading statistics) can call this
// directly; Stop and the enumeration methods already call it internally.
func (c *Capture) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
}

func (c *Capture) getOrCreateRecordLocked(class rtadapter.ClassRef) *alloc.Record {
	rec, ok := c.tracked[class]
	if !ok {
		rec = alloc.New(nil)
		c.tracked[class] = rec
		c.adapter.Pin(rtadapter.ObjectRef(class))
	}
	return rec
}

// onRawEvent is the producer-path hook installed for both EventNew and
// EventFree. It never suspends and never invokes user code (spec §4.5
// steps 1-4).
func (c *Capture) onRawEvent(e rtadapter.RawEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.adapter.IsTrackable(e.Object) {
		return
	}

	switch e.Kind {
	case rtadapter.EventNew:
		if !c.adapter.IsTrackableClass(e.Class) {
			return
		}
		if c.pausedDepth > 0 {
			// reentrant NEW from inside a user callback: drop it so the
			// callback's own allocation does not recurse forever. The drop
			// happens before counting, so a dropped NEW is neither counted
			// nor enqueued.
			return
		}
		c.newCount++
		c.getOrCreateRecordLocked(e.Class).RecordNew()
		c.queue.Enqueue(rtadapter.EventNew, c.ref, e.Class, e.Object)

	case rtadapter.EventFree:
		// FREE is never dropped for reentrancy: it may refer to an object
		// allocated outside any callback, and its class is resolved later
		// from the Object Table, not here.
		c.queue.Enqueue(rtadapter.EventFree, c.ref, 0, e.Object)
	}

	// ScheduleDeferred only registers a closure to run later; it never
	// invokes onDeferred synchronously, so calling it while c.mu is held
	// cannot deadlock against onDeferred's own Lock call below.
	if err := c.adapter.ScheduleDeferred(c.onDeferred); err != nil {
		c.logger.Err().Err(err).Log("retaintrack: failed to schedule deferred consumer")
	}
}

// onDeferred is the consumer-path entry point, invoked by the adapter —
// possibly from a different goroutine than the one that called onRawEvent.
func (c *Capture) onDeferred(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
}

func (c *Capture) drainLocked() {
	c.queue.ProcessAll(c.processEvent, func(old, new rtadapter.ObjectRef) {
		c.adapter.WriteBarrier(uintptr(c.ref), old, new)
	})
}

func (c *Capture) processEvent(ev equeue.Event) {
	switch ev.Kind {
	case equeue.KindNew:
		c.processNew(ev.Class, ev.Object)
	case equeue.KindFree:
		c.processFree(ev.Object)
	}
}

// processNew and processFree run with c.mu held (called from drainLocked,
// itself only ever reached with the lock held). Invoking the user callback
// is the one place that must run with the lock released: a callback is
// free to synchronously trigger another allocation (rtadapter's contract
// only asks that it not block), and that allocation's onRawEvent call
// needs the lock itself to check pausedDepth and decide whether to drop
// it. pausedDepth is bumped for exactly the unlocked window, so a
// concurrent or reentrant NEW sees it regardless of which goroutine
// reaches onRawEvent first.
func (c *Capture) processNew(class rtadapter.ClassRef, object rtadapter.ObjectRef) {
	rec := c.getOrCreateRecordLocked(class)
	cb := rec.Callback()

	var data any
	if cb != nil {
		c.pausedDepth++
		c.mu.Unlock()
		data = c.invokeCallback(cb, class, alloc.EventNew, nil)
		c.mu.Lock()
		c.pausedDepth--
	}

	entry := c.table.Insert(object)
	entry.Class = class
	entry.Data = data
}

func (c *Capture) processFree(object rtadapter.ObjectRef) {
	entry := c.table.Lookup(object)
	if entry == nil {
		// allocated before tracking started, or a duplicate FREE: silently
		// absorbed (spec §7).
		return
	}
	class, data := entry.Class, entry.Data
	c.table.DeleteEntry(entry)
	c.freeCount++

	rec, ok := c.tracked[class]
	if !ok {
		// class untracked between this object's NEW and its FREE: silently
		// absorbed (spec §7).
		return
	}
	rec.RecordFree()
	if cb := rec.Callback(); cb != nil && data != nil {
		c.pausedDepth++
		c.mu.Unlock()
		c.invokeCallback(cb, class, alloc.EventFree, data)
		c.mu.Lock()
		c.pausedDepth--
	}
}

func (c *Capture) invokeCallback(cb alloc.Callback, class rtadapter.ClassRef, event alloc.Event, data any) (result any) {
	defer func() {
		if r := recover(); r != nil {
			c.recent.Push(fmt.Sprintf("callback panic: class=%v event=%s panic=%v", class, event, r))
			c.logger.Warning().
				Str("event", event.String()).
				Interface("panic", r).
				Log("retaintrack: user callback panicked, event dropped")
			result = nil
		}
	}()
	return cb(class, event, data)
}
