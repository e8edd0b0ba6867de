// Package alloc implements the per-class allocations record (component
// C4): monotonic new/free counters plus an optional user callback whose
// return value is threaded from a class's :new event back to its matching
// :free event.
package alloc

import "github.com/memtrack/retaintrack/rtadapter"

// Event distinguishes which half of a callback invocation is occurring.
type Event uint8

const (
	// EventNew is passed to a callback while processing a NEW.
	EventNew Event = iota
	// EventFree is passed to a callback while processing a FREE.
	EventFree
)

func (e Event) String() string {
	if e == EventFree {
		return "free"
	}
	return "new"
}

// Callback is a user-supplied hook invoked once per event for a tracked
// class. On EventNew, data is always nil and the return value is retained
// and handed back unchanged on the matching EventFree; on EventFree, data is
// whatever the corresponding :new call returned. Capture skips the EventFree
// call when that value is nil (for example, an object that was already live
// before the callback was attached).
type Callback func(class rtadapter.ClassRef, event Event, data any) any

// Record holds one class's new/free counters and optional callback. The
// zero value is a usable, empty record (no callback, zero counts) — Record
// is lazily created by Capture on a class's first NEW, per spec §4.4.
type Record struct {
	callback  Callback
	newCount  uint64
	freeCount uint64
}

// New constructs an empty Record, optionally with a callback attached.
func New(callback Callback) *Record {
	return &Record{callback: callback}
}

// NewCount returns the number of NEW events ever processed for this class.
func (r *Record) NewCount() uint64 { return r.newCount }

// FreeCount returns the number of FREE events ever processed for this
// class.
func (r *Record) FreeCount() uint64 { return r.freeCount }

// RetainedCount is the saturating difference new_count - free_count. It
// clamps to zero rather than underflowing, tolerating FREE events for
// objects allocated before tracking started (spec §3's "drift" tolerance).
func (r *Record) RetainedCount() uint64 {
	if r.freeCount >= r.newCount {
		return 0
	}
	return r.newCount - r.freeCount
}

// Callback returns the currently attached callback, or nil.
func (r *Record) Callback() Callback { return r.callback }

// Track attaches (or replaces) the callback. Passing nil detaches it
// without otherwise resetting the record, matching spec §4.4's "track
// either attaches the callback to an existing record or creates an empty
// one" — the "creates an empty one" half is Capture's responsibility on
// first Track for a previously-untracked class.
func (r *Record) Track(callback Callback) {
	r.callback = callback
}

// RecordNew increments new_count. Capture calls this from the producer
// path — not the consumer — before enqueueing, so a NEW the queue drops
// for being full is still counted. A NEW dropped for reentrancy (raised
// from inside a user callback) is discarded before this call and is not
// counted.
func (r *Record) RecordNew() { r.newCount++ }

// RecordFree increments free_count. Unlike RecordNew, Capture calls this
// from the consumer path: an object's class is only known once its Object
// Table entry is looked up, which only the consumer may safely do, and
// FREE events are never dropped for reentrancy, so there is no skew to
// guard against here.
func (r *Record) RecordFree() { r.freeCount++ }

// Clear zeros both counters and drops the callback.
func (r *Record) Clear() {
	r.newCount = 0
	r.freeCount = 0
	r.callback = nil
}
