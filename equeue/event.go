// Package equeue implements the double-buffered producer/consumer event
// queue (spec component C2) that funnels allocation/free notifications from
// inside the allocator and collector into the deferred processing stage.
//
// The design favors producer-path safety above all else: Enqueue never
// allocates from a managed heap, never blocks, and never re-enters user
// code. All the interesting work — applying events, invoking callbacks —
// happens in ProcessAll, which the host is expected to call from its
// deferred-job primitive (see rtadapter.Adapter.ScheduleDeferred).
package equeue

import "github.com/memtrack/retaintrack/rtadapter"

// Kind tags a queue slot. Kind distinguishes a live event from a logically
// consumed slot (KindNone), which lets the consumer clear fields in place
// without shrinking the backing array on every pass.
type Kind uint8

const (
	// KindNone marks a slot that has been processed and cleared.
	KindNone Kind = iota
	// KindNew mirrors rtadapter.EventNew.
	KindNew
	// KindFree mirrors rtadapter.EventFree.
	KindFree
)

func fromRawKind(k rtadapter.EventKind) Kind {
	switch k {
	case rtadapter.EventNew:
		return KindNew
	case rtadapter.EventFree:
		return KindFree
	default:
		return KindNone
	}
}

// Event is a single queue element: a tagged union of {kind, capture, class,
// object}. For Free, Class is always the zero ClassRef — the consumer
// resolves it from the object table.
type Event struct {
	Kind    Kind
	Capture rtadapter.CaptureRef
	Class   rtadapter.ClassRef
	Object  rtadapter.ObjectRef
}

// clear resets e to the logically-consumed state, routing the reference
// writes through the supplied write barrier (the fields held managed
// references in the original host; in this Go port they are opaque
// identities, but the barrier call is preserved so a real Adapter can still
// account for the store).
func (e *Event) clear(wb func(old, new rtadapter.ObjectRef)) {
	if wb != nil {
		wb(e.Object, 0)
	}
	e.Kind = KindNone
	e.Capture = 0
	e.Class = 0
	e.Object = 0
}
