// Package rtadapter specifies the contract a host managed runtime must
// satisfy for the retained-object tracking engine to attach to its
// allocator and collector. The engine never talks to a real runtime
// directly — every allocation hook, write barrier, and relocation in the
// rest of this module goes through an Adapter value, so the engine itself
// has no knowledge of how objects are actually allocated, marked, or moved.
//
// See rtadapter/simadapter for a reference implementation used by this
// module's own tests and examples.
package rtadapter

import "context"

// ObjectRef is a raw, opaque object identity. It is never dereferenced by
// the engine — only compared for equality and hashed. A moving collector is
// free to change the underlying address; callers learn the new value via
// Adapter.Relocate.
type ObjectRef uintptr

// ClassRef is a raw, opaque identity for the class (type) of a tracked
// object, with the same non-dereference contract as ObjectRef.
type ClassRef uintptr

// CaptureRef identifies which Capture instance an event belongs to, letting
// multiple Capture instances share the single process-wide deferred-job
// slot (see Adapter.ScheduleDeferred).
type CaptureRef uintptr

// EventKind distinguishes allocation from collection.
type EventKind uint8

const (
	// EventNew is raised when a trackable object is allocated.
	EventNew EventKind = iota
	// EventFree is raised when a trackable object is collected.
	EventFree
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventFree:
		return "free"
	default:
		return "unknown"
	}
}

// RawEvent is what the host runtime hands the engine's producer-path hook.
// For EventFree, Class is the zero ClassRef — the engine resolves the class
// by looking up Object in its object table.
type RawEvent struct {
	Kind   EventKind
	Class  ClassRef
	Object ObjectRef
}

// HookFunc is invoked synchronously, on whatever thread the host dispatches
// the allocation or free notification on. It must return quickly and must
// never panic across the adapter boundary; implementations are expected to
// recover internally if the host cannot guarantee that.
type HookFunc func(RawEvent)

// DeferredFunc is the consumer-side job the host promises to run between
// managed operations (never inside an allocator or collector callback).
type DeferredFunc func(context.Context)

// Relocator maps a possibly-stale reference to its current location. Between
// compactions it is the identity function.
type Relocator interface {
	Relocate(ObjectRef) ObjectRef
	RelocateClass(ClassRef) ClassRef
}

// Adapter is the full contract §4.1 of the specification requires from a
// host runtime binding. Implementations are expected to be safe for
// concurrent use from whatever thread the host dispatches callbacks on,
// though the engine itself only calls producer-path methods from inside an
// allocation/free notification and consumer-path methods from inside the
// scheduled deferred job.
type Adapter interface {
	// InstallEventHook subscribes fn to the given owner's allocation or free
	// notifications. It returns a token that must be passed to
	// UninstallEventHook to remove the hook.
	InstallEventHook(owner CaptureRef, kind EventKind, fn HookFunc) (token uint64, err error)

	// UninstallEventHook removes a previously installed hook. It is a no-op
	// if the token is unknown (already removed).
	UninstallEventHook(owner CaptureRef, token uint64)

	// ScheduleDeferred arranges for fn to run exactly once, between managed
	// operations, demultiplexed across every Capture sharing the adapter.
	// The process-wide deferred-job slot is a scarce resource: at most one
	// registration may be outstanding; a second call before the first fires
	// coalesces rather than registering twice.
	ScheduleDeferred(fn DeferredFunc) error

	// WriteBarrier must be called every time a managed reference stored
	// inside engine-owned memory is overwritten, so the collector can
	// account for the new reference even if it has already snapshotted
	// roots. old may be the zero value when there was no previous reference.
	WriteBarrier(container uintptr, old, new ObjectRef)

	// Relocate returns ref's current location. Stable outside of a
	// compaction pass.
	Relocate(ref ObjectRef) ObjectRef

	// RelocateClass is Relocate's counterpart for class identities.
	RelocateClass(ref ClassRef) ClassRef

	// IsTrackable reports whether obj is a normal object eligible to appear
	// in engine events (as opposed to internal runtime kinds: AST nodes,
	// memoization records, forwarding pointers, zombie/uninitialized slots).
	IsTrackable(obj ObjectRef) bool

	// IsTrackableClass is IsTrackable's counterpart for classes: some hosts
	// expose internal pseudo-classes that must never be tracked.
	IsTrackableClass(class ClassRef) bool

	// AddressOf renders obj as a stable hex string ("0x...") suitable for
	// correlating against an external heap dump. It must track Relocate: if
	// Relocate(obj) changes, AddressOf's result for the relocated reference
	// changes consistently.
	AddressOf(obj ObjectRef) string

	// Pin prevents obj (expected to be a ClassRef address reinterpreted as
	// an ObjectRef, or any long-lived key the engine must not lose) from
	// moving in memory for as long as it is tracked. Unpin releases that
	// guarantee.
	Pin(obj ObjectRef)
	Unpin(obj ObjectRef)
}
