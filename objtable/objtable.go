// Package objtable implements the object table (component C3): an
// open-addressed hash map keyed by raw object identity, tolerant of a
// moving collector and safe to read from a free-event handler.
//
// Slots use linear probing with tombstones, a Fibonacci-mixed hash of the
// pointer (see internal/pointerhash), and a load factor — occupied plus
// tombstoned slots over capacity — capped at 0.5. Insert, Lookup, and
// Delete never allocate except inside grow's amortized doubling; Compact
// allocates one scratch slice of live entries when any object has moved.
// Entries live on the normal Go heap rather than an unmanaged arena (the
// table's Data field holds arbitrary Go values, which only the garbage
// collector's own heap can track safely).
package objtable

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/memtrack/retaintrack/internal/diag"
	"github.com/memtrack/retaintrack/internal/pointerhash"
	"github.com/memtrack/retaintrack/rtadapter"
)

// slotState tags a slot's occupancy, distinguishing a never-used slot from a
// deleted one so probe chains started before a delete remain intact.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotTombstone
	slotOccupied
)

// Entry is the value stored at an occupied slot: the minimal
// {object, class, data} form (see SPEC_FULL.md §C — the source's
// back-reference variant was dropped as speculative).
type Entry struct {
	Object rtadapter.ObjectRef
	Class  rtadapter.ClassRef
	Data   any
}

type slot struct {
	state slotState
	entry Entry
}

const (
	initialCapacity = 16
	maxLoadFactor   = 0.5

	// probeSoftLimit triggers a rate-limited diagnostic warning; probeHardLimit
	// aborts the probe, returning the degraded-but-correct best slot found so
	// far (spec §4.3 "Diagnostics").
	probeSoftLimit = 32
	probeHardLimit = 4096
)

// ErrProbeLimitExceeded signals a probe chain walked past probeHardLimit
// slots without finding a terminal slot — evidence of table corruption (a
// fatal, engine-internal condition per spec §7).
type ErrProbeLimitExceeded struct {
	Object rtadapter.ObjectRef
	Probes int
}

func (e *ErrProbeLimitExceeded) Error() string {
	return fmt.Sprintf("objtable: probe limit exceeded for object %v after %d probes", e.Object, e.Probes)
}

// Option configures a Table at construction time.
type Option func(*config)

type config struct {
	logger       *diag.Logger
	probeLimiter *catrate.Limiter
}

// WithLogger attaches a diagnostic logger for probe-length warnings.
func WithLogger(l *diag.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithProbeWarningRate bounds how often a long-probe warning may be logged,
// using a sliding-window limiter so a pathologically clustered hash
// distribution cannot flood the log with one warning per lookup.
func WithProbeWarningRate(rates map[time.Duration]int) Option {
	return func(c *config) { c.probeLimiter = catrate.NewLimiter(rates) }
}

// Table is the C3 object table. The zero value is not usable; construct
// with New.
type Table struct {
	entries    []slot
	count      int
	tombstones int
	strongRefs uint32

	logger       *diag.Logger
	probeLimiter *catrate.Limiter
	corrupt      error
}

// New constructs an empty Table with the default initial capacity.
func New(opts ...Option) *Table {
	cfg := config{logger: diag.Disabled()}
	for _, o := range opts {
		o(&cfg)
	}
	t := &Table{
		entries:      make([]slot, initialCapacity),
		logger:       cfg.logger,
		probeLimiter: cfg.probeLimiter,
	}
	return t
}

// Size returns the number of occupied entries.
func (t *Table) Size() int { return t.count }

// Capacity returns the current backing array length.
func (t *Table) Capacity() int { return len(t.entries) }

func (t *Table) loadFactor(extra int) float64 {
	return float64(t.count+t.tombstones+extra) / float64(len(t.entries))
}

func (t *Table) probeWarn(object rtadapter.ObjectRef, probes int) {
	if probes < probeSoftLimit {
		return
	}
	if t.probeLimiter != nil {
		if _, ok := t.probeLimiter.Allow("long-probe"); !ok {
			return
		}
	}
	t.logger.Warning().
		Str("object", fmt.Sprintf("%v", object)).
		Int("probes", probes).
		Log("objtable: long probe chain, hash distribution may be degraded")
}

// Corrupt reports the table's sticky corruption error, set once a probe
// chain exceeds probeHardLimit (spec §7's fatal, engine-internal "probe
// length exceeds hard limit" condition). Once set it is never cleared except
// by Reset. Capture exposes it through Capture.Corrupt.
func (t *Table) Corrupt() error { return t.corrupt }

func (t *Table) markCorrupt(object rtadapter.ObjectRef, probes int) {
	if t.corrupt != nil {
		return
	}
	t.corrupt = &ErrProbeLimitExceeded{Object: object, Probes: probes}
	t.logger.Err().
		Str("object", fmt.Sprintf("%v", object)).
		Int("probes", probes).
		Log("objtable: probe limit exceeded, table is corrupt")
}

// Insert reserves a slot for object, growing the table first if the load
// factor (including tombstones) would exceed 0.5, and returns a pointer to
// the zero-valued Entry the caller must populate. Reusing a tombstoned slot
// decrements the tombstone count. If object already has an occupied slot,
// that slot's entry is reset in place and returned, so Insert acts as
// insert-or-replace and never leaves two live entries for one object.
func (t *Table) Insert(object rtadapter.ObjectRef) *Entry {
	if t.loadFactor(1) > maxLoadFactor {
		t.grow()
	}

	idx, probes, found := t.probe(object)
	t.probeWarn(object, probes)
	if found {
		// an occupied slot for this identity already exists; overwrite in
		// place rather than leaving a duplicate live for the same object.
		s := &t.entries[idx]
		s.entry = Entry{Object: object}
		return &s.entry
	}

	s := &t.entries[idx]
	if s.state == slotTombstone {
		t.tombstones--
	}
	s.state = slotOccupied
	s.entry = Entry{Object: object}
	t.count++
	return &s.entry
}

// Lookup returns the entry for object, or nil if absent. The returned
// pointer aliases the table's backing storage and is invalidated by the
// next Insert, Delete, or Compact call.
func (t *Table) Lookup(object rtadapter.ObjectRef) *Entry {
	idx, probes, found := t.probe(object)
	t.probeWarn(object, probes)
	if !found {
		return nil
	}
	return &t.entries[idx].entry
}

// Delete removes object's entry, if present, marking the slot a tombstone.
// Deletion is O(1): no probe-chain repair is needed because tombstones keep
// chains intact. Deleting an absent object is a no-op.
func (t *Table) Delete(object rtadapter.ObjectRef) {
	idx, probes, found := t.probe(object)
	t.probeWarn(object, probes)
	if !found {
		return
	}
	t.deleteAt(idx)
}

// DeleteEntry removes the entry backing e — e must be a pointer previously
// returned by Insert or Lookup and not yet invalidated.
func (t *Table) DeleteEntry(e *Entry) {
	idx := t.indexOf(e)
	if idx < 0 {
		return
	}
	t.deleteAt(idx)
}

func (t *Table) deleteAt(idx int) {
	t.entries[idx] = slot{state: slotTombstone}
	t.count--
	t.tombstones++
}

func (t *Table) indexOf(e *Entry) int {
	// &t.entries[i].entry == e iff i is e's slot; entries is never reallocated
	// out from under a live Entry pointer between Insert/Lookup and use (grow
	// and compact are the only relocating operations, and both invalidate
	// previously issued pointers by contract).
	base := &t.entries[0]
	for i := range t.entries {
		if &t.entries[i].entry == e {
			_ = base
			return i
		}
	}
	return -1
}

// probe walks the open-addressing chain for object starting at its hashed
// home slot, returning the index of either a matching occupied slot or the
// first empty/tombstone slot suitable for insertion, whichever comes first,
// plus the number of slots visited. A tombstone is remembered as the
// insertion candidate but probing continues past it in case object is
// further down the chain (occupied).
func (t *Table) probe(object rtadapter.ObjectRef) (idx int, probes int, found bool) {
	mask := uint64(len(t.entries) - 1)
	home := pointerhash.Hash(uintptr(object)) & mask
	firstTombstone := -1

	for i := uint64(0); i <= mask; i++ {
		probes++
		cur := int((home + i) & mask)
		s := &t.entries[cur]
		switch s.state {
		case slotEmpty:
			if firstTombstone >= 0 {
				return firstTombstone, probes, false
			}
			return cur, probes, false
		case slotTombstone:
			if firstTombstone < 0 {
				firstTombstone = cur
			}
		case slotOccupied:
			if s.entry.Object == object {
				return cur, probes, true
			}
		}
		if probes >= probeHardLimit {
			t.markCorrupt(object, probes)
			if firstTombstone >= 0 {
				return firstTombstone, probes, false
			}
			return cur, probes, false
		}
	}

	// table is entirely full of tombstones/occupied slots with no match —
	// should be unreachable given the 0.5 load factor cap, but fall back to
	// the first tombstone found rather than panic.
	t.markCorrupt(object, probes)
	if firstTombstone >= 0 {
		return firstTombstone, probes, false
	}
	return 0, probes, false
}

// grow doubles capacity and rehashes every occupied entry, dropping all
// tombstones, per spec §4.3 ("Resize rehashes live entries only").
func (t *Table) grow() {
	old := t.entries
	t.entries = make([]slot, len(old)*2)
	t.count = 0
	t.tombstones = 0

	for i := range old {
		if old[i].state != slotOccupied {
			continue
		}
		e := old[i].entry
		idx, _, _ := t.probe(e.Object)
		t.entries[idx] = slot{state: slotOccupied, entry: e}
		t.count++
	}
}

// Mark walks occupied entries, reporting class and data references to
// visit unconditionally, and the object reference only while the table is
// in strong mode (see EnterStrongMode). This asymmetry is the "weak by
// default" policy: the host collector may reclaim an object whose only
// remaining reference is this table, and the resulting FREE event prunes
// the entry (spec §4.3).
func (t *Table) Mark(visit func(class rtadapter.ClassRef, object rtadapter.ObjectRef, data any, objectIsStrong bool)) {
	strong := t.strongRefs > 0
	for i := range t.entries {
		if t.entries[i].state != slotOccupied {
			continue
		}
		e := t.entries[i].entry
		visit(e.Class, e.Object, e.Data, strong)
	}
}

// EnterStrongMode increments the strong-reference counter and returns a
// release function that must be deferred by the caller, guaranteeing the
// counter is decremented on every exit path — including a panic inside a
// user enumeration callback (spec §4.5's scoped-release requirement,
// supplemented in SPEC_FULL.md §C).
func (t *Table) EnterStrongMode() (release func()) {
	t.strongRefs++
	released := false
	return func() {
		if released {
			return
		}
		released = true
		t.strongRefs--
	}
}

// StrongRefs reports the current strong-mode nesting depth, for tests and
// diagnostics.
func (t *Table) StrongRefs() uint32 { return t.strongRefs }

// Compact relocates every occupied entry's object, class, and data-as-object
// references through relocator, rehashing the table if any object reference
// actually moved (only class and data references are rewritten otherwise).
// Data is relocated only when it holds an rtadapter.ObjectRef; other Data
// values are kept as they are. When rehashing, it allocates one scratch
// slice on the Go heap, sized to the live entry count.
func (t *Table) Compact(relocator rtadapter.Relocator) {
	moved := false
	for i := range t.entries {
		if t.entries[i].state != slotOccupied {
			continue
		}
		if relocator.Relocate(t.entries[i].entry.Object) != t.entries[i].entry.Object {
			moved = true
			break
		}
	}
	if !moved {
		// still relocate class references — a class can move independently
		// of any particular instance's object identity.
		for i := range t.entries {
			if t.entries[i].state != slotOccupied {
				continue
			}
			t.entries[i].entry.Class = relocator.RelocateClass(t.entries[i].entry.Class)
			if d, ok := t.entries[i].entry.Data.(rtadapter.ObjectRef); ok {
				t.entries[i].entry.Data = relocator.Relocate(d)
			}
		}
		return
	}

	live := make([]Entry, 0, t.count)
	for i := range t.entries {
		if t.entries[i].state != slotOccupied {
			continue
		}
		e := t.entries[i].entry
		e.Object = relocator.Relocate(e.Object)
		e.Class = relocator.RelocateClass(e.Class)
		if d, ok := e.Data.(rtadapter.ObjectRef); ok {
			e.Data = relocator.Relocate(d)
		}
		live = append(live, e)
	}

	for i := range t.entries {
		t.entries[i] = slot{}
	}
	t.count = 0
	t.tombstones = 0
	for _, e := range live {
		idx, _, _ := t.probe(e.Object)
		t.entries[idx] = slot{state: slotOccupied, entry: e}
		t.count++
	}
}

// Each calls visit for every occupied entry, in arbitrary slot order. visit
// must not call Insert or Delete on the table.
func (t *Table) Each(visit func(e Entry)) {
	for i := range t.entries {
		if t.entries[i].state == slotOccupied {
			visit(t.entries[i].entry)
		}
	}
}

// Reset discards every entry, returning the table to its just-constructed
// state at the current capacity.
func (t *Table) Reset() {
	for i := range t.entries {
		t.entries[i] = slot{}
	}
	t.count = 0
	t.tombstones = 0
	t.corrupt = nil
}
