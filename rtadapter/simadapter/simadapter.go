// Package simadapter is a reference implementation of rtadapter.Adapter,
// standing in for a real host runtime binding in this module's own tests
// and examples (see rtadapter's package doc). It simulates allocation and
// collection as explicit method calls rather than intercepting a real
// allocator, but otherwise honors every contract in rtadapter.Adapter:
// hook installation, the single scarce deferred-job slot, write barriers,
// and pointer relocation under a simulated compaction pass.
//
// The deferred-job slot is modeled the way eventloop models its own
// wake-up primitive: a self-pipe plus a background goroutine blocked in a
// read, so ScheduleDeferred's caller (ordinarily running on what would be
// the allocator's thread) never blocks. SimulateBurst drains a batch of raw
// allocator events through longpoll.Channel on the caller's goroutine and
// dispatches each to the installed hooks, modeling the host delivering more
// than one notification before the engine's deferred consumer next runs.
package simadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-longpoll"
	"golang.org/x/sys/unix"

	"github.com/memtrack/retaintrack/internal/diag"
	"github.com/memtrack/retaintrack/rtadapter"
)

// ErrClosed is returned by ScheduleDeferred and SimulateBurst once the
// Adapter has been closed.
var ErrClosed = errors.New("simadapter: adapter closed")

type hookEntry struct {
	owner rtadapter.CaptureRef
	token uint64
	fn    rtadapter.HookFunc
}

// Option configures an Adapter at construction time.
type Option func(*config)

type config struct {
	logger *diag.Logger
}

// WithLogger attaches a diagnostic logger used to report recovered hook
// panics (the adapter boundary must never let host-callback code panic
// propagate back into whatever fired the event).
func WithLogger(l *diag.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Adapter is a simulated rtadapter.Adapter.
type Adapter struct {
	logger *diag.Logger

	mu    sync.Mutex
	hooks map[rtadapter.EventKind][]hookEntry

	nextToken  atomic.Uint64
	nextObject atomic.Uint64

	deferredMu sync.Mutex
	scheduled  bool
	pendingFn  rtadapter.DeferredFunc

	readFd, writeFd int
	closed          chan struct{}
	closeOnce       sync.Once

	relocMu          sync.Mutex
	relocatedObjects map[rtadapter.ObjectRef]rtadapter.ObjectRef
	relocatedClasses map[rtadapter.ClassRef]rtadapter.ClassRef
	untrackable      map[rtadapter.ObjectRef]bool
	untrackableClass map[rtadapter.ClassRef]bool
	pinned           map[rtadapter.ObjectRef]bool

	writeBarriers atomic.Uint64
}

// New constructs an Adapter, opening its self-pipe and starting the
// background goroutine that drives ScheduleDeferred. Call Close when done.
func New(opts ...Option) (*Adapter, error) {
	cfg := config{logger: diag.Disabled()}
	for _, o := range opts {
		o(&cfg)
	}

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("simadapter: open wake pipe: %w", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, fmt.Errorf("simadapter: set wake pipe nonblocking: %w", err)
	}

	a := &Adapter{
		logger:           cfg.logger,
		hooks:            make(map[rtadapter.EventKind][]hookEntry),
		readFd:           fds[0],
		writeFd:          fds[1],
		closed:           make(chan struct{}),
		relocatedObjects: make(map[rtadapter.ObjectRef]rtadapter.ObjectRef),
		relocatedClasses: make(map[rtadapter.ClassRef]rtadapter.ClassRef),
		untrackable:      make(map[rtadapter.ObjectRef]bool),
		untrackableClass: make(map[rtadapter.ClassRef]bool),
		pinned:           make(map[rtadapter.ObjectRef]bool),
	}
	go a.runWakeLoop()
	return a, nil
}

// Close releases the self-pipe and stops the background goroutine. Close
// is idempotent.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		if e := unix.Close(a.writeFd); e != nil {
			err = e
		}
		_ = unix.Close(a.readFd)
	})
	return err
}

func (a *Adapter) runWakeLoop() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(a.readFd, buf)
		if err != nil || n == 0 {
			return
		}

		a.deferredMu.Lock()
		fn := a.pendingFn
		a.pendingFn = nil
		a.scheduled = false
		a.deferredMu.Unlock()

		if fn != nil {
			a.runProtected(func() { fn(context.Background()) })
		}
	}
}

func (a *Adapter) runProtected(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Err().
				Interface("panic", r).
				Log("simadapter: deferred job panicked")
		}
	}()
	fn()
}

// InstallEventHook registers fn to receive every simulated raw event of
// kind, regardless of which CaptureRef owns it — matching a real host,
// which has no notion of "Capture" and fires every installed hook for
// every matching event.
func (a *Adapter) InstallEventHook(owner rtadapter.CaptureRef, kind rtadapter.EventKind, fn rtadapter.HookFunc) (uint64, error) {
	token := a.nextToken.Add(1)

	a.mu.Lock()
	a.hooks[kind] = append(a.hooks[kind], hookEntry{owner: owner, token: token, fn: fn})
	a.mu.Unlock()

	return token, nil
}

// UninstallEventHook removes a previously installed hook. Unknown tokens
// are a no-op.
func (a *Adapter) UninstallEventHook(owner rtadapter.CaptureRef, token uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, entries := range a.hooks {
		for i, e := range entries {
			if e.owner == owner && e.token == token {
				a.hooks[kind] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// ScheduleDeferred arranges for fn to run once on the background
// goroutine. A second call before the first fires coalesces into the same
// pending registration, per the scarce single-slot contract.
func (a *Adapter) ScheduleDeferred(fn rtadapter.DeferredFunc) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}

	a.deferredMu.Lock()
	if a.scheduled {
		a.deferredMu.Unlock()
		return nil
	}
	a.scheduled = true
	a.pendingFn = fn
	a.deferredMu.Unlock()

	_, err := unix.Write(a.writeFd, []byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("simadapter: wake write: %w", err)
	}
	return nil
}

// WriteBarrier records that a managed reference was stored, for tests to
// assert against via WriteBarrierCount. The simulated adapter has no real
// collector to notify.
func (a *Adapter) WriteBarrier(container uintptr, old, new rtadapter.ObjectRef) {
	a.writeBarriers.Add(1)
}

// WriteBarrierCount returns the number of WriteBarrier calls observed so
// far.
func (a *Adapter) WriteBarrierCount() uint64 { return a.writeBarriers.Load() }

// Relocate returns ref's simulated post-compaction location, or ref
// unchanged if TriggerCompaction never remapped it.
func (a *Adapter) Relocate(ref rtadapter.ObjectRef) rtadapter.ObjectRef {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	if n, ok := a.relocatedObjects[ref]; ok {
		return n
	}
	return ref
}

// RelocateClass is Relocate's class-identity counterpart.
func (a *Adapter) RelocateClass(ref rtadapter.ClassRef) rtadapter.ClassRef {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	if n, ok := a.relocatedClasses[ref]; ok {
		return n
	}
	return ref
}

// TriggerCompaction simulates a moving-collector pass: subsequent calls to
// Relocate/RelocateClass for any key present in the given maps return the
// mapped value instead of the identity.
func (a *Adapter) TriggerCompaction(objects map[rtadapter.ObjectRef]rtadapter.ObjectRef, classes map[rtadapter.ClassRef]rtadapter.ClassRef) {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	for k, v := range objects {
		a.relocatedObjects[k] = v
	}
	for k, v := range classes {
		a.relocatedClasses[k] = v
	}
}

// IsTrackable reports whether obj is a normal, trackable object — false
// only for references explicitly marked via MarkUntrackable, simulating a
// host's internal object kinds.
func (a *Adapter) IsTrackable(obj rtadapter.ObjectRef) bool {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	return !a.untrackable[obj]
}

// IsTrackableClass is IsTrackable's class counterpart.
func (a *Adapter) IsTrackableClass(class rtadapter.ClassRef) bool {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	return !a.untrackableClass[class]
}

// MarkUntrackable simulates an internal object kind (AST node, forwarding
// pointer, zombie slot) that must never appear as a trackable NEW/FREE.
func (a *Adapter) MarkUntrackable(obj rtadapter.ObjectRef) {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	a.untrackable[obj] = true
}

// MarkClassUntrackable is MarkUntrackable's class counterpart.
func (a *Adapter) MarkClassUntrackable(class rtadapter.ClassRef) {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	a.untrackableClass[class] = true
}

// AddressOf renders obj as a stable hex string. Because ref identities
// themselves change across TriggerCompaction (the caller is expected to
// have already called Relocate), AddressOf needs no relocation bookkeeping
// of its own to satisfy spec §8 invariant 9.
func (a *Adapter) AddressOf(obj rtadapter.ObjectRef) string {
	return fmt.Sprintf("0x%x", uintptr(obj))
}

// Pin marks obj as non-relocatable bookkeeping for tests; the simulated
// adapter has no real mover to instruct.
func (a *Adapter) Pin(obj rtadapter.ObjectRef) {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	a.pinned[obj] = true
}

// Unpin releases a prior Pin.
func (a *Adapter) Unpin(obj rtadapter.ObjectRef) {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	delete(a.pinned, obj)
}

// IsPinned reports whether obj is currently pinned, for tests.
func (a *Adapter) IsPinned(obj rtadapter.ObjectRef) bool {
	a.relocMu.Lock()
	defer a.relocMu.Unlock()
	return a.pinned[obj]
}

// NewObject simulates an allocation: it mints a fresh object identity for
// class and synchronously dispatches a NEW raw event to every installed
// NEW hook, as a real host's allocator callback would.
func (a *Adapter) NewObject(class rtadapter.ClassRef) rtadapter.ObjectRef {
	// multiply by 8 so generated identities look pointer-aligned, matching
	// what pointerhash.Hash expects of a real object address.
	obj := rtadapter.ObjectRef(a.nextObject.Add(1) * 8)
	a.dispatch(rtadapter.RawEvent{Kind: rtadapter.EventNew, Class: class, Object: obj})
	return obj
}

// Free simulates a collection: it synchronously dispatches a FREE raw
// event for obj to every installed FREE hook.
func (a *Adapter) Free(obj rtadapter.ObjectRef) {
	a.dispatch(rtadapter.RawEvent{Kind: rtadapter.EventFree, Object: obj})
}

func (a *Adapter) dispatch(e rtadapter.RawEvent) {
	a.mu.Lock()
	entries := append([]hookEntry(nil), a.hooks[e.Kind]...)
	a.mu.Unlock()

	for _, entry := range entries {
		a.runProtected(func() { entry.fn(e) })
	}
}

// SimulateBurst dispatches a batch of raw events using longpoll.Channel to
// drain them from an internal channel, modeling a host that accumulates
// more than one allocator/collector notification before the engine's
// deferred consumer next runs. It blocks until every event has been
// dispatched, ctx is cancelled, or the Adapter is closed.
func (a *Adapter) SimulateBurst(ctx context.Context, events []rtadapter.RawEvent) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}

	ch := make(chan rtadapter.RawEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)

	cfg := &longpoll.ChannelConfig{
		MaxSize:        len(events),
		MinSize:        1,
		PartialTimeout: 10 * time.Millisecond,
	}
	err := longpoll.Channel(ctx, cfg, ch, func(e rtadapter.RawEvent) error {
		a.dispatch(e)
		return nil
	})
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

var _ rtadapter.Adapter = (*Adapter)(nil)
