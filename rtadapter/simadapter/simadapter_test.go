package simadapter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memtrack/retaintrack/rtadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewObjectDispatchesNewHook(t *testing.T) {
	a := newAdapter(t)

	var got rtadapter.RawEvent
	_, err := a.InstallEventHook(1, rtadapter.EventNew, func(e rtadapter.RawEvent) { got = e })
	require.NoError(t, err)

	obj := a.NewObject(7)
	assert.Equal(t, rtadapter.EventNew, got.Kind)
	assert.EqualValues(t, 7, got.Class)
	assert.Equal(t, obj, got.Object)
}

func TestFreeDispatchesFreeHook(t *testing.T) {
	a := newAdapter(t)

	var got rtadapter.RawEvent
	var called bool
	_, err := a.InstallEventHook(1, rtadapter.EventFree, func(e rtadapter.RawEvent) {
		called = true
		got = e
	})
	require.NoError(t, err)

	obj := a.NewObject(1)
	a.Free(obj)
	require.True(t, called)
	assert.Equal(t, obj, got.Object)
}

func TestUninstallEventHookStopsDelivery(t *testing.T) {
	a := newAdapter(t)

	var calls int
	token, err := a.InstallEventHook(1, rtadapter.EventNew, func(rtadapter.RawEvent) { calls++ })
	require.NoError(t, err)

	a.NewObject(1)
	a.UninstallEventHook(1, token)
	a.NewObject(1)

	assert.Equal(t, 1, calls)
}

func TestUninstallEventHookUnknownTokenIsNoop(t *testing.T) {
	a := newAdapter(t)
	assert.NotPanics(t, func() { a.UninstallEventHook(1, 999) })
}

func TestHookPanicIsRecovered(t *testing.T) {
	a := newAdapter(t)
	_, err := a.InstallEventHook(1, rtadapter.EventNew, func(rtadapter.RawEvent) { panic("boom") })
	require.NoError(t, err)

	assert.NotPanics(t, func() { a.NewObject(1) })
}

func TestScheduleDeferredRunsJob(t *testing.T) {
	a := newAdapter(t)

	done := make(chan struct{})
	err := a.ScheduleDeferred(func(ctx context.Context) { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred job never ran")
	}
}

func TestScheduleDeferredCoalescesBeforeRun(t *testing.T) {
	a := newAdapter(t)

	var calls atomic.Int32
	block := make(chan struct{})

	require.NoError(t, a.ScheduleDeferred(func(ctx context.Context) {
		calls.Add(1)
		<-block
	}))

	// a second registration made right after the first, before the
	// background goroutine has taken the first from the slot, should
	// coalesce rather than queue a second run, since the slot is still
	// occupied.
	require.NoError(t, a.ScheduleDeferred(func(ctx context.Context) { calls.Add(1) }))
	close(block)

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestScheduleDeferredAfterCloseErrors(t *testing.T) {
	a := newAdapter(t)
	require.NoError(t, a.Close())
	err := a.ScheduleDeferred(func(context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriteBarrierCounts(t *testing.T) {
	a := newAdapter(t)
	a.WriteBarrier(0, 0, 1)
	a.WriteBarrier(0, 1, 2)
	assert.EqualValues(t, 2, a.WriteBarrierCount())
}

func TestRelocateIdentityBeforeCompaction(t *testing.T) {
	a := newAdapter(t)
	assert.EqualValues(t, 42, a.Relocate(42))
	assert.EqualValues(t, 7, a.RelocateClass(7))
}

func TestTriggerCompactionRemapsReferences(t *testing.T) {
	a := newAdapter(t)
	a.TriggerCompaction(
		map[rtadapter.ObjectRef]rtadapter.ObjectRef{8: 800},
		map[rtadapter.ClassRef]rtadapter.ClassRef{1: 100},
	)
	assert.EqualValues(t, 800, a.Relocate(8))
	assert.EqualValues(t, 100, a.RelocateClass(1))
	assert.EqualValues(t, 9, a.Relocate(9))
}

func TestIsTrackableDefaultsTrue(t *testing.T) {
	a := newAdapter(t)
	assert.True(t, a.IsTrackable(1))
	assert.True(t, a.IsTrackableClass(1))
}

func TestMarkUntrackableFlipsToFalse(t *testing.T) {
	a := newAdapter(t)
	a.MarkUntrackable(5)
	a.MarkClassUntrackable(9)
	assert.False(t, a.IsTrackable(5))
	assert.False(t, a.IsTrackableClass(9))
	assert.True(t, a.IsTrackable(6))
}

func TestAddressOfIsStableHex(t *testing.T) {
	a := newAdapter(t)
	assert.Equal(t, "0x2a", a.AddressOf(42))
}

func TestPinUnpin(t *testing.T) {
	a := newAdapter(t)
	a.Pin(3)
	assert.True(t, a.IsPinned(3))
	a.Unpin(3)
	assert.False(t, a.IsPinned(3))
}

func TestSimulateBurstDispatchesEveryEvent(t *testing.T) {
	a := newAdapter(t)

	var mu sync.Mutex
	var seen []rtadapter.ObjectRef
	_, err := a.InstallEventHook(1, rtadapter.EventNew, func(e rtadapter.RawEvent) {
		mu.Lock()
		seen = append(seen, e.Object)
		mu.Unlock()
	})
	require.NoError(t, err)

	events := []rtadapter.RawEvent{
		{Kind: rtadapter.EventNew, Class: 1, Object: 8},
		{Kind: rtadapter.EventNew, Class: 1, Object: 16},
		{Kind: rtadapter.EventNew, Class: 1, Object: 24},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.SimulateBurst(ctx, events))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
}

func TestSimulateBurstAfterCloseErrors(t *testing.T) {
	a := newAdapter(t)
	require.NoError(t, a.Close())
	err := a.SimulateBurst(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	a := newAdapter(t)
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
