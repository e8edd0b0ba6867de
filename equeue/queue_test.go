package equeue

import (
	"testing"

	"github.com/memtrack/retaintrack/rtadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueProcessAllFIFOOrdering(t *testing.T) {
	q := New()

	require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 100))
	require.True(t, q.Enqueue(rtadapter.EventFree, 1, 0, 100))
	require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 101))

	var seen []Event
	q.ProcessAll(func(e Event) { seen = append(seen, e) }, nil)

	require.Len(t, seen, 3)
	assert.Equal(t, KindNew, seen[0].Kind)
	assert.Equal(t, KindFree, seen[1].Kind)
	assert.Equal(t, KindNew, seen[2].Kind)
	assert.Equal(t, rtadapter.ObjectRef(100), seen[0].Object)
	assert.Equal(t, rtadapter.ObjectRef(100), seen[1].Object)
	assert.Equal(t, rtadapter.ObjectRef(101), seen[2].Object)
}

func TestProcessAllClearsSlotsAfterHandling(t *testing.T) {
	q := New()
	require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 100))

	var cleared []rtadapter.ObjectRef
	q.ProcessAll(func(e Event) {}, func(old, new_ rtadapter.ObjectRef) {
		cleared = append(cleared, old)
	})

	require.Len(t, cleared, 1)
	assert.Equal(t, rtadapter.ObjectRef(100), cleared[0])
}

func TestEventsArrivingDuringConsumptionWaitForNextPass(t *testing.T) {
	q := New()
	require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 1))

	var firstPass, secondPass []Event
	q.ProcessAll(func(e Event) {
		firstPass = append(firstPass, e)
		// simulate a NEW arriving while this deferred pass is still running
		require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 2))
	}, nil)

	require.Len(t, firstPass, 1)
	assert.Equal(t, rtadapter.ObjectRef(1), firstPass[0].Object)

	q.ProcessAll(func(e Event) { secondPass = append(secondPass, e) }, nil)
	require.Len(t, secondPass, 1)
	assert.Equal(t, rtadapter.ObjectRef(2), secondPass[0].Object)
}

func TestEnqueueDropsNewestAtCapacity(t *testing.T) {
	q := New(WithMaxCapacity(2))

	require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 1))
	require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 2))
	require.False(t, q.Enqueue(rtadapter.EventNew, 1, 10, 3))

	assert.Equal(t, uint64(1), q.DroppedCount())
	assert.Equal(t, 2, q.Length())
}

func TestProcessAllRecoversHandlerPanic(t *testing.T) {
	q := New()
	require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 1))
	require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 2))

	var handled []rtadapter.ObjectRef
	assert.NotPanics(t, func() {
		q.ProcessAll(func(e Event) {
			if e.Object == 1 {
				panic("boom")
			}
			handled = append(handled, e.Object)
		}, nil)
	})

	assert.Equal(t, []rtadapter.ObjectRef{2}, handled)
}

func TestMarkDistinguishesFreeObjectLiveness(t *testing.T) {
	q := New()
	require.True(t, q.Enqueue(rtadapter.EventNew, 1, 10, 100))
	require.True(t, q.Enqueue(rtadapter.EventFree, 1, 0, 200))

	var liveObjects, deadObjects int
	q.Mark(func(capture rtadapter.CaptureRef, class rtadapter.ClassRef, object rtadapter.ObjectRef, isLive bool) {
		if isLive {
			liveObjects++
		} else {
			deadObjects++
		}
	})

	assert.Equal(t, 1, liveObjects)
	assert.Equal(t, 1, deadObjects)
}
