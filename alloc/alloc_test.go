package alloc

import (
	"testing"

	"github.com/memtrack/retaintrack/rtadapter"
	"github.com/stretchr/testify/assert"
)

func TestRetainedCountIsNewMinusFree(t *testing.T) {
	r := New(nil)
	for i := 0; i < 10; i++ {
		r.RecordNew()
	}
	for i := 0; i < 4; i++ {
		r.RecordFree()
	}
	assert.Equal(t, uint64(10), r.NewCount())
	assert.Equal(t, uint64(4), r.FreeCount())
	assert.Equal(t, uint64(6), r.RetainedCount())
}

func TestRetainedCountSaturatesAtZero(t *testing.T) {
	r := New(nil)
	r.RecordFree()
	r.RecordFree()
	assert.Equal(t, uint64(0), r.RetainedCount())
}

func TestTrackAttachesAndDetachesCallback(t *testing.T) {
	r := New(nil)
	assert.Nil(t, r.Callback())

	r.Track(func(class rtadapter.ClassRef, event Event, data any) any { return nil })
	assert.NotNil(t, r.Callback())

	r.Track(nil)
	assert.Nil(t, r.Callback())
}

func TestCallbackRoundTripsData(t *testing.T) {
	var gotEvent Event
	var gotData any
	cb := func(class rtadapter.ClassRef, event Event, data any) any {
		if event == EventNew {
			return map[string]int{"index": int(class)}
		}
		gotEvent = event
		gotData = data
		return nil
	}

	r := New(cb)
	newData := r.Callback()(5, EventNew, nil)
	r.Callback()(5, EventFree, newData)

	assert.Equal(t, EventFree, gotEvent)
	assert.Equal(t, map[string]int{"index": 5}, gotData)
}

func TestClearResetsCountsAndCallback(t *testing.T) {
	r := New(func(class rtadapter.ClassRef, event Event, data any) any { return nil })
	r.RecordNew()
	r.RecordFree()

	r.Clear()
	assert.Equal(t, uint64(0), r.NewCount())
	assert.Equal(t, uint64(0), r.FreeCount())
	assert.Nil(t, r.Callback())
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "new", EventNew.String())
	assert.Equal(t, "free", EventFree.String())
}
