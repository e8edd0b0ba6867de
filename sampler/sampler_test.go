package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/memtrack/retaintrack/alloc"
	"github.com/memtrack/retaintrack/calltree"
	"github.com/memtrack/retaintrack/rtadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCapture is a minimal CaptureView test double.
type fakeCapture struct {
	records map[rtadapter.ClassRef]*alloc.Record
	objects map[rtadapter.ClassRef][]rtadapter.ObjectRef
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		records: make(map[rtadapter.ClassRef]*alloc.Record),
		objects: make(map[rtadapter.ClassRef][]rtadapter.ObjectRef),
	}
}

func (f *fakeCapture) Get(class rtadapter.ClassRef) *alloc.Record { return f.records[class] }

func (f *fakeCapture) Track(class rtadapter.ClassRef, callback alloc.Callback) *alloc.Record {
	rec, ok := f.records[class]
	if !ok {
		rec = alloc.New(callback)
		f.records[class] = rec
	} else {
		rec.Track(callback)
	}
	return rec
}

func (f *fakeCapture) EachObject(class rtadapter.ClassRef, visit func(object rtadapter.ObjectRef, data any)) {
	for _, o := range f.objects[class] {
		visit(o, nil)
	}
}

func (f *fakeCapture) AddressOf(object rtadapter.ObjectRef) string {
	return "0xfake"
}

func (f *fakeCapture) setRetained(class rtadapter.ClassRef, n uint64) {
	rec, ok := f.records[class]
	if !ok {
		rec = alloc.New(nil)
		f.records[class] = rec
	}
	for rec.RetainedCount() < n {
		rec.RecordNew()
	}
	for rec.RetainedCount() > n {
		rec.RecordFree()
	}
}

// TestSamplerEscalatesAfterThresholdIncreases matches scenario S6: with
// threshold=1000 and increases_threshold=2, two consecutive large jumps in
// retained count must escalate the class to stack-capturing mode.
func TestSamplerEscalatesAfterThresholdIncreases(t *testing.T) {
	const class rtadapter.ClassRef = 1
	cp := newFakeCapture()
	cp.setRetained(class, 1500)

	s := New(cp, WithThreshold(1000), WithIncreasesThreshold(2))
	s.Track(class)

	var lastIncreased bool
	var increases uint32
	s.Sample(func(sample Sample, increased bool) {
		lastIncreased = increased
		increases = sample.Increases
	})
	assert.True(t, lastIncreased)
	assert.EqualValues(t, 1, increases)
	assert.Nil(t, cp.Get(class).Callback())

	cp.setRetained(class, 3000)
	s.Sample(func(sample Sample, increased bool) {
		lastIncreased = increased
		increases = sample.Increases
	})
	assert.True(t, lastIncreased)
	assert.EqualValues(t, 2, increases)
	assert.NotNil(t, cp.Get(class).Callback())
}

func TestSamplerDoesNotIncreaseBelowThreshold(t *testing.T) {
	const class rtadapter.ClassRef = 1
	cp := newFakeCapture()
	cp.setRetained(class, 100)

	s := New(cp, WithThreshold(1000))
	s.Track(class)

	var increased bool
	s.Sample(func(sample Sample, inc bool) { increased = inc })
	assert.False(t, increased)
}

func TestEscalatedCallbackRecordsAndDecrements(t *testing.T) {
	const class rtadapter.ClassRef = 1
	cp := newFakeCapture()
	cp.setRetained(class, 5000)

	frames := []calltree.Frame{{Path: "a.go", Line: 1}}
	s := New(cp,
		WithThreshold(1000),
		WithIncreasesThreshold(1),
		WithStackCapture(func(depth int) []calltree.Frame { return frames }),
	)
	s.Track(class)
	s.Sample(nil)

	cb := cp.Get(class).Callback()
	require.NotNil(t, cb)

	data := cb(class, alloc.EventNew, nil)
	node, ok := data.(*calltree.Node)
	require.True(t, ok)
	assert.EqualValues(t, 1, node.Retained)

	cb(class, alloc.EventFree, node)
	assert.EqualValues(t, 0, node.Retained)
}

func TestEscalatedCallbackRecoversPanicInStackCapture(t *testing.T) {
	const class rtadapter.ClassRef = 1
	cp := newFakeCapture()
	cp.setRetained(class, 5000)

	s := New(cp,
		WithThreshold(1000),
		WithIncreasesThreshold(1),
		WithStackCapture(func(depth int) []calltree.Frame { panic("boom") }),
	)
	s.Track(class)
	s.Sample(nil)

	cb := cp.Get(class).Callback()
	require.NotNil(t, cb)
	assert.NotPanics(t, func() { cb(class, alloc.EventNew, nil) })
}

func TestPruneResetsInsertionCountAboveThreshold(t *testing.T) {
	const class rtadapter.ClassRef = 1
	cp := newFakeCapture()
	cp.setRetained(class, 5000)

	s := New(cp,
		WithThreshold(1000),
		WithIncreasesThreshold(1),
		WithPruneThreshold(2),
		WithPruneLimit(1),
		WithStackCapture(func(depth int) []calltree.Frame {
			return []calltree.Frame{{Path: "a.go", Line: 1}}
		}),
	)
	s.Track(class)
	s.Sample(nil)

	cb := cp.Get(class).Callback()
	cb(class, alloc.EventNew, nil)
	cb(class, alloc.EventNew, nil)
	cb(class, alloc.EventNew, nil)

	s.Prune()
	assert.LessOrEqual(t, s.Tree(class).InsertionCount(), uint64(1))
}

func TestAnalyzeBelowMinimumReturnsFalse(t *testing.T) {
	const class rtadapter.ClassRef = 1
	cp := newFakeCapture()
	cp.setRetained(class, 5)

	s := New(cp)
	_, ok := s.Analyze(class, false, 0, 10)
	assert.False(t, ok)
}

func TestAnalyzeReturnsCountsAndAddresses(t *testing.T) {
	const class rtadapter.ClassRef = 1
	cp := newFakeCapture()
	cp.setRetained(class, 50)
	cp.objects[class] = []rtadapter.ObjectRef{1, 2, 3}

	s := New(cp)
	result, ok := s.Analyze(class, false, 2, 10)
	require.True(t, ok)
	assert.EqualValues(t, 50, result.Allocations.Retained)
	assert.Len(t, result.RetainedAddresses, 2)
}

func TestStartStopLifecycle(t *testing.T) {
	s := New(newFakeCapture())
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := New(newFakeCapture())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, s.Running())
}
