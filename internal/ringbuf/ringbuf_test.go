package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPushWithinCapacity(t *testing.T) {
	b := New[int](4)
	b.Push(1)
	b.Push(2)
	b.Push(3)

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{1, 2, 3}, b.Slice())
	last, ok := b.Last()
	assert.True(t, ok)
	assert.Equal(t, 3, last)
}

func TestBufferEvictsOldestOnOverflow(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{3, 4, 5}, b.Slice())
}

func TestBufferResetClearsState(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")
	b.Reset()

	assert.Equal(t, 0, b.Len())
	_, ok := b.Last()
	assert.False(t, ok)

	b.Push("c")
	assert.Equal(t, []string{"c"}, b.Slice())
}

func TestBufferGetPanicsOutOfRange(t *testing.T) {
	b := New[int](2)
	b.Push(1)

	assert.Panics(t, func() { b.Get(-1) })
	assert.Panics(t, func() { b.Get(1) })
}
