package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueFIFOOrder(t *testing.T) {
	t.Parallel()

	var q Queue[int]
	assert.Equal(t, 0, q.Len())

	q.Push(1)
	q.Push(2)
	q.Push(3)
	assert.Equal(t, 3, q.Len())

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestQueueInterleavedPushPop(t *testing.T) {
	t.Parallel()

	var q Queue[string]
	q.Push("a")
	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	q.Push("b")
	q.Push("c")
	assert.Equal(t, 2, q.Len())
}
