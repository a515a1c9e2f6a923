package livedoc

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	assert.Equal(t, len(callbacks.Get()), 0)

	aId := callbacks.Add(func() int {
		return 1
	})
	bId := callbacks.Add(func() int {
		return 2
	})

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	// fan-out in add order
	assert.Equal(t, values, []int{1, 2})

	callbacks.Remove(aId)
	assert.Equal(t, len(callbacks.Get()), 1)
	assert.Equal(t, callbacks.Get()[0](), 2)

	// removing twice is a no-op
	callbacks.Remove(aId)
	callbacks.Remove(bId)
	assert.Equal(t, len(callbacks.Get()), 0)
}
