package core

import (
	"fmt"
	"testing"

	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/assert"
)

func TestMessageBufferRemember(t *testing.T) {
	b := NewMessageBuffer(0)
	assert.False(t, b.Remember("m1", []byte("hello")))
	assert.True(t, b.Remember("m1", []byte("other")))
	assert.True(t, b.Seen("m1"))
	assert.False(t, b.Seen("m2"))

	content, ok := b.Content("m1")
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), content)
	_, ok = b.Content("m2")
	assert.False(t, ok)
}

func TestMessageBufferEvictsInInsertionOrder(t *testing.T) {
	b := NewMessageBuffer(3)
	b.Remember("a", nil)
	b.Remember("b", nil)
	b.Remember("c", nil)
	// hits do not refresh an entry
	assert.True(t, b.Remember("a", nil))
	b.Content("a")
	assert.True(t, b.Seen("a"))

	b.Remember("d", nil)
	assert.False(t, b.Seen("a"))
	assert.Equal(t, []string{"b", "c", "d"}, b.Ids())
	assert.Equal(t, 3, b.Len())
}

func TestMessageBufferDefaultCapacity(t *testing.T) {
	b := NewMessageBuffer(state.DedupCapacity)
	for i := 0; i < state.DedupCapacity*2; i++ {
		b.Remember(fmt.Sprintf("m%d", i), nil)
	}
	assert.Equal(t, state.DedupCapacity, b.Len())
	assert.False(t, b.Seen("m0"))
	assert.True(t, b.Seen(fmt.Sprintf("m%d", state.DedupCapacity*2-1)))
}
