package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitter_Order(t *testing.T) {
	e := New()
	var got []int
	e.On("x", func(...any) { got = append(got, 1) })
	e.On("x", func(...any) { got = append(got, 2) })
	e.Once("x", func(...any) { got = append(got, 3) })

	require.True(t, e.Emit("x"))
	e.Emit("x")
	assert.Equal(t, []int{1, 2, 3, 1, 2}, got)
}

func TestEventEmitter_Unsubscribe(t *testing.T) {
	e := New()
	calls := 0
	off := e.On("x", func(args ...any) {
		calls++
		require.Equal(t, []any{"a", 1}, args)
	})
	e.Emit("x", "a", 1)
	off()
	off()
	e.Emit("x", "a", 1)

	assert.Equal(t, 1, calls)
	assert.False(t, e.HasListeners("x"))
	assert.False(t, e.Emit("x"))
}

func TestEventEmitter_ListenerAddedDuringEmit(t *testing.T) {
	e := New()
	calls := 0
	e.On("x", func(...any) {
		e.On("x", func(...any) { calls++ })
	})
	e.Emit("x")
	assert.Equal(t, 0, calls)
	e.Emit("x")
	assert.Equal(t, 1, calls)
}

func listenerA(...any) {}

func TestEventEmitter_RemoveListener(t *testing.T) {
	e := New()
	e.On("x", listenerA)
	e.On("y", listenerA)
	e.RemoveListener("x", listenerA)
	assert.False(t, e.HasListeners("x"))
	assert.True(t, e.HasListeners("y"))

	e.RemoveAllListeners()
	assert.False(t, e.HasListeners("y"))
}
