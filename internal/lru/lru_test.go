package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvictionOrder(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	// touch "a" so "b" becomes the least-recently-used
	_, ok := c.Get("a")
	require.True(t, ok)

	evicted, did := c.Put("c", 3)
	require.True(t, did)
	require.Equal(t, "b", evicted)

	_, ok = c.Get("b")
	require.False(t, ok)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestUnboundedWhenCapacityZero(t *testing.T) {
	c := New[int, int](0)
	for i := 0; i < 1000; i++ {
		c.Put(i, i)
	}
	require.Equal(t, 1000, c.Len())
}
