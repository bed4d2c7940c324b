package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_GetSet(t *testing.T) {
	c := NewLRU[string, int](2, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// "b" is now least recently used; inserting "c" evicts it.
	c.Set("c", 3)
	_, ok = c.Get("b")
	assert.False(t, ok, "b should have been evicted")

	v, ok = c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestLRU_TTLExpiry(t *testing.T) {
	c := NewLRU[string, string](10, time.Minute)
	c.SetTTL("k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok, "expired entry should not be returned")
}

func TestLRU_Remove(t *testing.T) {
	c := NewLRU[string, int](10, time.Minute)
	c.Set("k", 7)

	assert.True(t, c.Remove("k"))
	assert.False(t, c.Remove("k"), "remove of missing key reports false")
	assert.Equal(t, 0, c.Len())
}
