package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRU(t *testing.T) {
	t.Run("GetSet", func(t *testing.T) {
		c := NewLRU[string, int](2)

		c.Set("a", 1)
		v, ok := c.Get("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)

		_, ok = c.Get("missing")
		assert.False(t, ok)
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		c := NewLRU[string, int](2)

		c.Set("a", 1)
		c.Set("b", 2)

		// Touch "a" so "b" is the eviction victim
		_, _ = c.Get("a")

		c.Set("c", 3)

		_, ok := c.Get("b")
		assert.False(t, ok)
		_, ok = c.Get("a")
		assert.True(t, ok)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("UpdateExisting", func(t *testing.T) {
		c := NewLRU[string, int](2)

		c.Set("a", 1)
		c.Set("a", 2)

		v, _ := c.Get("a")
		assert.Equal(t, 2, v)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("Purge", func(t *testing.T) {
		c := NewLRU[string, int](2)
		c.Set("a", 1)
		c.Purge()
		assert.Equal(t, 0, c.Len())
	})
}
