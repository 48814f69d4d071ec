package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheSetGet(t *testing.T) {
	c := New[string]()

	c.Set("k", "v", time.Minute)
	val, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := New[int]()

	c.Set("k", 42, -time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCacheDeleteAndClear(t *testing.T) {
	c := New[string]()

	c.Set("a", "1", time.Minute)
	c.Set("b", "2", time.Minute)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	_, ok = c.Get("b")
	assert.False(t, ok)
}
