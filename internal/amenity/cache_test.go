package amenity

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestLRUCache_BasicGetPut(t *testing.T) {
	c := newLRUCache[int](3, 0, clockwork.NewFakeClock())

	c.put("a", 1)
	c.put("b", 2)

	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.get("missing")
	assert.False(t, ok)
}

func TestLRUCache_Eviction(t *testing.T) {
	c := newLRUCache[string](2, 0, clockwork.NewFakeClock())

	c.put("a", "A")
	c.put("b", "B")
	c.get("a") // a is now most recent
	c.put("c", "C")

	_, ok := c.get("b")
	assert.False(t, ok, "b should be evicted as least recently used")
	_, ok = c.get("a")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())
}

func TestLRUCache_UpdateReplacesValue(t *testing.T) {
	c := newLRUCache[[]string](2, 0, clockwork.NewFakeClock())

	first := []string{"x"}
	c.put("k", first)
	c.put("k", []string{"y", "z"})

	v, ok := c.get("k")
	assert.True(t, ok)
	assert.Equal(t, []string{"y", "z"}, v)
	assert.Equal(t, []string{"x"}, first, "earlier value is untouched")
	assert.Equal(t, 1, c.len())
}

func TestLRUCache_TTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newLRUCache[int](10, time.Hour, clock)

	c.put("k", 7)
	clock.Advance(59 * time.Minute)
	v, ok := c.get("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	clock.Advance(time.Minute)
	_, ok = c.get("k")
	assert.False(t, ok, "entry expires exactly at its TTL")
	assert.Zero(t, c.len(), "expired entry is dropped on read")
}

func TestLRUCache_NoTTLNeverExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newLRUCache[int](10, 0, clock)

	c.put("k", 1)
	clock.Advance(10 * 365 * 24 * time.Hour)
	_, ok := c.get("k")
	assert.True(t, ok)
}

func TestLRUCache_SingleEntry(t *testing.T) {
	c := newLRUCache[int](0, 0, clockwork.NewFakeClock())

	c.put("a", 1)
	c.put("b", 2)

	_, ok := c.get("a")
	assert.False(t, ok)
	v, ok := c.get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}
