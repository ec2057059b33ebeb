package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skua-data/skua/internal/cache"
)

// --- Get/Set Basics ---

func TestCache_SetAndGet_ReturnsValue(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 5 * time.Second, MaxEntries: 100})

	c.Set("key1", "value1")
	val, ok := c.Get("key1")

	assert.True(t, ok)
	assert.Equal(t, "value1", val)
}

func TestCache_Get_MissingKey_ReturnsFalse(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 5 * time.Second, MaxEntries: 100})

	val, ok := c.Get("nonexistent")

	assert.False(t, ok)
	assert.Equal(t, "", val)
}

func TestCache_Set_OverwritesExistingKey(t *testing.T) {
	c := cache.New[string, int](cache.Options{TTL: 5 * time.Second, MaxEntries: 100})

	c.Set("counter", 1)
	c.Set("counter", 2)
	val, ok := c.Get("counter")

	assert.True(t, ok)
	assert.Equal(t, 2, val)
}

// --- TTL Expiration ---

func TestCache_Get_ExpiredEntry_ReturnsFalse(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 10 * time.Millisecond, MaxEntries: 100})

	c.Set("ephemeral", "gone-soon")
	time.Sleep(20 * time.Millisecond)

	val, ok := c.Get("ephemeral")

	assert.False(t, ok)
	assert.Equal(t, "", val)
}

func TestCache_Set_RestartsTTL(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 30 * time.Millisecond, MaxEntries: 100})

	c.Set("k", "v1")
	time.Sleep(20 * time.Millisecond)
	c.Set("k", "v2")
	time.Sleep(20 * time.Millisecond)

	val, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", val)
}

// --- Max Entries Eviction ---

func TestCache_Set_ExceedsMaxEntries_EvictsOldest(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 5 * time.Second, MaxEntries: 3})

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")
	c.Set("d", "4")

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	for _, k := range []string{"b", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "entry %q should survive", k)
	}
	assert.Equal(t, 3, c.Len())
}

func TestCache_Set_AtCapacity_PrefersDroppingExpired(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 10 * time.Millisecond, MaxEntries: 2})

	c.Set("stale", "x")
	time.Sleep(20 * time.Millisecond)
	c.Set("live", "y")
	c.Set("new", "z")

	_, ok := c.Get("live")
	assert.True(t, ok, "live entry should not be evicted while expired ones exist")
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestCache_UpdateDoesNotAdvanceEvictionOrder(t *testing.T) {
	c := cache.New[string, int](cache.Options{TTL: 5 * time.Second, MaxEntries: 2})

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10) // update in place; "a" stays oldest
	c.Set("c", 3)  // evicts "a"

	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

// --- Delete / Clear ---

func TestCache_DeleteAndClear(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 5 * time.Second, MaxEntries: 100})

	c.Set("a", "1")
	c.Set("b", "2")

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Delete("missing") // no-op

	c.Clear()
	assert.Zero(t, c.Len())
	_, ok = c.Get("b")
	assert.False(t, ok)
}

// --- Concurrency ---

func TestCache_ConcurrentAccess(t *testing.T) {
	c := cache.New[int, int](cache.Options{TTL: time.Second, MaxEntries: 64})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(j%32, i*j)
				c.Get(j % 32)
				if j%10 == 0 {
					c.Delete(j % 32)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
}
