package cache

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollection(t *testing.T) {
	c := NewCollection[string, int]()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 3)

	value, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, value)
	assert.Equal(t, 2, c.Len())

	assert.True(t, c.Delete("b"))
	assert.False(t, c.Delete("b"))

	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestCollectionSweep(t *testing.T) {
	c := NewCollection[int, int]()
	for i := 0; i < 10; i++ {
		c.Set(i, i)
	}

	swept := c.Sweep(func(_ int, value int) bool {
		return value%2 == 0
	})

	assert.Equal(t, 5, swept)
	assert.Equal(t, 5, c.Len())
	assert.ElementsMatch(t, []int{1, 3, 5, 7, 9}, c.Keys())
}

func TestCollectionCompute(t *testing.T) {
	c := NewCollection[string, *int]()

	var wg sync.WaitGroup
	var created int
	results := make([]*int, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Compute("key", func(value *int, ok bool) *int {
				if !ok {
					created++
					value = new(int)
				}

				*value++
				return value
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, 50, *results[0])
}

func TestLimitedCollectionEvictsOldest(t *testing.T) {
	c := NewLimitedCollection(LimitedOptions[string, int]{MaxSize: 2})
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())

	// updating an existing key never evicts
	c.Set("b", 20)
	assert.Equal(t, 2, c.Len())
	value, _ := c.Get("b")
	assert.Equal(t, 20, value)
}

func TestLimitedCollectionKeepOverLimit(t *testing.T) {
	c := NewLimitedCollection(LimitedOptions[string, int]{
		MaxSize: 2,
		KeepOverLimit: func(key string, _ int) bool {
			return key == "pinned"
		},
	})
	defer c.Close()

	c.Set("pinned", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("pinned")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestLimitedCollectionSweepInterval(t *testing.T) {
	c := NewLimitedCollection(LimitedOptions[string, int]{
		SweepInterval: 10 * time.Millisecond,
		SweepFilter: func(_ string, value int) bool {
			return value < 0
		},
	})
	defer c.Close()

	c.Set("keep", 1)
	c.Set("drop", -1)

	require.Eventually(t, func() bool {
		_, ok := c.Get("drop")
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, ok := c.Get("keep")
	assert.True(t, ok)
}

func TestWithLimits(t *testing.T) {
	factory := WithLimits(map[string]LimitedOptions[string, int]{
		"messages": {MaxSize: 1},
	})

	messages := factory("messages")
	_, limited := messages.(*LimitedCollection[string, int])
	assert.True(t, limited)
	messages.(*LimitedCollection[string, int]).Close()

	guilds := factory("guilds")
	_, plain := guilds.(*Collection[string, int])
	assert.True(t, plain)
}

func TestPgStore(t *testing.T) {
	uri := os.Getenv("CACHE_TEST_URI")
	if uri == "" {
		t.Skip("CACHE_TEST_URI not set")
	}

	pool, err := pgxpool.Connect(context.Background(), uri)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, EnsureSchema(context.Background(), pool))

	store := NewPgStore(pool, "test_"+time.Now().Format("150405.000"))
	store.Set("1", json.RawMessage(`{"id":"1"}`))
	store.Set("2", json.RawMessage(`{"id":"2"}`))

	value, ok := store.Get("1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"1"}`, string(value))
	assert.Equal(t, 2, store.Len())

	swept := store.Sweep(func(key string, _ json.RawMessage) bool {
		return key == "2"
	})
	assert.Equal(t, 1, swept)
	assert.True(t, store.Delete("1"))
	assert.Equal(t, 0, store.Len())
}
