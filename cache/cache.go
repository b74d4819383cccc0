package cache

import "sync"

// Cache is the minimal map + sweep contract every cache backend satisfies.
// Keys are unique; iteration order is unspecified.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Delete(key K) bool
	Len() int
	// Sweep removes every entry the filter returns true for and reports how
	// many were removed.
	Sweep(filter func(key K, value V) bool) int
}

// Factory builds a cache for the named store (for example "guilds").
type Factory[K comparable, V any] func(name string) Cache[K, V]

// Unlimited returns a factory producing plain Collections.
func Unlimited[K comparable, V any]() Factory[K, V] {
	return func(string) Cache[K, V] {
		return NewCollection[K, V]()
	}
}

// WithLimits returns a factory that builds a LimitedCollection for every
// store with settings, and a plain Collection otherwise.
func WithLimits[K comparable, V any](settings map[string]LimitedOptions[K, V]) Factory[K, V] {
	return func(name string) Cache[K, V] {
		options, ok := settings[name]
		if !ok || (options.MaxSize <= 0 && (options.SweepInterval <= 0 || options.SweepFilter == nil)) {
			return NewCollection[K, V]()
		}

		return NewLimitedCollection(options)
	}
}

type Collection[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

func NewCollection[K comparable, V any]() *Collection[K, V] {
	return &Collection[K, V]{
		items: make(map[K]V),
	}
}

func (c *Collection[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.items[key]
	return value, ok
}

func (c *Collection[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.items[key] = value
	c.mu.Unlock()
}

// Compute stores and returns fn's result for key. fn runs under the write
// lock, so it must not call back into the collection.
func (c *Collection[K, V]) Compute(key K, fn func(value V, ok bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.items[key]
	value = fn(value, ok)
	c.items[key] = value
	return value
}

func (c *Collection[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

func (c *Collection[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Collection[K, V]) Sweep(filter func(key K, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var swept int
	for key, value := range c.items {
		if filter(key, value) {
			delete(c.items, key)
			swept++
		}
	}

	return swept
}

// Range calls fn for every entry until fn returns false. The collection is
// read-locked for the duration, so fn must not write to it.
func (c *Collection[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for key, value := range c.items {
		if !fn(key, value) {
			return
		}
	}
}

func (c *Collection[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]K, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}

	return keys
}
