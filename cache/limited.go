package cache

import (
	"sync"
	"time"
)

type LimitedOptions[K comparable, V any] struct {
	// MaxSize bounds the number of entries; 0 means unbounded.
	MaxSize int
	// KeepOverLimit marks entries that must survive eviction.
	KeepOverLimit func(key K, value V) bool
	SweepInterval time.Duration
	SweepFilter   func(key K, value V) bool
}

// LimitedCollection evicts its oldest entry once MaxSize is reached and
// optionally sweeps itself on an interval. Close stops the sweeper.
type LimitedCollection[K comparable, V any] struct {
	options LimitedOptions[K, V]

	mu    sync.Mutex
	items map[K]V
	order []K

	stopOnce sync.Once
	stop     chan struct{}
}

func NewLimitedCollection[K comparable, V any](options LimitedOptions[K, V]) *LimitedCollection[K, V] {
	c := &LimitedCollection[K, V]{
		options: options,
		items:   make(map[K]V),
		stop:    make(chan struct{}),
	}

	if options.SweepInterval > 0 && options.SweepFilter != nil {
		go c.sweepLoop()
	}

	return c
}

func (c *LimitedCollection[K, V]) sweepLoop() {
	ticker := time.NewTicker(c.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(c.options.SweepFilter)
		case <-c.stop:
			return
		}
	}
}

func (c *LimitedCollection[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.items[key]
	return value, ok
}

func (c *LimitedCollection[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; exists {
		c.items[key] = value
		return
	}

	if c.options.MaxSize > 0 && len(c.items) >= c.options.MaxSize {
		for i, k := range c.order {
			if c.options.KeepOverLimit != nil && c.options.KeepOverLimit(k, c.items[k]) {
				continue
			}

			delete(c.items, k)
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	c.items[key] = value
	c.order = append(c.order, key)
}

func (c *LimitedCollection[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok {
		return false
	}

	delete(c.items, key)
	c.removeOrder(key)
	return true
}

func (c *LimitedCollection[K, V]) removeOrder(key K) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *LimitedCollection[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LimitedCollection[K, V]) Sweep(filter func(key K, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	var swept int
	for _, key := range c.order {
		if filter(key, c.items[key]) {
			delete(c.items, key)
			swept++
			continue
		}

		kept = append(kept, key)
	}

	c.order = kept
	return swept
}

func (c *LimitedCollection[K, V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}
