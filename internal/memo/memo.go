// Package memo provides a keyed memoization table for derived constants such
// as analysis windows and filterbanks. Entries are built lazily on first use
// and never invalidated; the storage policy decides whether old keys may be
// dropped to bound memory.
package memo

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Policy stores built values. Implementations need not be goroutine safe;
// Cache serializes access.
type Policy[K comparable, V any] interface {
	Get(key K) (V, bool)
	Add(key K, value V)
	Len() int
}

// Unbounded keeps every entry forever.
func Unbounded[K comparable, V any]() Policy[K, V] {
	return mapPolicy[K, V]{}
}

// LRU keeps at most size entries, evicting the least recently used key.
func LRU[K comparable, V any](size int) (Policy[K, V], error) {
	c, err := lru.New[K, V](size)
	if err != nil {
		return nil, fmt.Errorf("memo: lru policy: %w", err)
	}

	return lruPolicy[K, V]{c: c}, nil
}

// Cache memoizes values by key.
type Cache[K comparable, V any] struct {
	mu     sync.Mutex
	policy Policy[K, V]
	builds int
}

// New returns a cache backed by policy. A nil policy means Unbounded.
func New[K comparable, V any](policy Policy[K, V]) *Cache[K, V] {
	if policy == nil {
		policy = Unbounded[K, V]()
	}

	return &Cache[K, V]{policy: policy}
}

// GetOrBuild returns the value stored for key, calling build on a miss. The
// lock is held while building so each key is built once per residency.
// Failed builds are not stored.
func (c *Cache[K, V]) GetOrBuild(key K, build func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.policy.Get(key); ok {
		return v, nil
	}

	v, err := build()
	if err != nil {
		var zero V
		return zero, err
	}

	c.builds++
	c.policy.Add(key, v)

	return v, nil
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.policy.Len()
}

// Builds returns how many times a value was built.
func (c *Cache[K, V]) Builds() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.builds
}

type mapPolicy[K comparable, V any] map[K]V

func (m mapPolicy[K, V]) Get(key K) (V, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapPolicy[K, V]) Add(key K, value V) { m[key] = value }

func (m mapPolicy[K, V]) Len() int { return len(m) }

type lruPolicy[K comparable, V any] struct {
	c *lru.Cache[K, V]
}

func (p lruPolicy[K, V]) Get(key K) (V, bool) { return p.c.Get(key) }

func (p lruPolicy[K, V]) Add(key K, value V) { p.c.Add(key, value) }

func (p lruPolicy[K, V]) Len() int { return p.c.Len() }
