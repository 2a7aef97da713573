package worker

import (
	"container/list"

	"github.com/cortexworks/wexec/pkg/types"
)

// maxIdempotencyCacheEntries bounds how many idempotency_key -> response
// pairs a single activation keeps resident. The oplog itself is the
// durable source of truth; this cap only limits how far back an
// in-memory re-invocation can be deduplicated without a fresh replay,
// supplementing spec.md's bare "worker caches (idempotency_key ->
// invocation_result)" with a concrete bound for a long-lived worker.
const maxIdempotencyCacheEntries = 4096

// idempotencyCache is a bounded least-recently-used map from
// idempotency key to its cached invocation result.
type idempotencyCache struct {
	entries map[string]*list.Element
	order   *list.List
}

type idempotencyCacheEntry struct {
	key   string
	value types.IdempotencyResult
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the cached result for key, if present, and marks it most
// recently used.
func (c *idempotencyCache) Get(key string) (types.IdempotencyResult, bool) {
	el, ok := c.entries[key]
	if !ok {
		return types.IdempotencyResult{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*idempotencyCacheEntry).value, true
}

// Set records value for key, evicting the least-recently-used entry if
// the cache is at capacity and key is new.
func (c *idempotencyCache) Set(key string, value types.IdempotencyResult) {
	if el, ok := c.entries[key]; ok {
		el.Value.(*idempotencyCacheEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&idempotencyCacheEntry{key: key, value: value})
	c.entries[key] = el
	if c.order.Len() > maxIdempotencyCacheEntries {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*idempotencyCacheEntry).key)
		}
	}
}

// Len reports how many entries are currently cached.
func (c *idempotencyCache) Len() int { return c.order.Len() }
