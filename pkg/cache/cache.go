// Package cache implements the Active Workers Cache: the node-local
// WorkerId -> *worker.Worker map plus the memory budget that bounds how
// many Worker Instances can be resident at once.
//
// The acquire/try-free-up-memory/priority-allocation-lock shape is
// translated from the original implementation's
// Cache/Semaphore/Mutex<()> trio (see active_workers.rs): a global
// weighted semaphore represents the node's component-memory budget,
// and a priority lock makes a starved acquirer's retry jump ahead of
// fresh acquisitions instead of losing every race to new arrivals.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/cortexworks/wexec/pkg/events"
	"github.com/cortexworks/wexec/pkg/log"
	"github.com/cortexworks/wexec/pkg/metrics"
	"github.com/cortexworks/wexec/pkg/oplog"
	"github.com/cortexworks/wexec/pkg/runtime"
	"github.com/cortexworks/wexec/pkg/types"
	"github.com/cortexworks/wexec/pkg/worker"
)

// OpenLogFunc opens (or creates) the oplog for a worker id. Injected so
// pkg/cache doesn't need to know which storage.Store/namespace backs a
// given node.
type OpenLogFunc func(ctx context.Context, id types.WorkerId) (*oplog.Log, error)

// Cache is the per-node Active Workers Cache: at most one *worker.Worker
// per WorkerId is ever resident, bounded by a fixed memory budget.
type Cache struct {
	rt                runtime.ComponentRuntime
	openLog           OpenLogFunc
	acquireRetryDelay time.Duration
	broker            *events.Broker

	memory           *semaphore.Weighted
	priorityLock     sync.Mutex
	group            singleflight.Group

	mu      sync.RWMutex
	workers map[types.WorkerId]*worker.Worker
}

// New creates a Cache with a node-wide memory budget of totalBytes.
// broker may be nil if lifecycle events don't need to be published.
func New(totalBytes uint64, acquireRetryDelay time.Duration, rt runtime.ComponentRuntime, openLog OpenLogFunc, broker *events.Broker) *Cache {
	return &Cache{
		rt:                rt,
		openLog:           openLog,
		acquireRetryDelay: acquireRetryDelay,
		broker:            broker,
		memory:            semaphore.NewWeighted(int64(totalBytes)),
		workers:           make(map[types.WorkerId]*worker.Worker),
	}
}

// permit wraps a held share of the node's memory budget.
type permit struct {
	sem   *semaphore.Weighted
	bytes int64
}

func (p *permit) Release() {
	p.sem.Release(p.bytes)
	metrics.MemoryPermitsHeld.Sub(float64(p.bytes))
}

var _ worker.MemoryPermit = (*permit)(nil)

// CreateParams carries the fields only relevant the first time a
// worker is created; they are ignored when the worker already exists.
type CreateParams struct {
	ComponentID types.ComponentId
	Version     uint64
	MemoryBytes uint64
	Args        []string
	Env         map[string]string
	CreatedBy   string
}

// GetOrAdd returns the resident Worker for id, activating (and, if
// necessary, creating) it if it isn't already cached. Concurrent
// callers for the same id are coalesced onto a single activation.
func (c *Cache) GetOrAdd(ctx context.Context, id types.WorkerId, params CreateParams) (*worker.Worker, error) {
	c.mu.RLock()
	if w, ok := c.workers[id]; ok {
		c.mu.RUnlock()
		return w, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do(id.String(), func() (interface{}, error) {
		c.mu.RLock()
		if w, ok := c.workers[id]; ok {
			c.mu.RUnlock()
			return w, nil
		}
		c.mu.RUnlock()

		timer := metrics.NewTimer()
		p, err := c.acquire(ctx, params.MemoryBytes)
		timer.ObserveDuration(metrics.MemoryAcquireDuration)
		if err != nil {
			return nil, err
		}

		l, err := c.openLog(ctx, id)
		if err != nil {
			p.Release()
			return nil, err
		}

		w, err := worker.Activate(ctx, l, c.rt, p, params.ComponentID, params.Version, params.Args, params.Env, params.CreatedBy)
		if err != nil {
			p.Release()
			return nil, err
		}

		c.mu.Lock()
		c.workers[id] = w
		c.mu.Unlock()
		metrics.CachedWorkersTotal.Inc()
		c.publish(events.WorkerCreated, id, "")

		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*worker.Worker), nil
}

// Get returns the resident worker for id, if any, without activating it.
func (c *Cache) Get(id types.WorkerId) (*worker.Worker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[id]
	return w, ok
}

// Remove evicts id from the cache, closing its instance and releasing
// its memory permit, without regard to whether it is currently idle.
// Callers that must respect in-flight invocations should check IsIdle
// first (as the reclamation loop does).
func (c *Cache) Remove(ctx context.Context, id types.WorkerId) {
	c.mu.Lock()
	w, ok := c.workers[id]
	if ok {
		delete(c.workers, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := w.Close(ctx); err != nil {
		log.WithWorker(id.String()).Warn().Err(err).Msg("error closing evicted worker")
	}
	metrics.CachedWorkersTotal.Dec()
	c.publish(events.WorkerEvicted, id, "")
}

// Len returns the number of workers currently resident.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.workers)
}

// IDs returns the WorkerId of every resident worker. Used by
// pkg/sharding to find cached workers whose shard has just been
// revoked.
func (c *Cache) IDs() []types.WorkerId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]types.WorkerId, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	return ids
}

func (c *Cache) publish(t events.Type, id types.WorkerId, message string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{Type: t, WorkerID: id.String(), Message: message})
}

// acquire blocks until bytes of the node's memory budget are available,
// trying to reclaim memory from idle workers whenever the budget is
// currently exhausted before falling back to a timed retry. The
// priority lock ensures a starved acquirer's reclamation attempt isn't
// perpetually outraced by fresh TryAcquire calls from other goroutines.
func (c *Cache) acquire(ctx context.Context, bytes uint64) (worker.MemoryPermit, error) {
	n := int64(bytes)
	for {
		c.priorityLock.Lock()
		ok := c.memory.TryAcquire(n)
		if !ok && c.tryFreeUpMemory(ctx, bytes) {
			ok = c.memory.TryAcquire(n)
		}
		c.priorityLock.Unlock()
		if ok {
			metrics.MemoryPermitsHeld.Add(float64(n))
			return &permit{sem: c.memory, bytes: n}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.acquireRetryDelay):
		}
	}
}

type idleCandidate struct {
	id           types.WorkerId
	w            *worker.Worker
	memoryBytes  uint64
	lastActivity time.Time
}

// tryFreeUpMemory stops idle workers, oldest-activity first, until
// needed bytes have been released or there is nothing left to stop.
func (c *Cache) tryFreeUpMemory(ctx context.Context, needed uint64) bool {
	c.mu.RLock()
	var candidates []idleCandidate
	for id, w := range c.workers {
		if !w.IsIdle() {
			continue
		}
		mem, err := c.rt.MemoryRequirement(id.ComponentId, w.Status().ComponentVersion)
		if err != nil {
			continue
		}
		candidates = append(candidates, idleCandidate{id: id, w: w, memoryBytes: mem, lastActivity: w.LastActivity()})
	}
	c.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastActivity.Before(candidates[j].lastActivity) })

	var freed uint64
	for _, cand := range candidates {
		if freed >= needed {
			break
		}
		c.mu.Lock()
		w, ok := c.workers[cand.id]
		if !ok || !w.IsIdle() {
			c.mu.Unlock()
			continue
		}
		delete(c.workers, cand.id)
		c.mu.Unlock()

		if err := w.Close(ctx); err != nil {
			log.WithWorker(cand.id.String()).Warn().Err(err).Msg("error closing reclaimed worker")
		}
		metrics.CachedWorkersTotal.Dec()
		c.publish(events.WorkerEvicted, cand.id, "reclaimed for memory")
		freed += cand.memoryBytes
	}
	if freed > 0 {
		metrics.MemoryReclamationsTotal.Inc()
		log.WithNodeID("local").Debug().Uint64("freed_bytes", freed).Msg("active workers cache reclaimed memory")
	}
	return freed >= needed
}

// Evict forcibly removes id regardless of idle state; used by
// structural operations (revert, fork, update) that must guarantee no
// stale in-memory state survives a history rewrite.
func (c *Cache) Evict(ctx context.Context, id types.WorkerId) error {
	c.mu.Lock()
	w, ok := c.workers[id]
	if ok {
		delete(c.workers, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.CachedWorkersTotal.Dec()
	c.publish(events.WorkerEvicted, id, "evicted")
	if err := w.Close(ctx); err != nil {
		return fmt.Errorf("cache: close evicted worker %s: %w", id, err)
	}
	return nil
}
