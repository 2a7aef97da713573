package sharding

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/cortexworks/wexec/pkg/events"
	"github.com/cortexworks/wexec/pkg/log"
	"github.com/cortexworks/wexec/pkg/metrics"
	"github.com/cortexworks/wexec/pkg/types"
)

// WorkerEvictor is the subset of pkg/cache.Cache the Coordinator needs
// to flush workers out of a shard it no longer owns. Declared locally
// so pkg/sharding doesn't import pkg/cache just for this one call.
type WorkerEvictor interface {
	IDs() []types.WorkerId
	Evict(ctx context.Context, id types.WorkerId) error
}

// ShardOf computes the shard a worker belongs to: a stable 64-bit hash
// of namespace and worker id, reduced mod the total shard count.
func ShardOf(namespace string, id types.WorkerId, totalShards uint32) types.ShardId {
	h := xxhash.New()
	_, _ = h.WriteString(namespace)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(id.String())
	return types.ShardId(h.Sum64() % uint64(totalShards))
}

// Coordinator holds this node's assigned shard set and answers
// ownership questions for the worker activation path. It is driven by
// an external shard manager's assign_shards/revoke_shards RPCs
// (pkg/rpc); nothing in this package initiates a reassignment on its
// own.
type Coordinator struct {
	namespace   string
	totalShards uint32
	evictor     WorkerEvictor
	broker      *events.Broker

	mu       sync.RWMutex
	assigned map[types.ShardId]bool
}

// New creates a Coordinator for a cluster partitioned into totalShards
// shards. evictor may be nil in contexts (tests, CLI tools) that never
// need to flush cached workers on revoke.
func New(namespace string, totalShards uint32, evictor WorkerEvictor, broker *events.Broker) *Coordinator {
	return &Coordinator{
		namespace:   namespace,
		totalShards: totalShards,
		evictor:     evictor,
		broker:      broker,
		assigned:    make(map[types.ShardId]bool),
	}
}

// Owns reports whether this node currently owns the shard id's worker
// hashes to. The worker activation path (pkg/executor) must check this
// before calling pkg/cache.GetOrAdd.
func (c *Coordinator) Owns(id types.WorkerId) bool {
	shard := ShardOf(c.namespace, id, c.totalShards)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assigned[shard]
}

// OwnsShard reports whether shard itself is currently assigned to this
// node, for callers that already computed the shard id (e.g. an RPC
// interceptor rejecting a request against a shard this node doesn't own).
func (c *Coordinator) OwnsShard(shard types.ShardId) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assigned[shard]
}

// Assigned returns a snapshot of the currently assigned shard set.
func (c *Coordinator) Assigned() []types.ShardId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.ShardId, 0, len(c.assigned))
	for s := range c.assigned {
		out = append(out, s)
	}
	return out
}

// AssignShards atomically unions shardIDs into the assigned set. It is
// idempotent: shards already owned are a no-op. Any cached worker
// whose shard was unowned elsewhere becomes newly eligible simply by
// virtue of Owns now returning true for it; no cache action is needed.
func (c *Coordinator) AssignShards(ctx context.Context, shardIDs []types.ShardId) error {
	c.mu.Lock()
	for _, s := range shardIDs {
		if !c.assigned[s] {
			c.assigned[s] = true
			c.publish(events.ShardAssigned, s)
		}
	}
	metrics.ShardsAssigned.Set(float64(len(c.assigned)))
	c.mu.Unlock()

	metrics.ShardAssignmentsTotal.WithLabelValues("assign", "success").Inc()
	log.WithNodeID(c.namespace).Info().Int("count", len(shardIDs)).Msg("shards assigned")
	return nil
}

// RevokeShards atomically removes shardIDs from the assigned set and
// flushes every cached worker whose shard is no longer owned here. A
// worker is stopped (not merely marked idle) so the durability
// contract holds: once RevokeShards returns, no further oplog writes
// for the revoked shards can originate from this node, letting the
// shard manager safely hand them to a new owner.
func (c *Coordinator) RevokeShards(ctx context.Context, shardIDs []types.ShardId) error {
	revoked := make(map[types.ShardId]bool, len(shardIDs))
	c.mu.Lock()
	for _, s := range shardIDs {
		if c.assigned[s] {
			delete(c.assigned, s)
			revoked[s] = true
			c.publish(events.ShardRevoked, s)
		}
	}
	metrics.ShardsAssigned.Set(float64(len(c.assigned)))
	c.mu.Unlock()

	if c.evictor != nil && len(revoked) > 0 {
		for _, id := range c.evictor.IDs() {
			if revoked[ShardOf(c.namespace, id, c.totalShards)] {
				if err := c.evictor.Evict(ctx, id); err != nil {
					log.WithWorker(id.String()).Warn().Err(err).Msg("error flushing worker from revoked shard")
				}
			}
		}
	}

	metrics.ShardAssignmentsTotal.WithLabelValues("revoke", "success").Inc()
	log.WithNodeID(c.namespace).Info().Int("count", len(shardIDs)).Msg("shards revoked")
	return nil
}

// HealthCheck reports node liveness for the shard manager's periodic
// check. It's deliberately cheap: no storage or cache access, just
// confirmation this process is alive and answering RPCs.
func (c *Coordinator) HealthCheck(ctx context.Context) bool {
	return true
}

func (c *Coordinator) publish(t events.Type, s types.ShardId) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{Type: t, Message: s.String()})
}
