// Package executor wires the seven components (C1-C7) into one
// running node: storage backend, oplog store, active workers cache,
// sharding coordinator, and the RPC surface that exposes them,
// plus the background housekeeping loops (archive-tier migration,
// idle-worker sweep) that keep a long-running node healthy without an
// operator's attention.
//
// The wiring shape generalizes the teacher's Manager (pkg/manager):
// one struct assembled by New, started by Start, torn down by
// Shutdown.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cortexworks/wexec/pkg/cache"
	"github.com/cortexworks/wexec/pkg/events"
	"github.com/cortexworks/wexec/pkg/log"
	"github.com/cortexworks/wexec/pkg/metrics"
	"github.com/cortexworks/wexec/pkg/oplog"
	"github.com/cortexworks/wexec/pkg/rpc"
	"github.com/cortexworks/wexec/pkg/runtime"
	"github.com/cortexworks/wexec/pkg/sharding"
	"github.com/cortexworks/wexec/pkg/storage"
	"github.com/cortexworks/wexec/pkg/types"
	"google.golang.org/grpc"
)

// Config holds the executor-level knobs cmd/wexec's serve command
// resolves: listen address, shard layout, memory budget,
// acquire_retry_delay, and the housekeeping intervals. It has no
// shard-manager endpoint; the shard manager calls in through
// AssignShards/RevokeShards and is never dialed from here.
type Config struct {
	NodeID            string
	Namespace         string
	ListenAddr        string
	TotalShards       uint32
	MemoryBudgetBytes uint64
	AcquireRetryDelay time.Duration

	// ArchiveInterval, KeepPrimary and KeepArchive1 drive the C1
	// archive-tier migration background loop.
	ArchiveInterval time.Duration
	KeepPrimary     types.OplogIndex
	KeepArchive1    types.OplogIndex

	// IdleSweepInterval and IdleTimeout drive proactive eviction of
	// long-idle workers between memory-pressure reclamations, so a node
	// that never gets starved for permits still frees stale instances.
	IdleSweepInterval time.Duration
	IdleTimeout       time.Duration
}

// DefaultConfig returns the conservative defaults the teacher's own
// cluster-init flow ships for analogous knobs (heartbeat/reconcile
// intervals), scaled to this executor's housekeeping loops.
func DefaultConfig() Config {
	return Config{
		Namespace:         "default",
		TotalShards:       1024,
		MemoryBudgetBytes: 1 << 30, // 1 GiB
		AcquireRetryDelay: 100 * time.Millisecond,
		ArchiveInterval:   5 * time.Minute,
		KeepPrimary:       10000,
		KeepArchive1:      100000,
		IdleSweepInterval: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
}

// Executor is one worker-executor node: every subsystem described in
// SYSTEM OVERVIEW, wired together and driving two background loops.
type Executor struct {
	cfg Config

	store   storage.Store
	rt      runtime.ComponentRuntime
	cache   *cache.Cache
	shards  *sharding.Coordinator
	broker  *events.Broker
	rpc     *rpc.Server
	archive *oplog.ArchiveScheduler

	logsMu sync.Mutex
	logs   map[types.WorkerId]*oplog.Log

	idleStop chan struct{}
}

// New assembles an Executor over an already-open storage.Store and
// runtime.ComponentRuntime. Both are injected so tests can swap in
// storage.NewMemoryStore/runtime.NewInMemoryRuntime; cmd/wexec wires
// storage.NewMemoryStore/NewBoltStore/NewRaftStore (per --backend) and
// runtime.NewInMemoryRuntime.
func New(cfg Config, store storage.Store, rt runtime.ComponentRuntime) *Executor {
	broker := events.NewBroker()
	broker.Start()

	e := &Executor{
		cfg:    cfg,
		store:  store,
		rt:     rt,
		broker: broker,
		logs:   make(map[types.WorkerId]*oplog.Log),
	}

	e.cache = cache.New(cfg.MemoryBudgetBytes, cfg.AcquireRetryDelay, rt, e.openLog, broker)
	e.shards = sharding.New(cfg.Namespace, cfg.TotalShards, e.cache, broker)
	e.rpc = rpc.New(e.cache, rt, e.shards, e.openLog, cfg.Namespace)
	e.archive = oplog.NewArchiveScheduler(cfg.ArchiveInterval, cfg.KeepPrimary, cfg.KeepArchive1, e.openLogs)

	return e
}

// Shards exposes the sharding coordinator so cmd/wexec's shard
// RPC client or a loopback test harness can drive assign/revoke
// without going through the network.
func (e *Executor) Shards() *sharding.Coordinator { return e.shards }

// Cache exposes the active workers cache for structural-operation CLI
// commands that need to evict a worker before rewriting its oplog.
func (e *Executor) Cache() *cache.Cache { return e.cache }

// OpenLog opens (or creates) the oplog for id, tracking it so the
// archive scheduler's periodic pass reaches it too.
func (e *Executor) OpenLog(ctx context.Context, id types.WorkerId) (*oplog.Log, error) {
	return e.openLog(ctx, id)
}

func (e *Executor) openLog(ctx context.Context, id types.WorkerId) (*oplog.Log, error) {
	e.logsMu.Lock()
	if l, ok := e.logs[id]; ok {
		e.logsMu.Unlock()
		return l, nil
	}
	e.logsMu.Unlock()

	l, err := oplog.Open(ctx, e.store, e.cfg.Namespace, id)
	if err != nil {
		return nil, err
	}

	e.logsMu.Lock()
	defer e.logsMu.Unlock()
	if existing, ok := e.logs[id]; ok {
		return existing, nil
	}
	e.logs[id] = l
	return l, nil
}

func (e *Executor) openLogs() []*oplog.Log {
	e.logsMu.Lock()
	defer e.logsMu.Unlock()
	out := make([]*oplog.Log, 0, len(e.logs))
	for _, l := range e.logs {
		out = append(out, l)
	}
	return out
}

// Start opens the node's RPC listener and background loops. It blocks
// until the listener stops (normally via Shutdown from another
// goroutine) or fails.
func (e *Executor) Start(creds grpc.ServerOption) error {
	e.archive.Start()
	e.idleStop = make(chan struct{})
	go e.idleSweepLoop()

	log.WithNodeID(e.cfg.NodeID).Info().
		Str("addr", e.cfg.ListenAddr).
		Uint32("total_shards", e.cfg.TotalShards).
		Uint64("memory_budget_bytes", e.cfg.MemoryBudgetBytes).
		Msg("worker executor starting")

	return e.rpc.Listen(e.cfg.ListenAddr, creds)
}

// Shutdown stops the RPC server and every background loop, then
// closes the storage backend. Any worker still resident is left for
// the next activation to replay cleanly from its oplog; Shutdown does
// not attempt to drain in-flight invocations itself (the caller is
// expected to have already stopped routing new traffic here, e.g. by
// letting RevokeShards run first).
func (e *Executor) Shutdown(ctx context.Context) error {
	e.rpc.Stop()
	e.archive.Stop()
	if e.idleStop != nil {
		close(e.idleStop)
	}
	e.broker.Stop()

	for _, id := range e.cache.IDs() {
		if err := e.cache.Evict(ctx, id); err != nil {
			log.WithWorker(id.String()).Warn().Err(err).Msg("error closing worker during shutdown")
		}
	}

	if err := e.store.Close(); err != nil {
		return fmt.Errorf("executor: close storage: %w", err)
	}
	return nil
}

// idleSweepLoop periodically evicts workers that have been idle for
// longer than cfg.IdleTimeout, complementing pkg/cache's
// reclaim-on-starvation path with proactive cleanup so a node under no
// memory pressure still doesn't accumulate instances it no longer
// needs.
func (e *Executor) idleSweepLoop() {
	ticker := time.NewTicker(e.cfg.IdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepIdle()
		case <-e.idleStop:
			return
		}
	}
}

func (e *Executor) sweepIdle() {
	ctx := context.Background()
	now := time.Now()
	for _, id := range e.cache.IDs() {
		w, ok := e.cache.Get(id)
		if !ok || !w.IsIdle() {
			continue
		}
		if now.Sub(w.LastActivity()) < e.cfg.IdleTimeout {
			continue
		}
		if err := e.cache.Evict(ctx, id); err != nil {
			log.WithWorker(id.String()).Warn().Err(err).Msg("idle sweep eviction failed")
			continue
		}
		metrics.IdleSweepEvictionsTotal.Inc()
	}
}
