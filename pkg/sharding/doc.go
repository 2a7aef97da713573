// Package sharding tracks which shards of the cluster's fixed key
// space this node currently owns, and decides whether a given worker
// may be activated here.
//
// Assignment itself is driven by an external shard manager over RPC
// (pkg/rpc); this package only holds the resulting assigned set and
// answers "do I own this worker's shard" for callers on the
// hot path. The hash and the assign/revoke/health-check handler shapes
// are grounded on original_source/golem-shard-manager's
// worker_executor.rs client and the shard-id computation it assumes on
// the executor side.
package sharding
