/*
Package storage implements the KV/Blob Backend: the durable namespaces
the rest of the executor builds on, behind a single Store interface
combining an indexed append-only stream abstraction (used by pkg/oplog)
with plain key-value state (worker status snapshots, promises,
scheduled actions, user KV/blob data, and the cluster CA).

Three backends satisfy Store:

  - MemoryStore: in-process, for tests and ephemeral single-node runs.
  - BoltStore: a single bbolt file on local disk, for single-node
    deployments.
  - RaftStore: BoltStore replicated via hashicorp/raft, for deployments
    that need wait_for_replicas(k, timeout) with k > 1. It checks that
    the cluster has at least k voters and that the leader has applied
    its committed log; it does not confirm each follower's progress.

Callers select a backend at startup; the rest of the executor depends
only on the Store interface.
*/
package storage
