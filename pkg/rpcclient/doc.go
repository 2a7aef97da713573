// Package rpcclient is a thin mTLS gRPC client for pkg/rpc's
// wexec.Executor service, used by the operator-facing CLI tooling and
// by a shard manager calling into this node. Its retry loop on the
// three shard-management calls mirrors the caller-side backoff the
// original shard manager implementation applies when it, in turn,
// calls into a worker executor.
package rpcclient
