package storage

import (
	"context"
	"errors"
	"time"
)

// Bucket names a logical collection of keys within a Store. The oplog
// buckets hold indexed append-only streams; the rest hold plain
// key-value state.
type Bucket string

const (
	// BucketOplog holds the primary (live) oplog tier.
	BucketOplog Bucket = "oplog"
	// BucketArchive1 holds the first compressed archive tier.
	BucketArchive1 Bucket = "oplog-c1"
	// BucketArchive2 holds the second compressed archive tier.
	BucketArchive2 Bucket = "oplog-c2"
	// BucketUserKV holds worker-visible key-value state.
	BucketUserKV Bucket = "user-kv"
	// BucketUserBlob holds worker-visible blob state.
	BucketUserBlob Bucket = "user-blob"
	// BucketPromiseState holds promise completion state.
	BucketPromiseState Bucket = "promise-state"
	// BucketScheduledAction holds pending scheduled invocations.
	BucketScheduledAction Bucket = "scheduled-action"
	// BucketSnapshot holds manual-update snapshot payloads.
	BucketSnapshot Bucket = "snapshot"
	// BucketOplogMeta holds small derived oplog views (folded deleted
	// regions, idempotency index) that are cheaper to keep materialized
	// than to refold from the full entry stream on every load.
	BucketOplogMeta Bucket = "oplog-meta"
	// bucketCA holds the cluster certificate authority material.
	bucketCA Bucket = "ca"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// ErrNoSuchStream names the case of an indexed stream that has never
// been appended to. No Store in this package returns it: such a stream
// reads back as empty and reports Length 0.
var ErrNoSuchStream = errors.New("storage: no such stream")

// ErrInsufficientReplicas is returned by WaitForReplicas when the
// backend cannot satisfy the requested replica count within timeout.
var ErrInsufficientReplicas = errors.New("storage: insufficient replicas acknowledged")

// IndexedRecord is one entry read back from an indexed stream, tagged
// with the index it was appended at.
type IndexedRecord struct {
	Index OplogIndex
	Value []byte
}

// OplogIndex is a 1-based position within an indexed stream. It is
// defined locally (rather than imported from pkg/types) so this
// package has no dependency on the oplog's entry encoding.
type OplogIndex uint64

// IndexedStore is an append-only, per-key log abstraction. Each
// (bucket, streamKey) pair addresses its own monotonically increasing
// index space starting at 1.
type IndexedStore interface {
	// Append adds value to the stream and returns the index it was
	// written at.
	Append(ctx context.Context, bucket Bucket, streamKey string, value []byte) (OplogIndex, error)

	// AppendAt writes value at an explicit index, used by archive-tier
	// migration so an entry keeps the same index when it moves from one
	// physical tier to the next. Overwrites any existing record at that
	// index.
	AppendAt(ctx context.Context, bucket Bucket, streamKey string, index OplogIndex, value []byte) error

	// ReadRange returns all records with index in [from, to], inclusive.
	ReadRange(ctx context.Context, bucket Bucket, streamKey string, from, to OplogIndex) ([]IndexedRecord, error)

	// Length returns the index of the last appended record, or 0 if
	// the stream is empty or does not exist.
	Length(ctx context.Context, bucket Bucket, streamKey string) (OplogIndex, error)

	// TrimPrefix permanently deletes all records with index < upTo.
	// It does not renumber remaining records.
	TrimPrefix(ctx context.Context, bucket Bucket, streamKey string, upTo OplogIndex) error

	// DeleteStream removes every record in the stream.
	DeleteStream(ctx context.Context, bucket Bucket, streamKey string) error
}

// KVStore is a plain key-value abstraction scoped by bucket.
type KVStore interface {
	Get(ctx context.Context, bucket Bucket, key string) ([]byte, error)
	Set(ctx context.Context, bucket Bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket Bucket, key string) error

	// KeysWithPrefix lists keys in bucket starting with prefix.
	KeysWithPrefix(ctx context.Context, bucket Bucket, prefix string) ([]string, error)
}

// Store is the full storage surface a worker executor node requires:
// the indexed oplog streams, plain key-value state, and replication
// acknowledgement used by durable function classes that require
// cross-replica confirmation before returning to the caller.
type Store interface {
	IndexedStore
	KVStore

	// WaitForReplicas blocks until at least k replicas (counting the
	// local write) have acknowledged the store's current state, or
	// until timeout elapses. A single-node store satisfies k<=1
	// immediately and fails fast for any k>1.
	WaitForReplicas(ctx context.Context, k int, timeout time.Duration) error

	// SaveCA and GetCA persist the cluster's certificate authority
	// material; they are used by pkg/security.CertAuthority.
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	Close() error
}
