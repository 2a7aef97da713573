package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cortexworks/wexec/pkg/log"
	"github.com/cortexworks/wexec/pkg/metrics"
	"github.com/cortexworks/wexec/pkg/storage"
	"github.com/cortexworks/wexec/pkg/types"
)

// Entry pairs a decoded oplog entry with the index it lives at.
type Entry struct {
	Index types.OplogIndex
	Value types.OplogEntry
}

// tiers lists the physical buckets a Log spans, primary first. Read
// always checks them in this order so an entry still present in a
// warmer tier (during the narrow window of an in-progress migration)
// is returned from there rather than a stale archived copy.
var tiers = []storage.Bucket{storage.BucketOplog, storage.BucketArchive1, storage.BucketArchive2}

// Log is the per-worker event sequence: the Oplog Store scoped
// to one WorkerId. All mutation is expected to be serialized by the
// caller (pkg/durability and pkg/structural hold a per-worker lock)
// except where otherwise noted.
type Log struct {
	store     storage.Store
	namespace string
	workerID  types.WorkerId
	streamKey string

	mu             sync.Mutex
	deletedRegions []types.IndexRange
}

// Open attaches to (or creates) the oplog for workerID, reconstructing
// its folded deleted-region view from the materialized metadata key.
func Open(ctx context.Context, store storage.Store, namespace string, workerID types.WorkerId) (*Log, error) {
	l := &Log{
		store:     store,
		namespace: namespace,
		workerID:  workerID,
		streamKey: fmt.Sprintf("%s/%s", namespace, workerID),
	}
	raw, err := store.Get(ctx, storage.BucketOplogMeta, l.metaKey())
	if err != nil {
		if err == storage.ErrNotFound {
			return l, nil
		}
		return nil, types.WrapError(types.ErrKindStorageUnavailable, err, "load deleted-region metadata for %s", workerID)
	}
	if err := json.Unmarshal(raw, &l.deletedRegions); err != nil {
		return nil, types.WrapError(types.ErrKindStorageCorruption, err, "decode deleted-region metadata for %s", workerID)
	}
	return l, nil
}

func (l *Log) metaKey() string { return "deleted-regions:" + l.streamKey }

// WorkerID returns the worker this log is scoped to.
func (l *Log) WorkerID() types.WorkerId { return l.workerID }

// Append durably appends entry to the primary tier and returns the
// index it was assigned. Index 1 must always be a Create entry; this
// is enforced by pkg/worker, not here, so fork/replay plumbing can
// still write arbitrary entries during reconstruction.
func (l *Log) Append(ctx context.Context, entry types.OplogEntry) (types.OplogIndex, error) {
	timer := metrics.NewTimer()
	data, err := Encode(entry)
	if err != nil {
		return 0, err
	}
	idx, err := l.store.Append(ctx, storage.BucketOplog, l.streamKey, data)
	if err != nil {
		return 0, types.WrapError(types.ErrKindStorageUnavailable, err, "append oplog entry for %s", l.workerID)
	}
	timer.ObserveDuration(metrics.OplogAppendDuration)
	metrics.OplogEntriesTotal.WithLabelValues(string(entry.Kind)).Inc()
	log.WithWorker(l.workerID.String()).Debug().
		Str("kind", string(entry.Kind)).
		Uint64("index", uint64(idx)).
		Msg("oplog entry appended")

	if entry.Kind == types.KindJump {
		if err := l.recordJump(ctx, entry.JumpSource, entry.JumpTarget); err != nil {
			return types.OplogIndex(idx), err
		}
	}
	return types.OplogIndex(idx), nil
}

// recordJump folds a newly observed Jump into the in-memory and
// persisted deleted-region view. Overlapping or adjacent ranges are
// merged into their union.
func (l *Log) recordJump(ctx context.Context, source, target types.OplogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	newRange := types.IndexRange{Start: target + 1, End: source}
	regions := append(l.deletedRegions, newRange)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })

	merged := regions[:0]
	for _, r := range regions {
		if len(merged) > 0 && r.Start <= merged[len(merged)-1].End+1 {
			last := &merged[len(merged)-1]
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	l.deletedRegions = merged

	raw, err := json.Marshal(l.deletedRegions)
	if err != nil {
		return fmt.Errorf("oplog: marshal deleted regions: %w", err)
	}
	if err := l.store.Set(ctx, storage.BucketOplogMeta, l.metaKey(), raw); err != nil {
		return types.WrapError(types.ErrKindStorageUnavailable, err, "persist deleted-region metadata for %s", l.workerID)
	}
	return nil
}

// DeletedRegions returns the current folded view of all deleted index
// ranges, sorted and disjoint.
func (l *Log) DeletedRegions() []types.IndexRange {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.IndexRange, len(l.deletedRegions))
	copy(out, l.deletedRegions)
	return out
}

func (l *Log) isDeleted(idx types.OplogIndex) bool {
	for _, r := range l.deletedRegions {
		if r.Contains(idx) {
			return true
		}
	}
	return false
}

// rawRead merges records across every physical tier for [from, to],
// preferring whichever tier is checked first (primary, then
// progressively colder archive tiers) when more than one still holds a
// copy of the same index.
func (l *Log) rawRead(ctx context.Context, from, to types.OplogIndex) ([]Entry, error) {
	seen := make(map[types.OplogIndex]types.OplogEntry)
	for _, bucket := range tiers {
		recs, err := l.store.ReadRange(ctx, bucket, l.streamKey, storage.OplogIndex(from), storage.OplogIndex(to))
		if err != nil {
			return nil, types.WrapError(types.ErrKindStorageUnavailable, err, "read %s tier for %s", bucket, l.workerID)
		}
		for _, r := range recs {
			idx := types.OplogIndex(r.Index)
			if _, exists := seen[idx]; exists {
				continue
			}
			entry, err := Decode(r.Value)
			if err != nil {
				return nil, types.WrapError(types.ErrKindStorageCorruption, err, "decode entry %d for %s", idx, l.workerID)
			}
			seen[idx] = entry
		}
	}
	out := make([]Entry, 0, len(seen))
	for idx, entry := range seen {
		out = append(out, Entry{Index: idx, Value: entry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Read returns entries in [from, to], honoring deleted regions unless
// includeDeleted is set (needed by structural revert/fork bookkeeping).
func (l *Log) Read(ctx context.Context, from, to types.OplogIndex, includeDeleted bool) ([]Entry, error) {
	raw, err := l.rawRead(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return raw, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := raw[:0]
	for _, e := range raw {
		if !l.isDeleted(e.Index) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Length returns the highest index ever assigned, or 0 for an empty
// log. It is unaffected by archival or deletion: both only change where
// (or whether) an index's payload can be read back, never renumber.
func (l *Log) Length(ctx context.Context) (types.OplogIndex, error) {
	idx, err := l.store.Length(ctx, storage.BucketOplog, l.streamKey)
	if err != nil {
		return 0, types.WrapError(types.ErrKindStorageUnavailable, err, "read oplog length for %s", l.workerID)
	}
	return types.OplogIndex(idx), nil
}

// First returns the lowest surviving (non-deleted) index, or 0 if the
// log has no surviving entries.
func (l *Log) First(ctx context.Context) (types.OplogIndex, error) {
	length, err := l.Length(ctx)
	if err != nil || length == 0 {
		return 0, err
	}
	entries, err := l.Read(ctx, 1, length, false)
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	return entries[0].Index, nil
}

// Last returns the highest surviving index, or 0 if the log has no
// surviving entries.
func (l *Log) Last(ctx context.Context) (types.OplogIndex, error) {
	length, err := l.Length(ctx)
	if err != nil || length == 0 {
		return 0, err
	}
	entries, err := l.Read(ctx, 1, length, false)
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	return entries[len(entries)-1].Index, nil
}

// Closest returns the surviving index nearest to idx (ties broken
// toward the lower index), or 0 if the log has no surviving entries.
func (l *Log) Closest(ctx context.Context, idx types.OplogIndex) (types.OplogIndex, error) {
	length, err := l.Length(ctx)
	if err != nil || length == 0 {
		return 0, err
	}
	entries, err := l.Read(ctx, 1, length, false)
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	best := entries[0].Index
	bestDist := distance(best, idx)
	for _, e := range entries[1:] {
		if d := distance(e.Index, idx); d < bestDist {
			best, bestDist = e.Index, d
		}
	}
	return best, nil
}

func distance(a, b types.OplogIndex) types.OplogIndex {
	if a > b {
		return a - b
	}
	return b - a
}

// DropPrefix permanently deletes primary-tier records with index <
// upTo. Used by archival once a prefix has been durably copied to the
// next tier; it does not touch the index space, only the primary
// tier's physical storage.
func (l *Log) DropPrefix(ctx context.Context, upTo types.OplogIndex) error {
	if err := l.store.TrimPrefix(ctx, storage.BucketOplog, l.streamKey, storage.OplogIndex(upTo)); err != nil {
		return types.WrapError(types.ErrKindStorageUnavailable, err, "drop prefix < %d for %s", upTo, l.workerID)
	}
	return nil
}

// WaitForReplicas blocks until the backing store has k acknowledged
// replicas of its current state, or returns an error after timeout.
func (l *Log) WaitForReplicas(ctx context.Context, k int, timeout time.Duration) error {
	if err := l.store.WaitForReplicas(ctx, k, timeout); err != nil {
		return types.WrapError(types.ErrKindStorageUnavailable, err, "wait for %d replicas on %s", k, l.workerID)
	}
	return nil
}
