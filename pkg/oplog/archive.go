package oplog

import (
	"compress/gzip"
	"context"
	"time"

	"github.com/cortexworks/wexec/pkg/log"
	"github.com/cortexworks/wexec/pkg/metrics"
	"github.com/cortexworks/wexec/pkg/storage"
	"github.com/cortexworks/wexec/pkg/types"
)

// ArchivePass migrates primary-tier entries into archived-1 so that only
// the newest keepPrimary entries of the log stay in primary, then
// migrates archived-1 entries into archived-2 so that only the newest
// keepArchive1 entries of the log stay out of archived-2. Both counts
// are measured against the whole log's Length, not the size of a
// single tier. Entries keep
// their original index across tiers (via storage.IndexedStore.AppendAt)
// so Log.rawRead's cross-tier merge keeps working after migration.
func (l *Log) ArchivePass(ctx context.Context, keepPrimary, keepArchive1 types.OplogIndex) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OplogArchiveDuration)

	if err := l.migrateTier(ctx, storage.BucketOplog, storage.BucketArchive1, keepPrimary, gzip.DefaultCompression); err != nil {
		return err
	}
	return l.migrateTier(ctx, storage.BucketArchive1, storage.BucketArchive2, keepArchive1, gzip.BestCompression)
}

func (l *Log) migrateTier(ctx context.Context, from, to storage.Bucket, keep types.OplogIndex, level int) error {
	length, err := l.Length(ctx)
	if err != nil || length <= keep {
		return err
	}
	cutoff := length - keep

	recs, err := l.store.ReadRange(ctx, from, l.streamKey, 1, storage.OplogIndex(cutoff))
	if err != nil {
		return types.WrapError(types.ErrKindStorageUnavailable, err, "read %s for archival on %s", from, l.workerID)
	}
	if len(recs) == 0 {
		return nil
	}

	moved := 0
	for _, r := range recs {
		entry, err := Decode(r.Value)
		if err != nil {
			return types.WrapError(types.ErrKindStorageCorruption, err, "decode entry %d during archival for %s", r.Index, l.workerID)
		}
		packed, err := EncodeCompressed(entry, level)
		if err != nil {
			return err
		}
		if err := l.store.AppendAt(ctx, to, l.streamKey, r.Index, packed); err != nil {
			return types.WrapError(types.ErrKindStorageUnavailable, err, "write %s for %s", to, l.workerID)
		}
		moved++
	}
	if err := l.store.TrimPrefix(ctx, from, l.streamKey, storage.OplogIndex(cutoff)+1); err != nil {
		return types.WrapError(types.ErrKindStorageUnavailable, err, "trim %s for %s", from, l.workerID)
	}
	log.WithWorker(l.workerID.String()).Debug().
		Str("from", string(from)).Str("to", string(to)).
		Int("entries_moved", moved).
		Msg("oplog archive pass")
	return nil
}

// ArchiveScheduler periodically runs ArchivePass across every worker an
// opener provides, mirroring the teacher's periodic-background-loop
// reconciliation shape.
type ArchiveScheduler struct {
	interval     time.Duration
	keepPrimary  types.OplogIndex
	keepArchive1 types.OplogIndex
	logs         func() []*Log

	stopCh chan struct{}
}

// NewArchiveScheduler creates a scheduler that, every interval, calls
// logsFn to list currently open logs and runs an archive pass over each.
func NewArchiveScheduler(interval time.Duration, keepPrimary, keepArchive1 types.OplogIndex, logsFn func() []*Log) *ArchiveScheduler {
	return &ArchiveScheduler{
		interval:     interval,
		keepPrimary:  keepPrimary,
		keepArchive1: keepArchive1,
		logs:         logsFn,
		stopCh:       make(chan struct{}),
	}
}

// Start runs the scheduler loop in a background goroutine.
func (s *ArchiveScheduler) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runOnce()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the scheduler loop.
func (s *ArchiveScheduler) Stop() { close(s.stopCh) }

func (s *ArchiveScheduler) runOnce() {
	ctx := context.Background()
	for _, l := range s.logs() {
		if err := l.ArchivePass(ctx, s.keepPrimary, s.keepArchive1); err != nil {
			log.WithWorker(l.workerID.String()).Warn().Err(err).Msg("archive pass failed")
		}
	}
}
