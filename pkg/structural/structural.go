package structural

import (
	"context"
	"fmt"
	"time"

	"github.com/cortexworks/wexec/pkg/cache"
	"github.com/cortexworks/wexec/pkg/metrics"
	"github.com/cortexworks/wexec/pkg/oplog"
	"github.com/cortexworks/wexec/pkg/types"
)

// ErrInvocationBoundary is returned by Revert when the requested target
// index would split an ExportedFunctionInvoked entry from its matching
// ExportedFunctionCompleted/Error, which would leave replay unable to
// tell whether that invocation ever finished.
var ErrInvocationBoundary = fmt.Errorf("structural: revert target crosses an in-progress invocation boundary")

func observe(op string) func(result string) {
	timer := metrics.NewTimer()
	return func(result string) {
		timer.ObserveDurationVec(metrics.StructuralOpDuration, op)
		metrics.StructuralOpsTotal.WithLabelValues(op, result).Inc()
	}
}

// evictIfCached drops id from c so the next access reactivates from
// the oplog this operation is about to mutate, instead of serving
// state derived from the pre-mutation history. c may be nil for
// callers (tests, offline CLI tools) with nothing resident.
func evictIfCached(ctx context.Context, c *cache.Cache, id types.WorkerId) error {
	if c == nil {
		return nil
	}
	if _, ok := c.Get(id); !ok {
		return nil
	}
	return c.Evict(ctx, id)
}

// RevertToIndex truncates id's history so that replay only sees entries
// up to and including target. It refuses to cross an unterminated
// ExportedFunctionInvoked/Completed pair: target must either fall at or
// after the last ExportedFunctionCompleted/Error, or strictly before the
// ExportedFunctionInvoked that opened the invocation currently covering it.
func RevertToIndex(ctx context.Context, c *cache.Cache, l *oplog.Log, target types.OplogIndex) error {
	done := observe("revert")
	length, err := l.Length(ctx)
	if err != nil {
		done("error")
		return err
	}
	if target < 1 || target >= length {
		done("error")
		return fmt.Errorf("%w: target %d out of range [1,%d)", types.ErrInvalidRequest, target, length)
	}

	entries, err := l.Read(ctx, 1, length, true)
	if err != nil {
		done("error")
		return err
	}
	if err := validateRevertBoundary(entries, target); err != nil {
		done("error")
		return err
	}

	if err := evictIfCached(ctx, c, l.WorkerID()); err != nil {
		done("error")
		return err
	}
	if _, err := l.Append(ctx, types.OplogEntry{Kind: types.KindJump, Timestamp: time.Now(), JumpSource: length, JumpTarget: target}); err != nil {
		done("error")
		return err
	}
	done("success")
	return nil
}

// RevertLastN reverts id by dropping the last n invocations, keeping
// everything before the oldest of those n. Every ExportedFunctionInvoked
// entry counts as one invocation, whether or not it has completed.
func RevertLastN(ctx context.Context, c *cache.Cache, l *oplog.Log, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: n must be positive", types.ErrInvalidRequest)
	}
	length, err := l.Length(ctx)
	if err != nil {
		return err
	}
	entries, err := l.Read(ctx, 1, length, true)
	if err != nil {
		return err
	}

	var boundaries []types.OplogIndex
	for _, e := range entries {
		if e.Value.Kind == types.KindExportedFunctionInvoked {
			boundaries = append(boundaries, e.Index)
		}
	}
	if len(boundaries) < n {
		return fmt.Errorf("%w: worker has only %d invocations, cannot revert %d", types.ErrInvalidRequest, len(boundaries), n)
	}
	target := boundaries[len(boundaries)-n] - 1
	return RevertToIndex(ctx, c, l, target)
}

// validateRevertBoundary enforces that target does not land on an
// ExportedFunctionInvoked entry or anywhere after it but before its
// corresponding Completed/Error entry.
func validateRevertBoundary(entries []oplog.Entry, target types.OplogIndex) error {
	var openSince types.OplogIndex
	for _, e := range entries {
		switch e.Value.Kind {
		case types.KindExportedFunctionInvoked:
			openSince = e.Index
		case types.KindExportedFunctionComplete, types.KindError:
			openSince = 0
		}
		if e.Index == target {
			break
		}
	}
	if openSince != 0 && openSince <= target {
		return fmt.Errorf("%w: invocation opened at index %d is still open at target %d", ErrInvocationBoundary, openSince, target)
	}
	return nil
}

// Fork copies src's history up to and including cutoff into dst
// verbatim, entry by entry, letting dst's own Append/recordJump
// machinery reconstruct its deleted-region view as any copied Jump
// entries are replayed through it. dst must be a brand-new, empty log;
// the two workers evolve independently after this call returns.
func Fork(ctx context.Context, src, dst *oplog.Log, cutoff types.OplogIndex) error {
	done := observe("fork")
	dstLength, err := dst.Length(ctx)
	if err != nil {
		done("error")
		return err
	}
	if dstLength != 0 {
		done("error")
		return fmt.Errorf("%w: fork target %s already has history", types.ErrInvalidRequest, dst.WorkerID())
	}

	entries, err := src.Read(ctx, 1, cutoff, true)
	if err != nil {
		done("error")
		return err
	}
	for _, e := range entries {
		if _, err := dst.Append(ctx, e.Value); err != nil {
			done("error")
			return fmt.Errorf("structural: fork %s -> %s at index %d: %w", src.WorkerID(), dst.WorkerID(), e.Index, err)
		}
	}
	done("success")
	return nil
}

// ScheduleUpdate appends a PendingUpdate marker and evicts any cached
// instance of id, so the next activation attempts the update during
// replay as described by pkg/worker.Activate.
func ScheduleUpdate(ctx context.Context, c *cache.Cache, l *oplog.Log, targetVersion uint64, mode types.UpdateMode) error {
	done := observe("schedule_update")
	if err := evictIfCached(ctx, c, l.WorkerID()); err != nil {
		done("error")
		return err
	}
	if _, err := l.Append(ctx, types.OplogEntry{Kind: types.KindPendingUpdate, Timestamp: time.Now(), TargetVersion: targetVersion, UpdateMode: mode}); err != nil {
		done("error")
		return err
	}
	done("success")
	return nil
}

// CancelInvocation appends a CancelInvocation marker for
// idempotencyKey. On replay, Worker.applyControlEntry drops a matching
// entry from the status's PendingInvocations. Nothing in this module
// adds to that list, since Worker.Invoke runs each invocation
// synchronously, so the marker does not stop or remove any invocation.
func CancelInvocation(ctx context.Context, c *cache.Cache, l *oplog.Log, idempotencyKey string) error {
	done := observe("cancel_invocation")
	if err := evictIfCached(ctx, c, l.WorkerID()); err != nil {
		done("error")
		return err
	}
	if _, err := l.Append(ctx, types.OplogEntry{Kind: types.KindCancelInvocation, Timestamp: time.Now(), CancelledIdempotencyKey: idempotencyKey}); err != nil {
		done("error")
		return err
	}
	done("success")
	return nil
}

// CompletePromise resolves the promise created at promiseIndex with
// data, so a worker blocked awaiting it can observe the result on its
// next replay.
func CompletePromise(ctx context.Context, c *cache.Cache, l *oplog.Log, promiseIndex types.OplogIndex, data []byte) error {
	done := observe("complete_promise")
	if err := evictIfCached(ctx, c, l.WorkerID()); err != nil {
		done("error")
		return err
	}
	if _, err := l.Append(ctx, types.OplogEntry{Kind: types.KindCompletePromise, Timestamp: time.Now(), PromiseIndex: promiseIndex, PromiseData: data}); err != nil {
		done("error")
		return err
	}
	done("success")
	return nil
}

// GetOplog returns the surviving entries in [from, to], honoring
// deleted-region masking exactly as a live worker's replay would see
// them.
func GetOplog(ctx context.Context, l *oplog.Log, from, to types.OplogIndex) ([]oplog.Entry, error) {
	return l.Read(ctx, from, to, false)
}

// SearchOplog runs query against the worker's surviving history.
func SearchOplog(ctx context.Context, l *oplog.Log, query string) ([]types.OplogIndex, error) {
	return l.Search(ctx, query)
}
