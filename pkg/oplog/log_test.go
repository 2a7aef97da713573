package oplog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortexworks/wexec/pkg/oplog"
	"github.com/cortexworks/wexec/pkg/storage"
	"github.com/cortexworks/wexec/pkg/types"
)

func testWorker() types.WorkerId {
	return types.WorkerId{ComponentId: "comp-1", WorkerName: "w1"}
}

func TestAppendReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l, err := oplog.Open(ctx, store, "ns", testWorker())
	require.NoError(t, err)

	idx1, err := l.Append(ctx, types.OplogEntry{Kind: types.KindCreate, ComponentVersion: 0})
	require.NoError(t, err)
	require.Equal(t, types.OplogIndex(1), idx1)

	idx2, err := l.Append(ctx, types.OplogEntry{Kind: types.KindExportedFunctionInvoked, FunctionName: "f"})
	require.NoError(t, err)
	require.Equal(t, types.OplogIndex(2), idx2)

	entries, err := l.Read(ctx, 1, 2, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, types.KindCreate, entries[0].Value.Kind)
	require.Equal(t, "f", entries[1].Value.FunctionName)

	length, err := l.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, types.OplogIndex(2), length)
}

func TestJumpHidesDeletedRange(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l, err := oplog.Open(ctx, store, "ns", testWorker())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, types.OplogEntry{Kind: types.KindNoOp})
		require.NoError(t, err)
	}
	// Delete indices 3..5 (leave 1,2 intact).
	_, err = l.Append(ctx, types.OplogEntry{Kind: types.KindJump, JumpSource: 5, JumpTarget: 2})
	require.NoError(t, err)

	visible, err := l.Read(ctx, 1, 6, false)
	require.NoError(t, err)
	var indices []types.OplogIndex
	for _, e := range visible {
		indices = append(indices, e.Index)
	}
	require.ElementsMatch(t, []types.OplogIndex{1, 2, 6}, indices)

	all, err := l.Read(ctx, 1, 6, true)
	require.NoError(t, err)
	require.Len(t, all, 6)

	regions := l.DeletedRegions()
	require.Equal(t, []types.IndexRange{{Start: 3, End: 5}}, regions)
}

func TestJumpFoldsOverlappingRanges(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l, err := oplog.Open(ctx, store, "ns", testWorker())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, types.OplogEntry{Kind: types.KindNoOp})
		require.NoError(t, err)
	}
	_, err = l.Append(ctx, types.OplogEntry{Kind: types.KindJump, JumpSource: 4, JumpTarget: 1})
	require.NoError(t, err)
	_, err = l.Append(ctx, types.OplogEntry{Kind: types.KindJump, JumpSource: 7, JumpTarget: 4})
	require.NoError(t, err)

	regions := l.DeletedRegions()
	require.Equal(t, []types.IndexRange{{Start: 2, End: 7}}, regions)
}

func TestFirstLastClosest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l, err := oplog.Open(ctx, store, "ns", testWorker())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, types.OplogEntry{Kind: types.KindNoOp})
		require.NoError(t, err)
	}

	first, err := l.First(ctx)
	require.NoError(t, err)
	require.Equal(t, types.OplogIndex(1), first)

	last, err := l.Last(ctx)
	require.NoError(t, err)
	require.Equal(t, types.OplogIndex(5), last)

	closest, err := l.Closest(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, types.OplogIndex(3), closest)
}

func TestArchivePassPreservesReadability(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l, err := oplog.Open(ctx, store, "ns", testWorker())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := l.Append(ctx, types.OplogEntry{Kind: types.KindNoOp, LogMessage: "m"})
		require.NoError(t, err)
	}

	require.NoError(t, l.ArchivePass(ctx, 5, 3))

	entries, err := l.Read(ctx, 1, 20, false)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for _, e := range entries {
		require.Equal(t, "m", e.Value.LogMessage)
	}

	length, err := l.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, types.OplogIndex(20), length)
}

func TestSearchConjunctionAndDisjunction(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l, err := oplog.Open(ctx, store, "ns", testWorker())
	require.NoError(t, err)

	_, err = l.Append(ctx, types.OplogEntry{Kind: types.KindExportedFunctionInvoked, FunctionName: "checkout"})
	require.NoError(t, err)
	_, err = l.Append(ctx, types.OplogEntry{Kind: types.KindExportedFunctionInvoked, FunctionName: "refund"})
	require.NoError(t, err)
	_, err = l.Append(ctx, types.OplogEntry{Kind: types.KindError, ErrorMessage: "boom"})
	require.NoError(t, err)

	hits, err := l.Search(ctx, "function_name:checkout")
	require.NoError(t, err)
	require.Equal(t, []types.OplogIndex{1}, hits)

	hits, err = l.Search(ctx, "function_name:checkout OR function_name:refund")
	require.NoError(t, err)
	require.ElementsMatch(t, []types.OplogIndex{1, 2}, hits)

	hits, err = l.Search(ctx, "kind:Error boom")
	require.NoError(t, err)
	require.Equal(t, []types.OplogIndex{3}, hits)
}

func TestReopenReloadsDeletedRegions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l, err := oplog.Open(ctx, store, "ns", testWorker())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, types.OplogEntry{Kind: types.KindNoOp})
		require.NoError(t, err)
	}
	_, err = l.Append(ctx, types.OplogEntry{Kind: types.KindJump, JumpSource: 3, JumpTarget: 1})
	require.NoError(t, err)

	reopened, err := oplog.Open(ctx, store, "ns", testWorker())
	require.NoError(t, err)
	require.Equal(t, []types.IndexRange{{Start: 2, End: 3}}, reopened.DeletedRegions())
}
