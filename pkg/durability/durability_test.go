package durability_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortexworks/wexec/pkg/durability"
	"github.com/cortexworks/wexec/pkg/oplog"
	"github.com/cortexworks/wexec/pkg/storage"
	"github.com/cortexworks/wexec/pkg/types"
)

func testWorker() types.WorkerId {
	return types.WorkerId{ComponentId: "comp-1", WorkerName: "w1"}
}

func openWithCreate(t *testing.T) (*oplog.Log, context.Context) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l, err := oplog.Open(ctx, store, "ns", testWorker())
	require.NoError(t, err)
	_, err = l.Append(ctx, types.OplogEntry{Kind: types.KindCreate})
	require.NoError(t, err)
	return l, ctx
}

func TestLiveCallPersistsResult(t *testing.T) {
	l, ctx := openWithCreate(t)
	tr := durability.NewTracker(l, 1)
	require.True(t, tr.IsLive())

	calls := 0
	result, err := tr.Call(ctx, "getTime", types.ClassReadLocal, nil, func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"12:00"`), nil
	})
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`"12:00"`), result)
	require.Equal(t, 1, calls)

	length, err := l.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, types.OplogIndex(2), length)

	entries, err := l.Read(ctx, 2, 2, false)
	require.NoError(t, err)
	require.Equal(t, types.KindImportedFunctionInvoked, entries[0].Value.Kind)
	require.Equal(t, "getTime", entries[0].Value.FunctionName)
}

func TestReplayDoesNotReexecuteEffect(t *testing.T) {
	l, ctx := openWithCreate(t)
	liveTracker := durability.NewTracker(l, 1)
	_, err := liveTracker.Call(ctx, "getTime", types.ClassReadLocal, nil, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"12:00"`), nil
	})
	require.NoError(t, err)

	replayTracker := durability.NewTracker(l, 2)
	require.False(t, replayTracker.IsLive())

	called := false
	result, err := replayTracker.Call(ctx, "getTime", types.ClassReadLocal, nil, func(ctx context.Context) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`"should not run"`), nil
	})
	require.NoError(t, err)
	require.False(t, called)
	require.Equal(t, json.RawMessage(`"12:00"`), result)
	require.True(t, replayTracker.IsLive())
}

func TestReplayMismatchedFunctionNameErrors(t *testing.T) {
	l, ctx := openWithCreate(t)
	liveTracker := durability.NewTracker(l, 1)
	_, err := liveTracker.Call(ctx, "getTime", types.ClassReadLocal, nil, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"12:00"`), nil
	})
	require.NoError(t, err)

	replayTracker := durability.NewTracker(l, 2)
	_, err = replayTracker.Call(ctx, "differentCall", types.ClassReadLocal, nil, func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("effect should not run during replay")
		return nil, nil
	})
	require.ErrorIs(t, err, durability.ErrUnexpectedOplogEntry)
}

func TestRetriableLiveErrorIsNotPersisted(t *testing.T) {
	l, ctx := openWithCreate(t)
	tr := durability.NewTracker(l, 1)

	_, err := tr.Call(ctx, "flaky", types.ClassWriteRemote, nil, func(ctx context.Context) (json.RawMessage, error) {
		return nil, durability.Retriable(errors.New("connection reset"))
	})
	require.Error(t, err)
	require.True(t, durability.IsRetriable(err))

	// Only the BeginRemoteWrite marker opened before the effect ran is in
	// the log; no ImportedFunctionInvoked result was appended.
	length, err := l.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, types.OplogIndex(2), length)
	entries, err := l.Read(ctx, 2, 2, false)
	require.NoError(t, err)
	require.Equal(t, types.KindBeginRemoteWrite, entries[0].Value.Kind)
}

func TestNonRetriableLiveErrorIsPersistedAndReplays(t *testing.T) {
	l, ctx := openWithCreate(t)
	liveTracker := durability.NewTracker(l, 1)
	_, liveErr := liveTracker.Call(ctx, "risky", types.ClassReadRemote, nil, func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("business rule violated")
	})
	require.EqualError(t, liveErr, "business rule violated")

	replayTracker := durability.NewTracker(l, 2)
	called := false
	_, replayErr := replayTracker.Call(ctx, "risky", types.ClassReadRemote, nil, func(ctx context.Context) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	require.False(t, called)
	require.EqualError(t, replayErr, "business rule violated")
}

func TestWriteRemoteWrapsAtomicRegion(t *testing.T) {
	l, ctx := openWithCreate(t)
	tr := durability.NewTracker(l, 1)

	_, err := tr.Call(ctx, "chargeCard", types.ClassWriteRemote, nil, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)

	entries, err := l.Read(ctx, 2, 4, false)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, types.KindBeginRemoteWrite, entries[0].Value.Kind)
	require.Equal(t, types.KindImportedFunctionInvoked, entries[1].Value.Kind)
	require.Equal(t, types.KindEndRemoteWrite, entries[2].Value.Kind)
	require.Equal(t, entries[0].Index, entries[2].Value.RegionBeginIndex)
}

func TestRecoverIncompleteRegionsJumpsOverDanglingBegin(t *testing.T) {
	l, ctx := openWithCreate(t)
	beginIdx, err := l.Append(ctx, types.OplogEntry{Kind: types.KindBeginRemoteWrite})
	require.NoError(t, err)

	recovered, err := durability.RecoverIncompleteRegions(ctx, l)
	require.NoError(t, err)
	require.True(t, recovered)

	visible, err := l.Read(ctx, 1, 3, false)
	require.NoError(t, err)
	var indices []types.OplogIndex
	for _, e := range visible {
		indices = append(indices, e.Index)
	}
	require.NotContains(t, indices, beginIdx)

	recoveredAgain, err := durability.RecoverIncompleteRegions(ctx, l)
	require.NoError(t, err)
	require.False(t, recoveredAgain)
}
