package sharding_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortexworks/wexec/pkg/sharding"
	"github.com/cortexworks/wexec/pkg/types"
)

func TestShardOfIsStableAndBounded(t *testing.T) {
	id := types.WorkerId{ComponentId: "comp-a", WorkerName: "w1"}
	s1 := sharding.ShardOf("ns", id, 1024)
	s2 := sharding.ShardOf("ns", id, 1024)
	require.Equal(t, s1, s2)
	require.Less(t, uint32(s1), uint32(1024))
}

func TestShardOfVariesWithNamespace(t *testing.T) {
	id := types.WorkerId{ComponentId: "comp-a", WorkerName: "w1"}
	a := sharding.ShardOf("ns-a", id, 1024)
	b := sharding.ShardOf("ns-b", id, 1024)
	// Not a strict guarantee for every id, but collision across two
	// distinct namespaces for this fixed id is exceedingly unlikely.
	require.NotEqual(t, a, b)
}

type fakeEvictor struct {
	ids     []types.WorkerId
	evicted []types.WorkerId
}

func (f *fakeEvictor) IDs() []types.WorkerId { return f.ids }
func (f *fakeEvictor) Evict(ctx context.Context, id types.WorkerId) error {
	f.evicted = append(f.evicted, id)
	return nil
}

func TestAssignThenOwnsIsTrue(t *testing.T) {
	ctx := context.Background()
	c := sharding.New("ns", 4, nil, nil)
	id := types.WorkerId{ComponentId: "comp-a", WorkerName: "w1"}
	shard := sharding.ShardOf("ns", id, 4)

	require.False(t, c.Owns(id))
	require.NoError(t, c.AssignShards(ctx, []types.ShardId{shard}))
	require.True(t, c.Owns(id))
	require.True(t, c.OwnsShard(shard))
}

func TestRevokeFlushesCachedWorkersInRevokedShard(t *testing.T) {
	ctx := context.Background()
	id := types.WorkerId{ComponentId: "comp-a", WorkerName: "w1"}
	shard := sharding.ShardOf("ns", id, 4)

	ev := &fakeEvictor{ids: []types.WorkerId{id}}
	c := sharding.New("ns", 4, ev, nil)
	require.NoError(t, c.AssignShards(ctx, []types.ShardId{shard}))
	require.True(t, c.Owns(id))

	require.NoError(t, c.RevokeShards(ctx, []types.ShardId{shard}))
	require.False(t, c.Owns(id))
	require.Equal(t, []types.WorkerId{id}, ev.evicted)
}

func TestHealthCheckIsAlwaysTrue(t *testing.T) {
	c := sharding.New("ns", 4, nil, nil)
	require.True(t, c.HealthCheck(context.Background()))
}
