package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortexworks/wexec/pkg/types"
)

func TestIdempotencyCacheGetSet(t *testing.T) {
	c := newIdempotencyCache()
	_, ok := c.Get("missing")
	require.False(t, ok)

	c.Set("k1", types.IdempotencyResult{Key: "k1", Response: json.RawMessage(`1`)})
	got, ok := c.Get("k1")
	require.True(t, ok)
	require.Equal(t, json.RawMessage(`1`), got.Response)
	require.Equal(t, 1, c.Len())
}

func TestIdempotencyCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newIdempotencyCache()
	for i := 0; i < maxIdempotencyCacheEntries; i++ {
		c.Set(keyFor(i), types.IdempotencyResult{Key: keyFor(i)})
	}
	require.Equal(t, maxIdempotencyCacheEntries, c.Len())

	// Touch the oldest key so it isn't the next eviction victim.
	_, ok := c.Get(keyFor(0))
	require.True(t, ok)

	c.Set("overflow", types.IdempotencyResult{Key: "overflow"})
	require.Equal(t, maxIdempotencyCacheEntries, c.Len())

	_, ok = c.Get(keyFor(0))
	require.True(t, ok, "recently touched entry must survive eviction")
	_, ok = c.Get(keyFor(1))
	require.False(t, ok, "untouched oldest entry must be evicted")
	_, ok = c.Get("overflow")
	require.True(t, ok)
}

func keyFor(i int) string {
	return "key-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
