package cache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/engine/flow/blob"
	"github.com/flowgraph/engine/flow/cache"
	"github.com/flowgraph/engine/flow/cache/memstore"
)

type storedValue struct {
	Result int `json:"result"`
}

func TestCacheRoundTrip(t *testing.T) {
	coord := cache.New(memstore.New(), nil, nil, nil)
	ctx := context.Background()
	ns := cache.Namespace("test_add", 1)

	coord.Store(ctx, ns, "key-1", storedValue{Result: 3})

	var out storedValue
	hit, err := coord.Lookup(ctx, ns, "key-1", &out)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, storedValue{Result: 3}, out)
}

func TestCacheMissWhenKeyAbsent(t *testing.T) {
	coord := cache.New(memstore.New(), nil, nil, nil)
	var out storedValue
	hit, err := coord.Lookup(context.Background(), cache.Namespace("a", 1), "missing", &out)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestCacheDisabledWithoutRepository(t *testing.T) {
	coord := cache.New(nil, nil, nil, nil)
	coord.Store(context.Background(), "ns", "key", storedValue{Result: 1})
	var out storedValue
	hit, _ := coord.Lookup(context.Background(), "ns", "key", &out)
	require.False(t, hit)
}

func TestCacheBlobInvalidationDemotesHitToMiss(t *testing.T) {
	blobs := blob.NewMemStore()
	id, err := blobs.Save(context.Background(), []byte("payload"))
	require.NoError(t, err)

	coord := cache.New(memstore.New(), blobs, nil, nil)
	ctx := context.Background()
	ns := cache.Namespace("test_create_blob", 1)

	coord.Store(ctx, ns, "key-1", map[string]any{"blob": cache.BlobRef{ID: id}})

	var out map[string]any
	hit, err := coord.Lookup(ctx, ns, "key-1", &out)
	require.NoError(t, err)
	require.True(t, hit)

	blobs.Delete(id)

	hit, err = coord.Lookup(ctx, ns, "key-1", &out)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestCanonicalKeyIsOrderIndependent(t *testing.T) {
	k1, ok1 := cache.CanonicalKey(map[string]any{"b": 2, "a": 1})
	k2, ok2 := cache.CanonicalKey(map[string]any{"a": 1, "b": 2})
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, k1, k2)
}
