package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisGetSetDelete(t *testing.T) {
	r := openTestRedis(t)
	ctx := context.Background()

	_, ok, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetWithTTL(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, r.Delete(ctx, "k"))
	_, ok, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRefreshReplacesNamespace(t *testing.T) {
	r := openTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SetWithTTL(ctx, "stale", []byte("old"), time.Hour))
	require.NoError(t, r.Refresh(ctx, map[string][]byte{
		"a": []byte("1"),
	}, time.Hour))

	_, ok, err := r.Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), got)
}
