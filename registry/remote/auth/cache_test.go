package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rancher/ociclient/errdef"
)

func Test_concurrentCache_setAndGet(t *testing.T) {
	ctx := context.Background()
	cache := NewCache()

	_, err := cache.GetScheme(ctx, "r.io")
	assert.ErrorIs(t, err, errdef.ErrNotFound)

	token, err := cache.Set(ctx, "r.io", SchemeBearer, "repository:foo:pull", func(context.Context) (string, error) {
		return "tkn", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "tkn", token)

	scheme, err := cache.GetScheme(ctx, "r.io")
	require.NoError(t, err)
	assert.Equal(t, SchemeBearer, scheme)

	got, err := cache.GetToken(ctx, "r.io", SchemeBearer, "repository:foo:pull")
	require.NoError(t, err)
	assert.Equal(t, "tkn", got)

	_, err = cache.GetToken(ctx, "r.io", SchemeBearer, "repository:bar:pull")
	assert.ErrorIs(t, err, errdef.ErrNotFound)

	// registries are independent partitions
	_, err = cache.GetToken(ctx, "other.io", SchemeBearer, "repository:foo:pull")
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func Test_concurrentCache_schemeChangeReplacesEntry(t *testing.T) {
	ctx := context.Background()
	cache := NewCache()

	_, err := cache.Set(ctx, "r.io", SchemeBearer, "repository:foo:pull", func(context.Context) (string, error) {
		return "bearer-token", nil
	})
	require.NoError(t, err)

	_, err = cache.Set(ctx, "r.io", SchemeBasic, "", func(context.Context) (string, error) {
		return "basic-token", nil
	})
	require.NoError(t, err)

	// the bearer tokens were dropped along with the old scheme
	_, err = cache.GetToken(ctx, "r.io", SchemeBearer, "repository:foo:pull")
	assert.ErrorIs(t, err, errdef.ErrNotFound)

	scheme, err := cache.GetScheme(ctx, "r.io")
	require.NoError(t, err)
	assert.Equal(t, SchemeBasic, scheme)
}

func Test_concurrentCache_fetchErrorNotStored(t *testing.T) {
	ctx := context.Background()
	cache := NewCache()

	fetchErr := errors.New("boom")
	_, err := cache.Set(ctx, "r.io", SchemeBearer, "key", func(context.Context) (string, error) {
		return "", fetchErr
	})
	assert.ErrorIs(t, err, fetchErr)

	_, err = cache.GetScheme(ctx, "r.io")
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func Test_cacheWithTenant_partitionsByTenant(t *testing.T) {
	a := NewCacheWithTenant("tenant-a").(*concurrentCache)
	b := NewCacheWithTenant("tenant-b").(*concurrentCache)

	assert.Equal(t, "ORAS_AUTH_tenant-a|r.io", a.cacheKey("r.io"))
	assert.Equal(t, "ORAS_AUTH_tenant-b|r.io", b.cacheKey("r.io"))
	assert.Equal(t, "ORAS_AUTH_r.io", NewCache().(*concurrentCache).cacheKey("r.io"))
	assert.NotEqual(t, a.cacheKey("r.io"), b.cacheKey("r.io"))
}
