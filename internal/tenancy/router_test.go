package tenancy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/backend/internal/store"
)

// flakyParams wraps a ParameterStore and fails every lookup once failing is
// set. It also counts lookups.
type flakyParams struct {
	inner   ParameterStore
	failing atomic.Bool
	calls   atomic.Int64
}

func (p *flakyParams) AccountPlacement(ctx context.Context, accountID string) (Placement, error) {
	p.calls.Add(1)
	if p.failing.Load() {
		return Placement{}, errors.New("parameter store unreachable")
	}
	return p.inner.AccountPlacement(ctx, accountID)
}

func TestRouter_PublicAccountUsesSharedTable(t *testing.T) {
	shared := store.NewMemoryStore("flowforge")
	params := NewStaticParameterStore(nil)
	r := NewRouter(params, shared, "flowforge", nil)

	route, err := r.Resolve(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.False(t, route.IsPrivate)
	assert.Equal(t, "flowforge", route.Table)
	assert.Equal(t, "ACCOUNT#acct-1", route.PartitionKey("BUILD_JOB", "acct-1"))
}

func TestRouter_PrivateAccountGetsDedicatedTable(t *testing.T) {
	shared := store.NewMemoryStore("flowforge")
	params := NewStaticParameterStore(map[string]Placement{
		"acct-priv": {CloudType: CloudPrivate, DedicatedTable: "flowforge-acct-priv"},
	})

	var opened []string
	opener := func(table string) (store.ItemStore, error) {
		opened = append(opened, table)
		return store.NewMemoryStore(table), nil
	}
	r := NewRouter(params, shared, "flowforge", opener)

	route, err := r.Resolve(context.Background(), "acct-priv")
	require.NoError(t, err)

	assert.True(t, route.IsPrivate)
	assert.Equal(t, "flowforge-acct-priv", route.Table)
	assert.NotSame(t, shared, route.Store)
	assert.Equal(t, "BUILD_JOB#LIST", route.PartitionKey("BUILD_JOB", "acct-priv"))

	// The dedicated handle is reused on subsequent resolutions.
	r.Invalidate("acct-priv")
	_, err = r.Resolve(context.Background(), "acct-priv")
	require.NoError(t, err)
	assert.Equal(t, []string{"flowforge-acct-priv"}, opened)
}

func TestRouter_PrivateWithoutOpenerIsUnavailable(t *testing.T) {
	params := NewStaticParameterStore(map[string]Placement{
		"acct-priv": {CloudType: CloudPrivate, DedicatedTable: "flowforge-acct-priv"},
	})
	r := NewRouter(params, store.NewMemoryStore("flowforge"), "flowforge", nil)

	_, err := r.Resolve(context.Background(), "acct-priv")
	assert.ErrorIs(t, err, ErrRouteUnavailable)
}

func TestRouter_PrivateWithoutTableNameIsUnavailable(t *testing.T) {
	params := NewStaticParameterStore(map[string]Placement{
		"acct-priv": {CloudType: CloudPrivate},
	})
	opener := func(table string) (store.ItemStore, error) {
		return store.NewMemoryStore(table), nil
	}
	r := NewRouter(params, store.NewMemoryStore("flowforge"), "flowforge", opener)

	_, err := r.Resolve(context.Background(), "acct-priv")
	assert.ErrorIs(t, err, ErrRouteUnavailable)
}

func TestRouter_LookupFailureFallsBackForUnknownAccounts(t *testing.T) {
	params := &flakyParams{inner: NewStaticParameterStore(nil)}
	params.failing.Store(true)
	r := NewRouter(params, store.NewMemoryStore("flowforge"), "flowforge", nil)

	// Never-seen account: degrade to the shared table rather than failing.
	route, err := r.Resolve(context.Background(), "acct-new")
	require.NoError(t, err)
	assert.False(t, route.IsPrivate)
}

func TestRouter_KnownPrivateNeverDowngrades(t *testing.T) {
	params := &flakyParams{inner: NewStaticParameterStore(map[string]Placement{
		"acct-priv": {CloudType: CloudPrivate, DedicatedTable: "flowforge-acct-priv"},
	})}
	opener := func(table string) (store.ItemStore, error) {
		return store.NewMemoryStore(table), nil
	}

	clk := time.Now()
	r := NewRouter(params, store.NewMemoryStore("flowforge"), "flowforge", opener,
		WithCacheTTL(time.Minute), WithClock(func() time.Time { return clk }))

	route, err := r.Resolve(context.Background(), "acct-priv")
	require.NoError(t, err)
	require.True(t, route.IsPrivate)

	// Expire the cache, then break the parameter store. The stale entry
	// proves the account is dedicated, so the router must refuse to serve
	// the shared table.
	clk = clk.Add(2 * time.Minute)
	params.failing.Store(true)

	_, err = r.Resolve(context.Background(), "acct-priv")
	assert.ErrorIs(t, err, ErrRouteUnavailable)
}

func TestRouter_CacheBoundsParameterLookups(t *testing.T) {
	params := &flakyParams{inner: NewStaticParameterStore(nil)}

	clk := time.Now()
	r := NewRouter(params, store.NewMemoryStore("flowforge"), "flowforge", nil,
		WithCacheTTL(time.Minute), WithClock(func() time.Time { return clk }))

	for i := 0; i < 10; i++ {
		_, err := r.Resolve(context.Background(), "acct-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), params.calls.Load())

	// TTL expiry forces one refresh.
	clk = clk.Add(2 * time.Minute)
	_, err := r.Resolve(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), params.calls.Load())
}

func TestRouter_InvalidateForcesRefresh(t *testing.T) {
	params := &flakyParams{inner: NewStaticParameterStore(nil)}
	r := NewRouter(params, store.NewMemoryStore("flowforge"), "flowforge", nil)

	_, err := r.Resolve(context.Background(), "acct-1")
	require.NoError(t, err)
	r.Invalidate("acct-1")
	_, err = r.Resolve(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.Equal(t, int64(2), params.calls.Load())
}

func TestStoreParameterStore_ReadsAccountMetadata(t *testing.T) {
	ctx := context.Background()
	control := store.NewMemoryStore("flowforge")
	require.NoError(t, control.Put(ctx, store.Item{
		store.AttrPK:     "ACCOUNT#acct-priv",
		store.AttrSK:     store.MetadataSK,
		"cloudType":      "private",
		"dedicatedTable": "flowforge-acct-priv",
	}))
	require.NoError(t, control.Put(ctx, store.Item{
		store.AttrPK: "ACCOUNT#acct-pub",
		store.AttrSK: store.MetadataSK,
	}))

	ps := NewStoreParameterStore(control)

	pl, err := ps.AccountPlacement(ctx, "acct-priv")
	require.NoError(t, err)
	assert.Equal(t, CloudPrivate, pl.CloudType)
	assert.Equal(t, "flowforge-acct-priv", pl.DedicatedTable)

	// Missing cloudType defaults to public.
	pl, err = ps.AccountPlacement(ctx, "acct-pub")
	require.NoError(t, err)
	assert.Equal(t, CloudPublic, pl.CloudType)

	_, err = ps.AccountPlacement(ctx, "acct-missing")
	assert.Error(t, err)
}
