package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/plategate/vehicle-access-backend/internal/domain/policy"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/cache"
	"github.com/plategate/vehicle-access-backend/internal/testutil/fixtures"
)

type fakePolicyStore struct {
	calls    int
	policies []*policy.AccessPolicy
}

func (f *fakePolicyStore) ListActive(context.Context) ([]*policy.AccessPolicy, error) {
	f.calls++
	return f.policies, nil
}

func newTestCache(t *testing.T, store *fakePolicyStore, ttl time.Duration) (*cache.PolicyCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewPolicyCache(client, store, zaptest.NewLogger(t), ttl), mr
}

func curfew(t *testing.T) *policy.AccessPolicy {
	return fixtures.NewPolicyBuilder().
		WithWorkingDays(time.Monday, time.Tuesday).
		Build(t)
}

func TestActivePoliciesCachesStoreReads(t *testing.T) {
	ctx := context.Background()
	store := &fakePolicyStore{policies: []*policy.AccessPolicy{curfew(t)}}
	c, _ := newTestCache(t, store, time.Minute)

	first, err := c.ActivePolicies(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, store.calls)

	second, err := c.ActivePolicies(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 1, store.calls, "second read must hit the cache")
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].WorkingDays, second[0].WorkingDays)
}

func TestActivePoliciesTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := &fakePolicyStore{policies: []*policy.AccessPolicy{curfew(t)}}
	c, mr := newTestCache(t, store, time.Second)

	_, err := c.ActivePolicies(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = c.ActivePolicies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls, "expired entry must reload from the store")
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	store := &fakePolicyStore{policies: []*policy.AccessPolicy{curfew(t)}}
	c, _ := newTestCache(t, store, time.Minute)

	_, err := c.ActivePolicies(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx))

	store.policies = append(store.policies, curfew(t))
	refreshed, err := c.ActivePolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, refreshed, 2)
	assert.Equal(t, 2, store.calls)
}

func TestRedisDownFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := &fakePolicyStore{policies: []*policy.AccessPolicy{curfew(t)}}
	c, mr := newTestCache(t, store, time.Minute)
	mr.Close()

	policies, err := c.ActivePolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 1)
	assert.Equal(t, 1, store.calls)
}
