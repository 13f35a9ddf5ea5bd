package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/domain/policy"
)

const activePoliciesKey = "pgate:policies:active"

// PolicyStore is the source of truth the cache falls back to.
type PolicyStore interface {
	ListActive(ctx context.Context) ([]*policy.AccessPolicy, error)
}

// PolicyCache serves active policies from redis with a short TTL. Policy
// edits call Invalidate so reconciliation picks up changes immediately; the
// TTL only bounds staleness across processes. Redis being down degrades to
// reading the store directly.
type PolicyCache struct {
	client *redis.Client
	store  PolicyStore
	logger *zap.Logger
	ttl    time.Duration
}

func NewPolicyCache(client *redis.Client, store PolicyStore, logger *zap.Logger, ttl time.Duration) *PolicyCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PolicyCache{client: client, store: store, logger: logger, ttl: ttl}
}

// ActivePolicies returns cached active policies, loading and caching them on
// a miss.
func (c *PolicyCache) ActivePolicies(ctx context.Context) ([]*policy.AccessPolicy, error) {
	data, err := c.client.Get(ctx, activePoliciesKey).Bytes()
	if err == nil {
		var policies []*policy.AccessPolicy
		if err := json.Unmarshal(data, &policies); err == nil {
			return policies, nil
		}
		c.logger.Warn("corrupt policy cache entry, reloading", zap.Error(err))
	} else if err != redis.Nil {
		c.logger.Warn("policy cache read failed, falling back to store", zap.Error(err))
	}

	policies, err := c.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(policies); err == nil {
		if err := c.client.Set(ctx, activePoliciesKey, data, c.ttl).Err(); err != nil {
			c.logger.Warn("policy cache write failed", zap.Error(err))
		}
	}
	return policies, nil
}

// Invalidate drops the cached entry after a policy edit.
func (c *PolicyCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, activePoliciesKey).Err()
}
