package engine

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"conductor/core"
)

// RuleProvider loads the enabled rules for a tenant. Implemented by storage.
type RuleProvider interface {
	GetEnabledRules(ctx context.Context, tenantID string) ([]core.Rule, error)
}

// RuleCache caches each tenant's enabled rule set in front of storage so the
// event hot path does not hit the database per trigger. Entries expire on
// their own; rule writes call Invalidate for immediate consistency on the
// node that served the write.
type RuleCache struct {
	provider RuleProvider
	cache    *expirable.LRU[string, []core.Rule]
}

// NewRuleCache creates a rule cache holding up to size tenants for ttl.
func NewRuleCache(provider RuleProvider, size int, ttl time.Duration) *RuleCache {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RuleCache{
		provider: provider,
		cache:    expirable.NewLRU[string, []core.Rule](size, nil, ttl),
	}
}

// GetEnabledRules returns the tenant's enabled rules, from cache when fresh.
func (c *RuleCache) GetEnabledRules(ctx context.Context, tenantID string) ([]core.Rule, error) {
	if rules, ok := c.cache.Get(tenantID); ok {
		return rules, nil
	}
	rules, err := c.provider.GetEnabledRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(tenantID, rules)
	return rules, nil
}

// Invalidate drops the tenant's cached rule set after a rule write.
func (c *RuleCache) Invalidate(tenantID string) {
	c.cache.Remove(tenantID)
}
