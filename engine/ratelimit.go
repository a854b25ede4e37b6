package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"conductor/core"
	"conductor/metrics"
)

// Rate-limit denial reasons, recorded as execution skip reasons.
const (
	DenyReasonCooldown = "cooldown"
	DenyReasonDailyCap = "daily limit reached"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	Reason  string
}

// CounterStore tracks successful executions per rule per calendar day. The
// day key is computed in the rule's timezone by the limiter.
type CounterStore interface {
	SuccessCount(ctx context.Context, tenantID, ruleID, day string) (int, error)
	IncrSuccess(ctx context.Context, tenantID, ruleID, day string) error
}

// MemoryCounterStore is the single-node default. Old day buckets are dropped
// lazily when a new day is first written.
type MemoryCounterStore struct {
	mu     sync.Mutex
	counts map[string]int // key: tenant/rule/day
	days   map[string]string
}

// NewMemoryCounterStore creates an in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counts: make(map[string]int),
		days:   make(map[string]string),
	}
}

func counterKey(tenantID, ruleID, day string) string {
	return tenantID + "/" + ruleID + "/" + day
}

// SuccessCount returns today's successful execution count for a rule.
func (s *MemoryCounterStore) SuccessCount(_ context.Context, tenantID, ruleID, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[counterKey(tenantID, ruleID, day)], nil
}

// IncrSuccess increments today's count and evicts the rule's previous day.
func (s *MemoryCounterStore) IncrSuccess(_ context.Context, tenantID, ruleID, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ruleKey := tenantID + "/" + ruleID
	if prev, ok := s.days[ruleKey]; ok && prev != day {
		delete(s.counts, counterKey(tenantID, ruleID, prev))
	}
	s.days[ruleKey] = day
	s.counts[counterKey(tenantID, ruleID, day)]++
	return nil
}

// RedisCounterStore shares day-cap counters across nodes. Keys expire after
// two days so stale buckets clean themselves up.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore creates a Redis-backed counter store.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: "conductor:ratelimit"}
}

func (s *RedisCounterStore) redisKey(tenantID, ruleID, day string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, tenantID, ruleID, day)
}

// SuccessCount returns today's count, zero for a missing key.
func (s *RedisCounterStore) SuccessCount(ctx context.Context, tenantID, ruleID, day string) (int, error) {
	val, err := s.client.Get(ctx, s.redisKey(tenantID, ruleID, day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit counter: %w", err)
	}
	return val, nil
}

// IncrSuccess atomically increments today's count and refreshes the TTL.
func (s *RedisCounterStore) IncrSuccess(ctx context.Context, tenantID, ruleID, day string) error {
	key := s.redisKey(tenantID, ruleID, day)
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return nil
}

// RateLimiter enforces per-rule cooldown and daily execution caps. The
// check-then-increment is made atomic per rule with a reservation: Reserve
// counts the in-flight execution against the cap before it runs, and the
// caller settles the reservation with Commit or Release once the outcome is
// known. Two concurrent triggers against a cap of one can therefore never
// both pass.
type RateLimiter struct {
	store  CounterStore
	logger *zap.SugaredLogger

	mu      sync.Mutex
	lastRun map[string]time.Time // rule key -> last committed execution
	pending map[string]int       // rule key + day -> reserved slots
}

// NewRateLimiter creates a rate limiter over the given counter store.
func NewRateLimiter(store CounterStore, logger *zap.SugaredLogger) *RateLimiter {
	return &RateLimiter{
		store:   store,
		logger:  logger,
		lastRun: make(map[string]time.Time),
		pending: make(map[string]int),
	}
}

// Reservation is a claimed execution slot. Exactly one of Commit or Release
// must be called.
type Reservation struct {
	rl      *RateLimiter
	rule    *core.Rule
	day     string
	now     time.Time
	settled bool
}

// Reserve checks cooldown and the daily cap for the rule at the given time.
// On denial the returned reservation is nil and the decision carries the
// reason; a denial is a normal Skipped outcome, not an error.
func (rl *RateLimiter) Reserve(ctx context.Context, rule *core.Rule, now time.Time) (*Reservation, Decision, error) {
	day := now.In(rule.Location()).Format("2006-01-02")
	ruleKey := rule.TenantID + "/" + rule.ID
	dayKey := counterKey(rule.TenantID, rule.ID, day)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rule.CooldownSeconds > 0 {
		last := rl.effectiveLastRun(ruleKey, rule)
		if !last.IsZero() && now.Sub(last) < rule.Cooldown() {
			metrics.RateLimitDenials.WithLabelValues("cooldown").Inc()
			return nil, Decision{Allowed: false, Reason: DenyReasonCooldown}, nil
		}
	}

	if rule.MaxExecutionsPerDay > 0 {
		count, err := rl.store.SuccessCount(ctx, rule.TenantID, rule.ID, day)
		if err != nil {
			return nil, Decision{}, err
		}
		if count+rl.pending[dayKey] >= rule.MaxExecutionsPerDay {
			metrics.RateLimitDenials.WithLabelValues("daily_cap").Inc()
			return nil, Decision{Allowed: false, Reason: DenyReasonDailyCap}, nil
		}
		rl.pending[dayKey]++
	}

	return &Reservation{rl: rl, rule: rule, day: day, now: now}, Decision{Allowed: true}, nil
}

// effectiveLastRun merges the limiter's own view with the persisted
// LastExecutedAt so cooldowns survive restarts. Callers hold rl.mu.
func (rl *RateLimiter) effectiveLastRun(ruleKey string, rule *core.Rule) time.Time {
	last := rl.lastRun[ruleKey]
	if rule.LastExecutedAt != nil && rule.LastExecutedAt.After(last) {
		last = *rule.LastExecutedAt
	}
	return last
}

// Commit settles the reservation after the action ran. Both success and
// failure start the cooldown clock; only success counts against the daily cap.
func (r *Reservation) Commit(ctx context.Context, success bool) {
	if r == nil || r.settled {
		return
	}
	r.settled = true

	// Persist the success before dropping the reserved slot so the cap never
	// briefly under-counts between the two steps.
	if success && r.rule.MaxExecutionsPerDay > 0 {
		if err := r.rl.store.IncrSuccess(ctx, r.rule.TenantID, r.rule.ID, r.day); err != nil {
			r.rl.logger.Errorw("Failed to record rate limit success",
				"rule_id", r.rule.ID, "tenant_id", r.rule.TenantID, "error", err)
		}
	}

	r.rl.mu.Lock()
	r.releasePendingLocked()
	ruleKey := r.rule.TenantID + "/" + r.rule.ID
	if r.now.After(r.rl.lastRun[ruleKey]) {
		r.rl.lastRun[ruleKey] = r.now
	}
	r.rl.mu.Unlock()
}

// Release settles the reservation without an execution (conditions evaluated
// false). Neither the cooldown nor the daily cap is touched.
func (r *Reservation) Release() {
	if r == nil || r.settled {
		return
	}
	r.settled = true
	r.rl.mu.Lock()
	r.releasePendingLocked()
	r.rl.mu.Unlock()
}

// releasePendingLocked drops the reserved slot. Callers hold rl.mu.
func (r *Reservation) releasePendingLocked() {
	if r.rule.MaxExecutionsPerDay <= 0 {
		return
	}
	dayKey := counterKey(r.rule.TenantID, r.rule.ID, r.day)
	if r.rl.pending[dayKey] > 1 {
		r.rl.pending[dayKey]--
	} else {
		delete(r.rl.pending, dayKey)
	}
}
