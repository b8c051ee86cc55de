package governor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Quota windows.
const (
	MonthWindow = 30 * 24 * time.Hour
	HourWindow  = time.Hour
)

// Usage is a tenant's recent activity.
type Usage struct {
	Monthly int
	Hourly  int
	Active  int
}

// UsageStore tracks execution starts and active executions per tenant.
type UsageStore interface {
	Usage(ctx context.Context, tenantID string, now time.Time) (Usage, error)
	// Acquire records a start and takes an active slot unless maxActive slots
	// are already taken. maxActive <= 0 means no limit.
	Acquire(ctx context.Context, tenantID, executionID string, now time.Time, maxActive int) (bool, error)
	// Release frees an active slot.
	Release(ctx context.Context, tenantID string) error
}

// MemoryUsageStore is a UsageStore for a single process.
type MemoryUsageStore struct {
	mu      sync.Mutex
	tenants map[string]*tenantUsage
}

type tenantUsage struct {
	starts []time.Time
	active int
}

var _ UsageStore = (*MemoryUsageStore)(nil)

// NewMemoryUsageStore creates an empty store.
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{tenants: make(map[string]*tenantUsage)}
}

func (s *MemoryUsageStore) tenant(id string, now time.Time) *tenantUsage {
	t, ok := s.tenants[id]
	if !ok {
		t = &tenantUsage{}
		s.tenants[id] = t
	}
	cutoff := now.Add(-MonthWindow)
	kept := t.starts[:0]
	for _, at := range t.starts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.starts = kept
	return t
}

// Usage counts starts in the last month and hour.
func (s *MemoryUsageStore) Usage(_ context.Context, tenantID string, now time.Time) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(tenantID, now)
	hourAgo := now.Add(-HourWindow)
	u := Usage{Monthly: len(t.starts), Active: t.active}
	for _, at := range t.starts {
		if at.After(hourAgo) {
			u.Hourly++
		}
	}
	return u, nil
}

// Acquire records a start when a slot is free.
func (s *MemoryUsageStore) Acquire(_ context.Context, tenantID, _ string, now time.Time, maxActive int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(tenantID, now)
	if maxActive > 0 && t.active >= maxActive {
		return false, nil
	}
	t.active++
	t.starts = append(t.starts, now)
	return true, nil
}

// Release frees a slot.
func (s *MemoryUsageStore) Release(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[tenantID]; ok && t.active > 0 {
		t.active--
	}
	return nil
}

// RedisUsageStore shares usage between engine instances. Starts live in a
// sorted set scored by unix nanoseconds; the active count is a plain counter.
type RedisUsageStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ UsageStore = (*RedisUsageStore)(nil)

// acquireScript atomically checks the active counter, takes a slot and
// records the start.
var acquireScript = redis.NewScript(`
local active = tonumber(redis.call("GET", KEYS[2]) or "0")
local max = tonumber(ARGV[1])
if max > 0 and active >= max then
	return 0
end
redis.call("INCR", KEYS[2])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

var releaseScript = redis.NewScript(`
local active = tonumber(redis.call("GET", KEYS[1]) or "0")
if active > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// NewRedisUsageStore wraps client. keyPrefix defaults to "iopeer:".
func NewRedisUsageStore(client redis.UniversalClient, keyPrefix string) *RedisUsageStore {
	if keyPrefix == "" {
		keyPrefix = "iopeer:"
	}
	return &RedisUsageStore{client: client, keyPrefix: keyPrefix + "usage:"}
}

func (s *RedisUsageStore) startsKey(tenantID string) string {
	return s.keyPrefix + tenantID + ":starts"
}

func (s *RedisUsageStore) activeKey(tenantID string) string {
	return s.keyPrefix + tenantID + ":active"
}

// Usage reads the counts in one pipeline.
func (s *RedisUsageStore) Usage(ctx context.Context, tenantID string, now time.Time) (Usage, error) {
	monthAgo := strconv.FormatInt(now.Add(-MonthWindow).UnixNano(), 10)
	hourAgo := strconv.FormatInt(now.Add(-HourWindow).UnixNano(), 10)

	pipe := s.client.Pipeline()
	monthly := pipe.ZCount(ctx, s.startsKey(tenantID), "("+monthAgo, "+inf")
	hourly := pipe.ZCount(ctx, s.startsKey(tenantID), "("+hourAgo, "+inf")
	active := pipe.Get(ctx, s.activeKey(tenantID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("read usage for tenant %s: %w", tenantID, err)
	}

	u := Usage{Monthly: int(monthly.Val()), Hourly: int(hourly.Val())}
	if n, err := active.Int(); err == nil {
		u.Active = n
	}
	return u, nil
}

// Acquire runs the acquire script.
func (s *RedisUsageStore) Acquire(ctx context.Context, tenantID, executionID string, now time.Time, maxActive int) (bool, error) {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.startsKey(tenantID), s.activeKey(tenantID)},
		maxActive,
		now.UnixNano(),
		executionID,
		now.Add(-MonthWindow).UnixNano(),
		(MonthWindow + 24*time.Hour).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot for tenant %s: %w", tenantID, err)
	}
	return res == 1, nil
}

// Release runs the release script.
func (s *RedisUsageStore) Release(ctx context.Context, tenantID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.activeKey(tenantID)}).Err(); err != nil {
		return fmt.Errorf("release slot for tenant %s: %w", tenantID, err)
	}
	return nil
}
