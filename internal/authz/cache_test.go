package authz

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingChecker struct {
	decision   Decision
	err        error
	names      []string
	checkCalls int
	listCalls  int
}

func (c *countingChecker) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	c.checkCalls++
	return c.decision, c.err
}

func (c *countingChecker) ListPermissions(ctx context.Context, userID, organizationID string) ([]string, error) {
	c.listCalls++
	return c.names, c.err
}

func newTestCache(t *testing.T, inner Checker, ttl time.Duration) (*DecisionCache, *miniredis.Miniredis, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewDecisionCache(inner, client, ttl, nil)
	return cache, mr, func() {
		_ = client.Close()
		mr.Close()
	}
}

func TestCachedCheckServesFromCache(t *testing.T) {
	inner := &countingChecker{decision: Decision{Granted: true, Reason: "granted via role \"Member\"", Source: SourceRole}}
	cache, _, cleanup := newTestCache(t, inner, time.Minute)
	defer cleanup()

	ctx := context.Background()
	req := CheckRequest{UserID: testUser, Permission: "meetings.read", OrganizationID: testOrg}

	first, err := cache.Check(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.checkCalls != 1 {
		t.Fatalf("expected 1 inner call, got %d", inner.checkCalls)
	}

	second, err := cache.Check(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.checkCalls != 1 {
		t.Fatalf("expected cache hit, inner called %d times", inner.checkCalls)
	}
	if first != second {
		t.Fatalf("cached decision differs: %+v vs %+v", first, second)
	}
}

func TestCachedCheckKeysIncludeResource(t *testing.T) {
	inner := &countingChecker{decision: Decision{Granted: true, Source: SourceRole}}
	cache, _, cleanup := newTestCache(t, inner, time.Minute)
	defer cleanup()

	ctx := context.Background()
	if _, err := cache.Check(ctx, CheckRequest{UserID: testUser, Permission: "meetings.read", OrganizationID: testOrg}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.Check(ctx, CheckRequest{UserID: testUser, Permission: "meetings.read", ResourceType: "meetings", ResourceID: "M1", OrganizationID: testOrg}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.checkCalls != 2 {
		t.Fatalf("resource-scoped check must not share the general key, inner calls %d", inner.checkCalls)
	}
}

func TestEvictUserInvalidatesDecisions(t *testing.T) {
	inner := &countingChecker{decision: Decision{Granted: true, Source: SourceRole}}
	cache, _, cleanup := newTestCache(t, inner, time.Minute)
	defer cleanup()

	ctx := context.Background()
	req := CheckRequest{UserID: testUser, Permission: "meetings.read", OrganizationID: testOrg}

	if _, err := cache.Check(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cache.EvictUser(ctx, testUser); err != nil {
		t.Fatalf("evict: %v", err)
	}

	// The inner decision changed while cached; eviction must expose it.
	inner.decision = Decision{Granted: false, Reason: "revoked", Source: SourceRole}
	decision, err := cache.Check(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Granted {
		t.Fatalf("expected fresh decision after eviction, got %+v", decision)
	}
	if inner.checkCalls != 2 {
		t.Fatalf("expected recompute after eviction, inner calls %d", inner.checkCalls)
	}
}

func TestEvictUsersBatch(t *testing.T) {
	inner := &countingChecker{decision: Decision{Granted: true, Source: SourceRole}}
	cache, _, cleanup := newTestCache(t, inner, time.Minute)
	defer cleanup()

	ctx := context.Background()
	users := []string{"user-a", "user-b", "user-c"}
	for _, u := range users {
		if _, err := cache.Check(ctx, CheckRequest{UserID: u, Permission: "meetings.read", OrganizationID: testOrg}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := cache.EvictUsers(ctx, users); err != nil {
		t.Fatalf("evict users: %v", err)
	}
	for _, u := range users {
		if _, err := cache.Check(ctx, CheckRequest{UserID: u, Permission: "meetings.read", OrganizationID: testOrg}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if inner.checkCalls != 6 {
		t.Fatalf("expected all three users recomputed, inner calls %d", inner.checkCalls)
	}
}

func TestCachedCheckTTLExpiry(t *testing.T) {
	inner := &countingChecker{decision: Decision{Granted: true, Source: SourceRole}}
	cache, mr, cleanup := newTestCache(t, inner, 300*time.Second)
	defer cleanup()

	ctx := context.Background()
	req := CheckRequest{UserID: testUser, Permission: "meetings.read", OrganizationID: testOrg}

	if _, err := cache.Check(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mr.FastForward(301 * time.Second)
	if _, err := cache.Check(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.checkCalls != 2 {
		t.Fatalf("expected recompute after TTL, inner calls %d", inner.checkCalls)
	}
}

func TestCachedCheckFallsThroughWhenRedisDown(t *testing.T) {
	inner := &countingChecker{decision: Decision{Granted: true, Source: SourceRole}}
	cache, mr, cleanup := newTestCache(t, inner, time.Minute)
	defer cleanup()

	mr.Close()

	decision, err := cache.Check(context.Background(), CheckRequest{UserID: testUser, Permission: "meetings.read", OrganizationID: testOrg})
	if err != nil {
		t.Fatalf("cache outage must not fail the check: %v", err)
	}
	if !decision.Granted {
		t.Fatalf("expected inner decision, got %+v", decision)
	}
	if inner.checkCalls != 1 {
		t.Fatalf("expected fall-through to inner, calls %d", inner.checkCalls)
	}
}

func TestCachedCheckDoesNotCacheErrors(t *testing.T) {
	inner := &countingChecker{decision: Decision{Granted: false, Source: SourceUnknown}, err: errBackend}
	cache, _, cleanup := newTestCache(t, inner, time.Minute)
	defer cleanup()

	ctx := context.Background()
	req := CheckRequest{UserID: testUser, Permission: "meetings.read", OrganizationID: testOrg}

	decision, err := cache.Check(ctx, req)
	if err == nil {
		t.Fatalf("expected backend error to surface")
	}
	if decision.Granted {
		t.Fatalf("expected fail-closed decision, got %+v", decision)
	}

	// The failed decision must not have been stored.
	inner.err = nil
	inner.decision = Decision{Granted: true, Source: SourceRole}
	decision, err = cache.Check(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Granted {
		t.Fatalf("expected recovery after backend returns, got %+v", decision)
	}
	if inner.checkCalls != 2 {
		t.Fatalf("expected recompute, inner calls %d", inner.checkCalls)
	}
}

func TestCheckLeavesVersionCounterToEvictions(t *testing.T) {
	inner := &countingChecker{decision: Decision{Granted: true, Source: SourceRole}}
	cache, mr, cleanup := newTestCache(t, inner, time.Minute)
	defer cleanup()

	ctx := context.Background()
	req := CheckRequest{UserID: testUser, Permission: "meetings.read", OrganizationID: testOrg}

	if _, err := cache.Check(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A read on a fresh user must not create the version counter. A
	// reader-written counter can land after a concurrent eviction's INCR
	// and resurrect entries cached before the eviction.
	if mr.Exists(userVersionPrefix + testUser) {
		t.Fatalf("read path wrote the version counter")
	}

	inner.decision = Decision{Granted: false, Reason: "revoked", Source: SourceRole}
	if err := cache.EvictUser(ctx, testUser); err != nil {
		t.Fatalf("evict: %v", err)
	}
	decision, err := cache.Check(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Granted {
		t.Fatalf("pre-eviction allow served after revocation: %+v", decision)
	}

	// Only evictions write the counter, so it moves strictly forward.
	if got, err := mr.Get(userVersionPrefix + testUser); err != nil || got != "1" {
		t.Fatalf("expected version counter 1, got %q (err %v)", got, err)
	}
	if err := cache.EvictUser(ctx, testUser); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if got, err := mr.Get(userVersionPrefix + testUser); err != nil || got != "2" {
		t.Fatalf("expected version counter 2, got %q (err %v)", got, err)
	}
}

func TestCachedListPermissions(t *testing.T) {
	inner := &countingChecker{names: []string{"meetings.read", "recordings.read"}}
	cache, _, cleanup := newTestCache(t, inner, time.Minute)
	defer cleanup()

	ctx := context.Background()
	first, err := cache.ListPermissions(ctx, testUser, testOrg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("unexpected names %v", first)
	}
	if _, err := cache.ListPermissions(ctx, testUser, testOrg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.listCalls != 1 {
		t.Fatalf("expected cached list, inner calls %d", inner.listCalls)
	}

	if err := cache.EvictUser(ctx, testUser); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if _, err := cache.ListPermissions(ctx, testUser, testOrg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.listCalls != 2 {
		t.Fatalf("expected recompute after eviction, inner calls %d", inner.listCalls)
	}
}
