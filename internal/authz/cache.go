package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultDecisionTTL bounds how long a cached decision may serve reads.
const DefaultDecisionTTL = 300 * time.Second

const userVersionPrefix = "authz:uver:"

// DecisionCache is a read-through decorator around a Checker. Keys embed a
// per-user version counter, so evicting a user is a single INCR that
// invalidates every cached entry for that user at once. Cache failures fall
// through to the inner resolver: a freshly computed decision is always
// authoritative, and a broken cache can never produce an allow.
type DecisionCache struct {
	inner  Checker
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewDecisionCache wraps the inner checker with a Redis read-through cache.
func NewDecisionCache(inner Checker, client *redis.Client, ttl time.Duration, logger *slog.Logger) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	return &DecisionCache{inner: inner, client: client, ttl: ttl, logger: logger}
}

// Check serves the decision from cache when possible, computing and storing
// it otherwise. Concurrent identical misses are collapsed to one inner call.
func (c *DecisionCache) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	key, ok := c.checkKey(ctx, req)
	if !ok {
		return c.inner.Check(ctx, req)
	}

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var dec Decision
		if err := json.Unmarshal(payload, &dec); err == nil {
			return dec, nil
		}
		c.warn("decode cached decision", key, err)
	} else if err != redis.Nil {
		c.warn("cache get", key, err)
		return c.inner.Check(ctx, req)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		dec, err := c.inner.Check(ctx, req)
		if err != nil {
			return dec, err
		}
		raw, mErr := json.Marshal(dec)
		if mErr != nil {
			return dec, nil
		}
		if sErr := c.client.Set(ctx, key, raw, c.ttl).Err(); sErr != nil {
			c.warn("cache set", key, sErr)
		}
		return dec, nil
	})
	dec, _ := v.(Decision)
	return dec, err
}

// ListPermissions serves the user's permission union from cache when possible.
func (c *DecisionCache) ListPermissions(ctx context.Context, userID, organizationID string) ([]string, error) {
	ver, err := c.userVersion(ctx, userID)
	if err != nil {
		c.warn("user version", userID, err)
		return c.inner.ListPermissions(ctx, userID, organizationID)
	}
	key := fmt.Sprintf("authz:v%d:perms:%s:%s", ver, userID, organizationID)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var names []string
		if err := json.Unmarshal(payload, &names); err == nil {
			return names, nil
		}
		c.warn("decode cached permissions", key, err)
	} else if err != redis.Nil {
		c.warn("cache get", key, err)
		return c.inner.ListPermissions(ctx, userID, organizationID)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		names, err := c.inner.ListPermissions(ctx, userID, organizationID)
		if err != nil {
			return nil, err
		}
		if raw, mErr := json.Marshal(names); mErr == nil {
			if sErr := c.client.Set(ctx, key, raw, c.ttl).Err(); sErr != nil {
				c.warn("cache set", key, sErr)
			}
		}
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	names, _ := v.([]string)
	return names, nil
}

// EvictUser invalidates every cached entry for the user by bumping their
// version counter. The old keys age out via TTL.
func (c *DecisionCache) EvictUser(ctx context.Context, userID string) error {
	if err := c.client.Incr(ctx, userVersionPrefix+userID).Err(); err != nil {
		return fmt.Errorf("authz: evict user %s: %w", userID, err)
	}
	return nil
}

// EvictUsers invalidates cached entries for many users in one round trip.
func (c *DecisionCache) EvictUsers(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, id := range userIDs {
		pipe.Incr(ctx, userVersionPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("authz: evict %d users: %w", len(userIDs), err)
	}
	return nil
}

// userVersion returns the user's current cache version. Readers never write
// the counter: an absent counter reads as version zero, and only eviction
// INCRs move it. A counter written by a racing reader could land after a
// mutation's eviction and point cached entries back at a pre-eviction
// version; with INCR as the only write the counter is monotone.
func (c *DecisionCache) userVersion(ctx context.Context, userID string) (int64, error) {
	ver, err := c.client.Get(ctx, userVersionPrefix+userID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *DecisionCache) checkKey(ctx context.Context, req CheckRequest) (string, bool) {
	ver, err := c.userVersion(ctx, req.UserID)
	if err != nil {
		c.warn("user version", req.UserID, err)
		return "", false
	}
	parts := []string{
		fmt.Sprintf("authz:v%d:check", ver),
		req.UserID,
		req.OrganizationID,
		req.Permission,
	}
	if req.ResourceType != "" && req.ResourceID != "" {
		parts = append(parts, req.ResourceType, req.ResourceID)
	}
	return strings.Join(parts, ":"), true
}

func (c *DecisionCache) warn(msg, key string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, slog.String("key", key), slog.Any("error", err))
	}
}
