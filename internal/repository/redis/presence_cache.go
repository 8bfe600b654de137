package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/client"
	"realtime-service/internal/models"
	"realtime-service/internal/util"
)

const (
	sessionKeyPrefix = "session:"
	loginFailPrefix  = "login_failures:"
	activeUsersZSet  = "active_users"
)

// PresenceCache is the hot-path Redis layer: token-keyed session lookups,
// login failure counters, and a recency-scored sorted set of active users.
// Everything here is reconstructible from Scylla; the cache only buys speed.
type PresenceCache struct {
	client *client.RedisClient
}

func NewPresenceCache(redisClient *client.RedisClient) *PresenceCache {
	return &PresenceCache{client: redisClient}
}

// ===================== session cache =====================

// CacheSession stores the session keyed by token with a TTL matching the
// session expiry, so stale cache entries age out on their own.
func (c *PresenceCache) CacheSession(ctx context.Context, session *models.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return c.client.Set(ctx, sessionKeyPrefix+session.Token, payload, ttl)
}

// GetCachedSession returns (nil, nil) on a cache miss.
func (c *PresenceCache) GetCachedSession(ctx context.Context, token string) (*models.Session, error) {
	payload, err := c.client.Get(ctx, sessionKeyPrefix+token)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	session := &models.Session{}
	if err := json.Unmarshal([]byte(payload), session); err != nil {
		util.Warn("Dropping undecodable cached session", zap.Error(err))
		_ = c.client.Del(ctx, sessionKeyPrefix+token)
		return nil, nil
	}
	// Token is not part of the JSON payload, restore it from the key.
	session.Token = token
	return session, nil
}

func (c *PresenceCache) DropCachedSession(ctx context.Context, token string) error {
	return c.client.Del(ctx, sessionKeyPrefix+token)
}

// ===================== login failure counters =====================

// IncrLoginFailures bumps the rolling failure counter and returns the new
// count. The counter TTL resets on each failure.
func (c *PresenceCache) IncrLoginFailures(ctx context.Context, userID string, window time.Duration) (int64, error) {
	return c.client.IncrWithExpire(ctx, loginFailPrefix+userID, window)
}

func (c *PresenceCache) ResetLoginFailures(ctx context.Context, userID string) error {
	return c.client.Del(ctx, loginFailPrefix+userID)
}

// ===================== active user recency index =====================

// TouchActive records activity for the user at the given time.
func (c *PresenceCache) TouchActive(ctx context.Context, userID string, at time.Time) error {
	return c.client.ZAdd(ctx, activeUsersZSet, float64(at.Unix()), userID)
}

// ActiveUserIDs returns users active since the cutoff, most recent first.
func (c *PresenceCache) ActiveUserIDs(ctx context.Context, since time.Time, limit int64) ([]string, error) {
	return c.client.ZRevRangeByScore(ctx, activeUsersZSet, float64(since.Unix()), limit)
}

// CountActive returns how many users were active since the cutoff.
func (c *PresenceCache) CountActive(ctx context.Context, since time.Time) (int64, error) {
	return c.client.ZCount(ctx, activeUsersZSet, float64(since.Unix()))
}

// PruneActive drops index entries older than the cutoff.
func (c *PresenceCache) PruneActive(ctx context.Context, before time.Time) (int64, error) {
	return c.client.ZRemRangeByScore(ctx, activeUsersZSet, float64(before.Unix()))
}

func (c *PresenceCache) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}
