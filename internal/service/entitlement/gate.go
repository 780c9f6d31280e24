// Package entitlement answers whether a user has unlimited chat usage.
package entitlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Gate reports whether userID is entitled to unlimited messages.
type Gate interface {
	IsUnlimited(ctx context.Context, userID string) (bool, error)
}

// StaticGate keeps the premium user set in memory.
type StaticGate struct {
	mu    sync.RWMutex
	users map[string]struct{}
}

// NewStaticGate returns a gate that treats userIDs as unlimited.
func NewStaticGate(userIDs ...string) *StaticGate {
	g := &StaticGate{users: make(map[string]struct{}, len(userIDs))}
	for _, id := range userIDs {
		g.users[id] = struct{}{}
	}
	return g
}

func (g *StaticGate) IsUnlimited(_ context.Context, userID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.users[userID]
	return ok, nil
}

// SetUnlimited grants or revokes unlimited usage for userID.
func (g *StaticGate) SetUnlimited(userID string, unlimited bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if unlimited {
		g.users[userID] = struct{}{}
		return
	}
	delete(g.users, userID)
}

// DefaultRedisKey is the set holding unlimited user ids.
const DefaultRedisKey = "entitlements:unlimited"

// RedisGate checks membership of a Redis set that the purchase backend maintains.
type RedisGate struct {
	rdb *redis.Client
	key string
}

// NewRedisGate returns a gate reading key. An empty key selects DefaultRedisKey.
func NewRedisGate(rdb *redis.Client, key string) *RedisGate {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisGate{rdb: rdb, key: key}
}

func (g *RedisGate) IsUnlimited(ctx context.Context, userID string) (bool, error) {
	ok, err := g.rdb.SIsMember(ctx, g.key, userID).Result()
	if err != nil {
		return false, fmt.Errorf("check entitlement: %w", err)
	}
	return ok, nil
}

// Grant marks userID as unlimited.
func (g *RedisGate) Grant(ctx context.Context, userID string) error {
	return g.rdb.SAdd(ctx, g.key, userID).Err()
}

// Revoke removes unlimited usage from userID.
func (g *RedisGate) Revoke(ctx context.Context, userID string) error {
	return g.rdb.SRem(ctx, g.key, userID).Err()
}
