package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Fi44er/custody_ledger/utils"
	"github.com/go-redis/redis/v8"
)

const balanceField = "balances"

// adjustScript changes the cached balance only while the session entry
// exists, so a stale value is never resurrected after expiry.
const adjustScript = `if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
end
return nil`

// BalanceCache is a read-through cache of available balance. It is never the
// source of truth.
type BalanceCache interface {
	Get(ctx context.Context, userID string) (int64, bool, error)
	Set(ctx context.Context, userID string, amount int64) error
	Adjust(ctx context.Context, userID string, delta int64) error
	Invalidate(ctx context.Context, userID string) error
}

type RedisBalanceCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *utils.Logger
}

func NewRedisBalanceCache(rdb *redis.Client, ttl time.Duration, logger *utils.Logger) *RedisBalanceCache {
	return &RedisBalanceCache{rdb: rdb, ttl: ttl, logger: logger}
}

func SessionKey(userID string) string {
	return userID + "::session"
}

func (c *RedisBalanceCache) Get(ctx context.Context, userID string) (int64, bool, error) {
	v, err := c.rdb.HGet(ctx, SessionKey(userID), balanceField).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cached balance: %w", err)
	}
	return v, true, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, userID string, amount int64) error {
	key := SessionKey(userID)
	if err := c.rdb.HSet(ctx, key, balanceField, amount).Err(); err != nil {
		return fmt.Errorf("failed to cache balance: %w", err)
	}
	if err := c.rdb.Expire(ctx, key, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache ttl: %w", err)
	}
	return nil
}

func (c *RedisBalanceCache) Adjust(ctx context.Context, userID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	err := c.rdb.Eval(ctx, adjustScript, []string{SessionKey(userID)}, balanceField, delta).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warnf("failed to adjust cached balance of %s: %v", userID, err)
		return c.Invalidate(ctx, userID)
	}
	return nil
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.rdb.HDel(ctx, SessionKey(userID), balanceField).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached balance: %w", err)
	}
	return nil
}

// NopBalanceCache is used when redis is not configured.
type NopBalanceCache struct{}

func (NopBalanceCache) Get(context.Context, string) (int64, bool, error) { return 0, false, nil }
func (NopBalanceCache) Set(context.Context, string, int64) error          { return nil }
func (NopBalanceCache) Adjust(context.Context, string, int64) error       { return nil }
func (NopBalanceCache) Invalidate(context.Context, string) error          { return nil }

// InitRedis connects to addr. It returns nil when redis is unreachable so the
// process can run without the cache.
func InitRedis(addr, password string, db int, logger *utils.Logger) *redis.Client {
	if addr == "" {
		logger.Warn("REDIS_ADDR not set, running without balance cache")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warnf("Redis connection failed, continuing without Redis: %v", err)
		return nil
	}

	logger.Info("✅ Redis connection established")
	return rdb
}
