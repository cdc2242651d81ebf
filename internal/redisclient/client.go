package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/set_stock.lua
var setStockScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	stockTTL      time.Duration
	stockScript   *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, stockTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		stockTTL:      stockTTL,
		stockScript:   redis.NewScript(setStockScript),
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// SetAvailableKeys caches the available key count of a product. Counts
// observed earlier than the cached one are dropped by the script, so racing
// writers cannot roll the cache back.
func (c *Client) SetAvailableKeys(ctx context.Context, productID int64, available int, observedAt time.Time) error {
	_, err := c.stockScript.Run(ctx, c.rdb, []string{stockKey(productID)},
		available, observedAt.UnixNano(), c.stockTTL.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("set stock script failed: %w", err)
	}
	return nil
}

// GetAvailableKeys reads the cached available key count; ok is false on a miss
func (c *Client) GetAvailableKeys(ctx context.Context, productID int64) (available int, ok bool, err error) {
	val, err := c.rdb.HGet(ctx, stockKey(productID), "available").Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	available, err = strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("invalid cached stock %q: %w", val, err)
	}
	return available, true, nil
}

// InvalidateStock drops the cached count of a product
func (c *Client) InvalidateStock(ctx context.Context, productID int64) error {
	return c.rdb.Del(ctx, stockKey(productID)).Err()
}

// AcquireLock takes a named lock for ttl. The returned token must be passed
// to ReleaseLock; ok is false when another owner holds the lock.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.New().String()
	ok, err = c.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseLock releases a lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, name, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(name)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
