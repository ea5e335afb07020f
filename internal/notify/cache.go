package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vendornexus/backend/internal/database"
)

// unreadTTL is deliberately tiny: the cache only absorbs dashboard polling
// bursts, the database stays authoritative.
const unreadTTL = 2 * time.Second

// Cache is the unread-count side cache. Implementations must be safe to
// skip: a miss or an error just means a database read.
type Cache interface {
	GetUnread(ctx context.Context, userID string) (database.UnreadCounts, bool)
	SetUnread(ctx context.Context, userID string, counts database.UnreadCounts)
	Invalidate(ctx context.Context, userID string)
}

// RedisCache caches unread counts in Redis.
type RedisCache struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedisCache connects and pings.
func NewRedisCache(ctx context.Context, addr, password string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{
		client: client,
		logger: log.New(log.Writer(), "[RedisCache] ", log.LstdFlags),
	}, nil
}

func unreadKey(userID string) string { return "nexus:unread:" + userID }

func (c *RedisCache) GetUnread(ctx context.Context, userID string) (database.UnreadCounts, bool) {
	raw, err := c.client.Get(ctx, unreadKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Printf("get %s: %v", userID, err)
		}
		return database.UnreadCounts{}, false
	}
	var counts database.UnreadCounts
	if err := json.Unmarshal(raw, &counts); err != nil {
		return database.UnreadCounts{}, false
	}
	return counts, true
}

func (c *RedisCache) SetUnread(ctx context.Context, userID string, counts database.UnreadCounts) {
	raw, err := json.Marshal(counts)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, unreadKey(userID), raw, unreadTTL).Err(); err != nil {
		c.logger.Printf("set %s: %v", userID, err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, unreadKey(userID)).Err(); err != nil {
		c.logger.Printf("invalidate %s: %v", userID, err)
	}
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error { return c.client.Close() }

var _ Cache = (*RedisCache)(nil)
