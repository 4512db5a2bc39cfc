// Package voicecache manages the per-user cache of rendered voice replies.
package voicecache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 200

// Config holds Redis connection configuration.
type Config struct {
	URL       string
	KeyPrefix string
}

// Cache wraps the Redis operations on voice cache keys.
type Cache struct {
	rdb    redis.UniversalClient
	prefix string
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "voicecache: parse redis url")
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "voicecache: connect to redis")
	}
	return NewWithClient(rdb, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb redis.UniversalClient, prefix string) *Cache {
	if prefix == "" {
		prefix = "voice"
	}
	return &Cache{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Key returns the cache key of one rendered reply.
func (c *Cache) Key(userID, replyID string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, userID, replyID)
}

func (c *Cache) userPattern(userID string) string {
	return fmt.Sprintf("%s:%s:*", c.prefix, userID)
}

// Put stores a rendered reply.
func (c *Cache) Put(ctx context.Context, userID, replyID string, audio []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.Key(userID, replyID), audio, ttl).Err(); err != nil {
		return eris.Wrapf(err, "voicecache: set %s", replyID)
	}
	return nil
}

// Get returns a rendered reply, or nil when it is not cached.
func (c *Cache) Get(ctx context.Context, userID, replyID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.Key(userID, replyID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "voicecache: get %s", replyID)
	}
	return b, nil
}

// Invalidate deletes every cached reply of a user and returns how many keys
// were removed. It walks the keyspace with SCAN so Redis is never blocked.
func (c *Cache) Invalidate(ctx context.Context, userID string) (int, error) {
	pattern := c.userPattern(userID)
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return int(removed), eris.Wrapf(err, "voicecache: scan %s", pattern)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return int(removed), eris.Wrapf(err, "voicecache: del %d keys", len(keys))
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	zap.L().Debug("voicecache: invalidated",
		zap.String("user_id", userID),
		zap.Int64("keys", removed),
	)
	return int(removed), nil
}
