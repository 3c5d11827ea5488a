package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBucket is a FailedAttemptBucket backed by Redis, letting the
// lockout state be shared across more than one TransferServer process.
// Each clientId maps to a hash of {count, firstAt, lastAt}; PurgeIdle
// scans the prefix and deletes idle buckets, and every key also carries
// a 24-hour TTL as a backstop when no sweep runs.
type redisBucket struct {
	rdb    *redis.Client
	prefix string
	ctx    context.Context
}

// NewRedisBucket returns a Bucket backed by the given Redis client.
// keyPrefix namespaces the keys (e.g. "transfer:auth:attempts:").
func NewRedisBucket(rdb *redis.Client, keyPrefix string) Bucket {
	return &redisBucket{rdb: rdb, prefix: keyPrefix, ctx: context.Background()}
}

func (b *redisBucket) key(clientID string) string {
	return fmt.Sprintf("%s%s", b.prefix, clientID)
}

func (b *redisBucket) RecordFailure(clientID string) {
	key := b.key(clientID)
	now := time.Now().Unix()
	pipe := b.rdb.TxPipeline()
	pipe.HIncrBy(b.ctx, key, "count", 1)
	pipe.HSetNX(b.ctx, key, "firstAt", now)
	pipe.HSet(b.ctx, key, "lastAt", now)
	// Backstop TTL: the key is evicted even if no PurgeIdle sweep runs.
	pipe.Expire(b.ctx, key, 24*time.Hour)
	_, _ = pipe.Exec(b.ctx)
}

func (b *redisBucket) Clear(clientID string) {
	b.rdb.Del(b.ctx, b.key(clientID))
}

func (b *redisBucket) LockedOut(clientID string, maxAttempts int, lockoutDuration time.Duration) bool {
	vals, err := b.rdb.HMGet(b.ctx, b.key(clientID), "count", "lastAt").Result()
	if err != nil || len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return false
	}
	count, ok1 := toInt64(vals[0])
	lastAt, ok2 := toInt64(vals[1])
	if !ok1 || !ok2 {
		return false
	}
	return count >= int64(maxAttempts) && time.Since(time.Unix(lastAt, 0)) < lockoutDuration
}

// PurgeIdle deletes every bucket under the prefix whose last failure
// is older than idleThreshold.
func (b *redisBucket) PurgeIdle(idleThreshold time.Duration) {
	cutoff := time.Now().Add(-idleThreshold).Unix()
	iter := b.rdb.Scan(b.ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(b.ctx) {
		key := iter.Val()
		lastAt, err := b.rdb.HGet(b.ctx, key, "lastAt").Int64()
		if err == nil && lastAt < cutoff {
			b.rdb.Del(b.ctx, key)
		}
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case string:
		var n int64
		if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
			return 0, false
		}
		return n, true
	case int64:
		return t, true
	default:
		return 0, false
	}
}
