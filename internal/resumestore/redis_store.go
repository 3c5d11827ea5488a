package resumestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mysqlbak/transfer/internal/errs"
	"github.com/redis/go-redis/v9"
)

// RedisStore is an optional Store backed by Redis, letting the resume
// index be shared across more than one TransferServer process. Redis's
// own AOF/RDB persistence stands in for the fsync-equivalent durability
// Add/MarkCompleted/AppendCompletedChunk require; this store's job is
// only to make those writes visible to every process before it returns.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore returns a Store backed by the given Redis client.
func NewRedisStore(rdb *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: keyPrefix}
}

func (s *RedisStore) tokenKey(token string) string { return s.prefix + "token:" + token }
func (s *RedisStore) xferKey(transferID string) string {
	return s.prefix + "xfer:" + transferID
}

func (s *RedisStore) load(ctx context.Context, token string) (Entry, error) {
	raw, err := s.rdb.Get(ctx, s.tokenKey(token)).Bytes()
	if err == redis.Nil {
		return Entry{}, errs.New(errs.KindNotFound, "ResumeStore.redis", fmt.Errorf("unknown token"))
	}
	if err != nil {
		return Entry{}, errs.New(errs.KindUnavail, "ResumeStore.redis", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, errs.New(errs.KindIntegrity, "ResumeStore.redis", err)
	}
	return e, nil
}

func (s *RedisStore) save(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errs.New(errs.KindInternal, "ResumeStore.redis", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.tokenKey(e.Token), raw, 0)
	pipe.Set(ctx, s.xferKey(e.TransferID), e.Token, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.New(errs.KindUnavail, "ResumeStore.redis", err)
	}
	return nil
}

func (s *RedisStore) Add(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.LastActivity.IsZero() {
		e.LastActivity = time.Now()
	}
	e.CompletedChunks = sortedCopy(e.CompletedChunks)
	return s.save(ctx, e)
}

func (s *RedisStore) GetByToken(ctx context.Context, token string) (Entry, error) {
	return s.load(ctx, token)
}

func (s *RedisStore) GetByTransferID(ctx context.Context, transferID string) (Entry, error) {
	token, err := s.rdb.Get(ctx, s.xferKey(transferID)).Result()
	if err == redis.Nil {
		return Entry{}, errs.New(errs.KindNotFound, "ResumeStore.redis", fmt.Errorf("unknown transferId"))
	}
	if err != nil {
		return Entry{}, errs.New(errs.KindUnavail, "ResumeStore.redis", err)
	}
	return s.load(ctx, token)
}

func (s *RedisStore) AppendCompletedChunk(ctx context.Context, token string, index int, size int64, digest string) error {
	e, err := s.load(ctx, token)
	if err != nil {
		return err
	}
	if !containsInt(e.CompletedChunks, index) {
		e.CompletedChunks = sortedCopy(append(e.CompletedChunks, index))
	}
	e.LastActivity = time.Now()
	return s.save(ctx, e)
}

func (s *RedisStore) MarkCompleted(ctx context.Context, token string) error {
	e, err := s.load(ctx, token)
	if err != nil {
		return err
	}
	e.Completed = true
	e.LastActivity = time.Now()
	return s.save(ctx, e)
}

func (s *RedisStore) TouchActivity(ctx context.Context, token string) error {
	e, err := s.load(ctx, token)
	if err != nil {
		return err
	}
	e.LastActivity = time.Now()
	return s.save(ctx, e)
}

// PurgeExpired scans keys under this store's prefix; callers that need
// this at scale should prefer Redis key TTLs set alongside save, but a
// scan keeps the Store interface uniform across backends.
func (s *RedisStore) PurgeExpired(ctx context.Context, ttl time.Duration) (int, error) {
	var cursor uint64
	purged := 0
	now := time.Now()
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"token:*", 100).Result()
		if err != nil {
			return purged, errs.New(errs.KindUnavail, "ResumeStore.redis.purge", err)
		}
		for _, k := range keys {
			token := k[len(s.prefix+"token:"):]
			e, err := s.load(ctx, token)
			if err != nil {
				continue
			}
			if e.expired(now, ttl) {
				s.rdb.Del(ctx, s.tokenKey(token), s.xferKey(e.TransferID))
				purged++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return purged, nil
}
