package auth

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisBucket(t *testing.T) Bucket {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBucket(rdb, "test:attempts:")
}

func TestRedisBucketLockout(t *testing.T) {
	b := newTestRedisBucket(t)

	require.False(t, b.LockedOut("client-1", 3, time.Minute))
	b.RecordFailure("client-1")
	b.RecordFailure("client-1")
	require.False(t, b.LockedOut("client-1", 3, time.Minute))
	b.RecordFailure("client-1")
	require.True(t, b.LockedOut("client-1", 3, time.Minute))

	b.Clear("client-1")
	require.False(t, b.LockedOut("client-1", 3, time.Minute))
}
