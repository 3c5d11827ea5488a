// Package resumestore holds the durable mapping from resume token to
// in-flight transfer, surviving process restarts so a client can
// reattach to a partial upload.
package resumestore

import (
	"context"
	"sort"
	"time"

	"github.com/mysqlbak/transfer/internal/wire"
)

// DefaultTTL is the default resume-token lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// Entry is one durable transfer record.
type Entry struct {
	Token           string
	TransferID      string
	Descriptor      wire.FileDescriptor
	ChunkSize       int64 // the chunking policy's chunk size, required to rebuild Policy on Restore
	StagingDir      string
	CompletedChunks []int
	Completed       bool
	CreatedAt       time.Time
	LastActivity    time.Time
}

func (e Entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastActivity) > ttl
}

// Store is the durable token<->transfer index. Add, MarkCompleted and
// AppendCompletedChunk must be durable (fsync-equivalent); TouchActivity
// and PurgeExpired have no such requirement.
type Store interface {
	Add(ctx context.Context, e Entry) error
	GetByToken(ctx context.Context, token string) (Entry, error)
	GetByTransferID(ctx context.Context, transferID string) (Entry, error)
	AppendCompletedChunk(ctx context.Context, token string, index int, size int64, digest string) error
	MarkCompleted(ctx context.Context, token string) error
	TouchActivity(ctx context.Context, token string) error
	PurgeExpired(ctx context.Context, ttl time.Duration) (int, error)
}

func sortedCopy(indices []int) []int {
	out := append([]int(nil), indices...)
	sort.Ints(out)
	return out
}

func containsInt(indices []int, v int) bool {
	for _, x := range indices {
		if x == v {
			return true
		}
	}
	return false
}
