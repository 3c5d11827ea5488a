package chunkmanager

import (
	"sort"
	"time"

	"github.com/mysqlbak/transfer/internal/wire"
)

// session is per-transfer server-side state. Mutations are guarded by
// Manager.mu, but holding time is limited to pointer/field operations;
// the actual chunk I/O happens outside the lock.
type session struct {
	transferID      string
	descriptor      wire.FileDescriptor
	policy          Policy
	stagingDir      string
	completedChunks map[int]struct{}
	lastActivity    time.Time
	terminal        bool
	resumeToken     string
}

func newSession(transferID, stagingDir string, descriptor wire.FileDescriptor, policy Policy) *session {
	return &session{
		transferID:      transferID,
		descriptor:      descriptor,
		policy:          policy,
		stagingDir:      stagingDir,
		completedChunks: make(map[int]struct{}),
		lastActivity:    time.Now(),
	}
}

// completeSet returns the sorted slice of completed chunk indices.
func (s *session) completeSet() []int {
	out := make([]int, 0, len(s.completedChunks))
	for idx := range s.completedChunks {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// isFullyComplete is the authoritative completion signal: the full
// expected-count check, in contrast to the coincidental per-ingest
// isComplete hint computed alongside a single chunk write.
func (s *session) isFullyComplete() bool {
	return int64(len(s.completedChunks)) == s.policy.ChunkCount
}
