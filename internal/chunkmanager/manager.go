// Package chunkmanager owns per-transfer server-side state: chunk
// staging, reassembly, and the resume-token lifecycle.
package chunkmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mysqlbak/transfer/internal/checksum"
	"github.com/mysqlbak/transfer/internal/errs"
	"github.com/mysqlbak/transfer/internal/resumestore"
	"github.com/mysqlbak/transfer/internal/wire"
)

// stagingFileName returns the zero-padded staging filename for index,
// widening past six digits if the chunk count requires it so files
// still sort lexicographically by index.
func stagingFileName(index int, chunkCount int64) string {
	digits := 6
	for d := int64(1000000); chunkCount > d; d *= 10 {
		digits++
	}
	return fmt.Sprintf("chunk_%0*d.bin", digits, index)
}

// Manager owns the server's live TransferSessions.
type Manager struct {
	stagingRoot string
	resumes     resumestore.Store
	checksummer *checksum.Engine

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Manager rooted at stagingRoot.
func New(stagingRoot string, resumes resumestore.Store) *Manager {
	return &Manager{
		stagingRoot: stagingRoot,
		resumes:     resumes,
		checksummer: checksum.New(),
		sessions:    make(map[string]*session),
	}
}

// Begin allocates a fresh transferId, creates an exclusive staging
// directory, and inserts the session.
func (m *Manager) Begin(ctx context.Context, descriptor wire.FileDescriptor, chunkSize int64) (string, error) {
	transferID := uuid.NewString()
	stagingDir := filepath.Join(m.stagingRoot, transferID)
	if err := os.MkdirAll(m.stagingRoot, 0o755); err != nil {
		return "", errs.New(errs.KindInternal, "ChunkManager.begin", err)
	}
	if err := os.Mkdir(stagingDir, 0o755); err != nil {
		return "", errs.New(errs.KindInternal, "ChunkManager.begin", err)
	}

	policy := NewPolicy(descriptor.Size, chunkSize)
	sess := newSession(transferID, stagingDir, descriptor, policy)

	m.mu.Lock()
	m.sessions[transferID] = sess
	m.mu.Unlock()
	return transferID, nil
}

// Restore rehydrates session state from the ResumeStore, reconciling
// the persisted completed-chunk set against what is actually on disk:
// a crash leaves only whole (rename-committed) chunk files, so the
// intersection of the two sets is what's trustworthy.
func (m *Manager) Restore(ctx context.Context, resumeToken string, descriptor wire.FileDescriptor) (string, error) {
	entry, err := m.resumes.GetByToken(ctx, resumeToken)
	if err != nil {
		return "", err
	}
	if entry.Completed {
		return "", errs.New(errs.KindConflict, "ChunkManager.restore", fmt.Errorf("resume token already completed"))
	}

	sess := newSession(entry.TransferID, entry.StagingDir, descriptor, NewPolicy(descriptor.Size, entry.ChunkSize))
	sess.resumeToken = resumeToken

	onDisk := m.scanStagingDir(entry.StagingDir)
	for _, idx := range entry.CompletedChunks {
		if _, present := onDisk[idx]; present {
			sess.completedChunks[idx] = struct{}{}
		}
	}
	sess.lastActivity = time.Now()

	m.mu.Lock()
	m.sessions[sess.transferID] = sess
	m.mu.Unlock()

	// Best-effort: keep the token's TTL clock in step with the
	// reattachment even if no chunk lands on this connection.
	_ = m.resumes.TouchActivity(ctx, resumeToken)
	return sess.transferID, nil
}

func (m *Manager) scanStagingDir(dir string) map[int]struct{} {
	out := make(map[int]struct{})
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, de := range entries {
		var idx int
		if _, err := fmt.Sscanf(de.Name(), "chunk_%d.bin", &idx); err == nil {
			out[idx] = struct{}{}
		}
	}
	return out
}

func (m *Manager) get(transferID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[transferID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "ChunkManager", fmt.Errorf("unknown transferId %q", transferID))
	}
	return sess, nil
}

// IngestResult is the outcome of Ingest.
type IngestResult struct {
	OK         bool
	Index      int
	IsComplete bool
}

// Ingest writes one chunk's payload to staging, atomically. The
// returned IsComplete is a per-ingest hint only: necessary but not
// sufficient, never authoritative; callers must use Manager.IsComplete
// (the expected-count loop) to decide finalize.
func (m *Manager) Ingest(ctx context.Context, transferID string, chunkIndex int, data []byte, chunkChecksum string, isLastChunk bool) (IngestResult, error) {
	sess, err := m.get(transferID)
	if err != nil {
		return IngestResult{}, err
	}

	if chunkChecksum != "" && !m.checksummer.VerifyBuffer(data, chunkChecksum) {
		return IngestResult{}, errs.NewScoped(errs.KindChecksum, "chunk", "ChunkManager.ingest",
			errors.New(checksum.FormatMismatch("chunk", chunkChecksum, m.checksummer.DigestBuffer(data))))
	}

	name := stagingFileName(chunkIndex, sess.policy.ChunkCount)
	finalPath := filepath.Join(sess.stagingDir, name)
	if err := writeFileAtomic(finalPath, data); err != nil {
		return IngestResult{}, errs.New(errs.KindInternal, "ChunkManager.ingest", err)
	}

	m.mu.Lock()
	sess.completedChunks[chunkIndex] = struct{}{}
	sess.lastActivity = time.Now()
	size := len(sess.completedChunks)
	token := sess.resumeToken
	m.mu.Unlock()

	if token != "" {
		// Best-effort: a ResumeStore failure never fails the chunk.
		_ = m.resumes.AppendCompletedChunk(ctx, token, chunkIndex, int64(len(data)), chunkChecksum)
	}

	isComplete := isLastChunk && size == chunkIndex+1
	return IngestResult{OK: true, Index: chunkIndex, IsComplete: isComplete}, nil
}

// Completed returns the sorted set of chunk indices the session
// currently holds. For a restored session this is the reconciled set:
// indices both present on disk and marked complete in the ResumeStore.
func (m *Manager) Completed(transferID string) ([]int, error) {
	sess, err := m.get(transferID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sess.completeSet(), nil
}

// IsComplete is the server's expected-count loop: the authoritative
// completion signal, independent of any single chunk's isLastChunk flag.
func (m *Manager) IsComplete(transferID string) (bool, error) {
	sess, err := m.get(transferID)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sess.isFullyComplete(), nil
}

// Finalize asserts completeness, concatenates chunk files in ascending
// order, verifies length and digests, then tears down staging state.
func (m *Manager) Finalize(ctx context.Context, transferID string, targetPath string) (string, error) {
	sess, err := m.get(transferID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	complete := sess.isFullyComplete()
	order := sess.completeSet()
	stagingDir := sess.stagingDir
	descriptor := sess.descriptor
	policy := sess.policy
	token := sess.resumeToken
	m.mu.Unlock()

	if !complete {
		return "", errs.New(errs.KindInternal, "ChunkManager.finalize", fmt.Errorf("completedChunks != {0..%d}", policy.ChunkCount-1))
	}

	if targetPath == "" {
		targetPath = filepath.Join(m.stagingRoot, transferID+".final")
	}
	if err := concatenateChunks(stagingDir, order, policy.ChunkCount, targetPath); err != nil {
		return "", errs.New(errs.KindInternal, "ChunkManager.finalize", err)
	}

	info, err := os.Stat(targetPath)
	if err != nil {
		return "", errs.New(errs.KindInternal, "ChunkManager.finalize", err)
	}
	if info.Size() != descriptor.Size {
		os.Remove(targetPath)
		return "", errs.New(errs.KindIntegrity, "ChunkManager.finalize", fmt.Errorf("size mismatch: got %d want %d", info.Size(), descriptor.Size))
	}

	if descriptor.MD5 != "" || descriptor.SHA256 != "" {
		ok, err := m.checksummer.VerifyFile(targetPath, descriptor.MD5, descriptor.SHA256)
		if err != nil {
			return "", errs.New(errs.KindInternal, "ChunkManager.finalize", err)
		}
		if !ok {
			os.Remove(targetPath)
			return "", errs.New(errs.KindIntegrity, "ChunkManager.finalize", fmt.Errorf("whole-file digest mismatch"))
		}
	}

	os.RemoveAll(stagingDir)
	m.mu.Lock()
	sess.terminal = true
	m.mu.Unlock()

	if token != "" {
		if err := m.resumes.MarkCompleted(ctx, token); err != nil {
			return targetPath, nil // finalize itself succeeded; log upstream
		}
	}
	return targetPath, nil
}

func concatenateChunks(stagingDir string, order []int, chunkCount int64, targetPath string) error {
	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	sort.Ints(order)
	for _, idx := range order {
		name := stagingFileName(idx, chunkCount)
		in, err := os.Open(filepath.Join(stagingDir, name))
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	return out.Sync()
}

// writeFileAtomic writes data to path via temp-name-then-rename, so a
// crash never leaves a partially written chunk file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// MintResume creates a durable ResumeStore entry for transferID and
// attaches the resulting token to the session.
func (m *Manager) MintResume(ctx context.Context, transferID string) (string, error) {
	sess, err := m.get(transferID)
	if err != nil {
		return "", err
	}
	token, err := resumestore.NewToken()
	if err != nil {
		return "", errs.New(errs.KindInternal, "ChunkManager.mintResume", err)
	}

	m.mu.Lock()
	descriptor, stagingDir, completed := sess.descriptor, sess.stagingDir, sess.completeSet()
	chunkSize := sess.policy.ChunkSize
	sess.resumeToken = token
	m.mu.Unlock()

	if err := m.resumes.Add(ctx, resumestore.Entry{
		Token:           token,
		TransferID:      transferID,
		Descriptor:      descriptor,
		ChunkSize:       chunkSize,
		StagingDir:      stagingDir,
		CompletedChunks: completed,
	}); err != nil {
		return "", err
	}
	return token, nil
}

// ResumeInfo returns the descriptor, chunk size, and completed-chunk
// set persisted for a resume token.
func (m *Manager) ResumeInfo(ctx context.Context, token string) (wire.FileDescriptor, int64, []int, error) {
	entry, err := m.resumes.GetByToken(ctx, token)
	if err != nil {
		return wire.FileDescriptor{}, 0, nil, err
	}
	return entry.Descriptor, entry.ChunkSize, entry.CompletedChunks, nil
}

// CleanupResume removes the session and its staging directory. Used
// when a transfer fails terminally and should not be resumable.
func (m *Manager) CleanupResume(ctx context.Context, transferID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[transferID]
	if ok {
		delete(m.sessions, transferID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	os.RemoveAll(sess.stagingDir)
	return nil
}
