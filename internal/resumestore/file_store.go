package resumestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mysqlbak/transfer/internal/errs"
)

// FileStore is the default durable Store: the whole index is kept in
// memory and rewritten to disk atomically (temp file, fsync, rename)
// on every durability-required mutation, the same crash-safety idiom
// as the credential store's write path.
type FileStore struct {
	path string

	mu          sync.Mutex
	byToken     map[string]Entry
	tokenByXfer map[string]string
}

// NewFileStore opens (or initializes) the resume-store file at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:        path,
		byToken:     make(map[string]Entry),
		tokenByXfer: make(map[string]string),
	}
	if raw, err := os.ReadFile(path); err == nil {
		var entries []Entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, errs.New(errs.KindIntegrity, "ResumeStore.open", err)
		}
		for _, e := range entries {
			s.byToken[e.Token] = e
			s.tokenByXfer[e.TransferID] = e.Token
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.New(errs.KindInternal, "ResumeStore.open", err)
	}
	return s, nil
}

// persist must be called with mu held; it writes the whole index
// atomically, giving Add/MarkCompleted/AppendCompletedChunk
// fsync-equivalent durability.
func (s *FileStore) persist() error {
	entries := make([]Entry, 0, len(s.byToken))
	for _, e := range s.byToken {
		entries = append(entries, e)
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return errs.New(errs.KindInternal, "ResumeStore.persist", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".resumestore-*.tmp")
	if err != nil {
		return errs.New(errs.KindInternal, "ResumeStore.persist", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "ResumeStore.persist", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "ResumeStore.persist", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "ResumeStore.persist", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "ResumeStore.persist", err)
	}
	return nil
}

func (s *FileStore) Add(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.LastActivity.IsZero() {
		e.LastActivity = time.Now()
	}
	e.CompletedChunks = sortedCopy(e.CompletedChunks)
	s.byToken[e.Token] = e
	s.tokenByXfer[e.TransferID] = e.Token
	return s.persist()
}

func (s *FileStore) GetByToken(ctx context.Context, token string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[token]
	if !ok {
		return Entry{}, errs.New(errs.KindNotFound, "ResumeStore.getByToken", fmt.Errorf("unknown token"))
	}
	return e, nil
}

func (s *FileStore) GetByTransferID(ctx context.Context, transferID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokenByXfer[transferID]
	if !ok {
		return Entry{}, errs.New(errs.KindNotFound, "ResumeStore.getByTransferId", fmt.Errorf("unknown transferId"))
	}
	return s.byToken[token], nil
}

func (s *FileStore) AppendCompletedChunk(ctx context.Context, token string, index int, size int64, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[token]
	if !ok {
		return errs.New(errs.KindNotFound, "ResumeStore.appendCompletedChunk", fmt.Errorf("unknown token"))
	}
	if !containsInt(e.CompletedChunks, index) {
		e.CompletedChunks = sortedCopy(append(e.CompletedChunks, index))
	}
	e.LastActivity = time.Now()
	s.byToken[token] = e
	return s.persist()
}

func (s *FileStore) MarkCompleted(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[token]
	if !ok {
		return errs.New(errs.KindNotFound, "ResumeStore.markCompleted", fmt.Errorf("unknown token"))
	}
	e.Completed = true
	e.LastActivity = time.Now()
	s.byToken[token] = e
	return s.persist()
}

// TouchActivity updates LastActivity without the full durability
// requirement of the other mutators; we still persist, since this
// store keeps no separate write-behind path, but callers treat it as
// best-effort and never fail a chunk on its outcome.
func (s *FileStore) TouchActivity(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[token]
	if !ok {
		return errs.New(errs.KindNotFound, "ResumeStore.touchActivity", fmt.Errorf("unknown token"))
	}
	e.LastActivity = time.Now()
	s.byToken[token] = e
	return s.persist()
}

func (s *FileStore) PurgeExpired(ctx context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	purged := 0
	for token, e := range s.byToken {
		if e.expired(now, ttl) {
			delete(s.byToken, token)
			delete(s.tokenByXfer, e.TransferID)
			purged++
		}
	}
	if purged > 0 {
		if err := s.persist(); err != nil {
			return purged, err
		}
	}
	return purged, nil
}
