// Package credentialstore holds the authoritative, encrypted-at-rest
// set of ClientRecords and verifies client secrets in constant time.
package credentialstore

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

// entry is one record plus its generation, used for optimistic
// concurrency on Update.
type entry struct {
	Record     ClientRecord `json:"record"`
	Generation int64        `json:"generation"`
}

type fileBody struct {
	Entries map[string]entry `json:"entries"`
}

type cacheItem struct {
	entry   entry
	expires time.Time
}

// Store is the authoritative, encrypted-at-rest ClientRecord store.
// A single writer mutex guards the on-disk file; an in-memory cache
// with a TTL serves reads without decrypting the whole file each time.
type Store struct {
	path       string
	key        []byte
	keyManager KeyManager
	cacheTTL   time.Duration

	writeMu sync.Mutex // single writer lock over the file

	cacheMu sync.RWMutex
	cache   map[string]cacheItem
}

// Option configures a Store.
type Option func(*Store)

// WithCacheTTL overrides the default ~5 minute cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Store) { s.cacheTTL = d }
}

// WithKeyManager installs a KeyManager (e.g. KMIP-backed) on the Store.
// The Store keeps it but does not call it: the file is always encrypted
// and decrypted with the passphrase-derived key.
func WithKeyManager(km KeyManager) Option {
	return func(s *Store) { s.keyManager = km }
}

// NewStore opens (or initializes) the credential store file at path,
// deriving its data-encryption key from passphrase.
func NewStore(path, passphrase string, opts ...Option) (*Store, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "CredentialStore.new", err)
	}
	s := &Store{
		path:     path,
		key:      key,
		cacheTTL: 5 * time.Minute,
		cache:    make(map[string]cacheItem),
	}
	for _, o := range opts {
		o(s)
	}
	if s.keyManager == nil {
		s.keyManager = newPassphraseKeyManager(key)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeBody(fileBody{Entries: map[string]entry{}}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) readBody() (fileBody, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fileBody{}, errs.New(errs.KindInternal, "CredentialStore.read", err)
	}
	plaintext, err := decodeFile(s.key, raw)
	if err != nil {
		return fileBody{}, err // already an *errs.Error (KindIntegrity)
	}
	var body fileBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return fileBody{}, errs.New(errs.KindIntegrity, "CredentialStore.read", err)
	}
	if body.Entries == nil {
		body.Entries = make(map[string]entry)
	}
	return body, nil
}

// writeBody serializes body, encrypts it, and writes it atomically
// (temp file then rename) so a crash never leaves a partial file.
func (s *Store) writeBody(body fileBody) error {
	plaintext, err := json.Marshal(body)
	if err != nil {
		return errs.New(errs.KindInternal, "CredentialStore.write", err)
	}
	raw, err := encodeFile(s.key, plaintext)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credstore-*.tmp")
	if err != nil {
		return errs.New(errs.KindInternal, "CredentialStore.write", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "CredentialStore.write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "CredentialStore.write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "CredentialStore.write", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "CredentialStore.write", err)
	}
	return nil
}

func (s *Store) invalidate(clientID string) {
	s.cacheMu.Lock()
	delete(s.cache, clientID)
	s.cacheMu.Unlock()
}

func (s *Store) cacheGet(clientID string) (entry, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	it, ok := s.cache[clientID]
	if !ok || time.Now().After(it.expires) {
		return entry{}, false
	}
	return it.entry, true
}

func (s *Store) cachePut(clientID string, e entry) {
	s.cacheMu.Lock()
	s.cache[clientID] = cacheItem{entry: e, expires: time.Now().Add(s.cacheTTL)}
	s.cacheMu.Unlock()
}

// Put stores a ClientRecord with update semantics: putting the same
// clientId again replaces the record (preserving the original
// createdAt) and bumps the generation, so a repeated Put leaves the
// store equivalent to a single one.
func (s *Store) Put(ctx context.Context, rec ClientRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	body, err := s.readBody()
	if err != nil {
		return err
	}
	e := entry{Record: rec, Generation: 1}
	if prev, exists := body.Entries[rec.ClientID]; exists {
		e.Record.CreatedAt = prev.Record.CreatedAt
		e.Generation = prev.Generation + 1
	}
	body.Entries[rec.ClientID] = e
	if err := s.writeBody(body); err != nil {
		return err
	}
	s.invalidate(rec.ClientID)
	return nil
}

// Get returns the record for clientID, preferring the cache.
func (s *Store) Get(ctx context.Context, clientID string) (ClientRecord, error) {
	if e, ok := s.cacheGet(clientID); ok {
		return e.Record, nil
	}
	s.writeMu.Lock()
	body, err := s.readBody()
	s.writeMu.Unlock()
	if err != nil {
		return ClientRecord{}, err
	}
	e, ok := body.Entries[clientID]
	if !ok {
		return ClientRecord{}, errs.New(errs.KindNotFound, "CredentialStore.get", fmt.Errorf("clientId %q not found", clientID))
	}
	s.cachePut(clientID, e)
	return e.Record, nil
}

// Update mutates an existing record. A non-zero expectedGeneration must
// match the record's current stored generation or a Conflict error is
// returned; zero skips the generation check. clientId and createdAt are
// preserved from the existing record.
func (s *Store) Update(ctx context.Context, clientID string, expectedGeneration int64, mutate func(*ClientRecord)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	body, err := s.readBody()
	if err != nil {
		return err
	}
	e, ok := body.Entries[clientID]
	if !ok {
		return errs.New(errs.KindNotFound, "CredentialStore.update", fmt.Errorf("clientId %q not found", clientID))
	}
	if expectedGeneration != 0 && e.Generation != expectedGeneration {
		return errs.New(errs.KindConflict, "CredentialStore.update", fmt.Errorf("generation mismatch: have %d want %d", e.Generation, expectedGeneration))
	}
	createdAt, id := e.Record.CreatedAt, e.Record.ClientID
	mutate(&e.Record)
	e.Record.ClientID = id
	e.Record.CreatedAt = createdAt
	e.Generation++
	body.Entries[clientID] = e

	if err := s.writeBody(body); err != nil {
		return err
	}
	s.invalidate(clientID)
	return nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	body, err := s.readBody()
	if err != nil {
		return err
	}
	if _, ok := body.Entries[clientID]; !ok {
		return errs.New(errs.KindNotFound, "CredentialStore.delete", fmt.Errorf("clientId %q not found", clientID))
	}
	delete(body.Entries, clientID)
	if err := s.writeBody(body); err != nil {
		return err
	}
	s.invalidate(clientID)
	return nil
}

// ListIDs returns every clientId currently stored.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	s.writeMu.Lock()
	body, err := s.readBody()
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(body.Entries))
	for id := range body.Entries {
		ids = append(ids, id)
	}
	return ids, nil
}

// VerifyIntegrity attempts to decrypt and parse the store file without
// returning its contents, surfacing IntegrityError on failure.
func (s *Store) VerifyIntegrity(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.readBody()
	return err
}

// Generation returns the current stored generation for clientID, for
// callers that need it before calling Update.
func (s *Store) Generation(ctx context.Context, clientID string) (int64, error) {
	if e, ok := s.cacheGet(clientID); ok {
		return e.Generation, nil
	}
	s.writeMu.Lock()
	body, err := s.readBody()
	s.writeMu.Unlock()
	if err != nil {
		return 0, err
	}
	e, ok := body.Entries[clientID]
	if !ok {
		return 0, errs.New(errs.KindNotFound, "CredentialStore.generation", fmt.Errorf("clientId %q not found", clientID))
	}
	return e.Generation, nil
}
