package credentialstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mysqlbak/transfer/internal/errs"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clients.db")
	s, err := NewStore(path, "a-sufficiently-long-passphrase!!")
	require.NoError(t, err)
	return s
}

func TestPutGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	hashed, salt, err := HashSecret("s3cr3t")
	require.NoError(t, err)

	rec := ClientRecord{
		ClientID:     "client-1",
		HashedSecret: hashed,
		Salt:         salt,
		DisplayName:  "Backup Node 1",
		Permissions:  []string{"backup.*"},
		Active:       true,
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, "client-1", got.ClientID)
	require.True(t, VerifySecret("s3cr3t", got.HashedSecret, got.Salt))
	require.True(t, got.HasPermission("backup.full"))

	// Repeated Put has update semantics: the store is equivalent to a
	// single Put, with the generation bumped.
	require.NoError(t, s.Put(ctx, rec))
	again, err := s.Get(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, got.DisplayName, again.DisplayName)

	gen, err := s.Generation(ctx, "client-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, gen)

	require.NoError(t, s.Update(ctx, "client-1", gen, func(r *ClientRecord) {
		r.DisplayName = "Renamed"
	}))
	got, err = s.Get(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.DisplayName)
	require.Equal(t, "client-1", got.ClientID) // immutable

	// Stale generation is rejected.
	err = s.Update(ctx, "client-1", gen, func(r *ClientRecord) {})
	require.Error(t, err)
	require.Equal(t, errs.KindConflict, errs.Of(err))

	require.NoError(t, s.Delete(ctx, "client-1"))
	_, err = s.Get(ctx, "client-1")
	require.Equal(t, errs.KindNotFound, errs.Of(err))
}

func TestPutAtomicWriteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clients.db")
	s1, err := NewStore(path, "a-sufficiently-long-passphrase!!")
	require.NoError(t, err)

	hashed, salt, err := HashSecret("s3cr3t")
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, ClientRecord{ClientID: "client-1", HashedSecret: hashed, Salt: salt, Active: true}))

	s2, err := NewStore(path, "a-sufficiently-long-passphrase!!")
	require.NoError(t, err)
	got, err := s2.Get(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, "client-1", got.ClientID)
}

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.VerifyIntegrity(context.Background()))

	require.NoError(t, os.WriteFile(s.path, []byte("garbage"), 0o600))
	err := s.VerifyIntegrity(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.KindIntegrity, errs.Of(err))
}

func TestListIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	hashed, salt, _ := HashSecret("x")
	require.NoError(t, s.Put(ctx, ClientRecord{ClientID: "a", HashedSecret: hashed, Salt: salt}))
	require.NoError(t, s.Put(ctx, ClientRecord{ClientID: "b", HashedSecret: hashed, Salt: salt}))
	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}
