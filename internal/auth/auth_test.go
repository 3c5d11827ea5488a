package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mysqlbak/transfer/internal/credentialstore"
	"github.com/mysqlbak/transfer/internal/errs"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	records map[string]credentialstore.ClientRecord
}

func (f *fakeStore) Get(ctx context.Context, clientID string) (credentialstore.ClientRecord, error) {
	rec, ok := f.records[clientID]
	if !ok {
		return credentialstore.ClientRecord{}, errs.New(errs.KindNotFound, "fakeStore.get", errNotFound)
	}
	return rec, nil
}

var errNotFound = fmt.Errorf("not found")

func newFakeStoreWithClient(clientID, secret string) *fakeStore {
	hashed, salt, _ := credentialstore.HashSecret(secret)
	return &fakeStore{records: map[string]credentialstore.ClientRecord{
		clientID: {ClientID: clientID, HashedSecret: hashed, Salt: salt, Active: true, Permissions: []string{"backup.*"}},
	}}
}

func TestAuthenticateSuccess(t *testing.T) {
	store := newFakeStoreWithClient("client-1", "s3cr3t")
	svc := New(store, nil, nil, Config{})

	tok, err := svc.Authenticate(context.Background(), "client-1", "s3cr3t", time.Now())
	require.NoError(t, err)
	require.Equal(t, "client-1", tok.ClientID)
	require.NotEmpty(t, tok.TokenID)

	got, err := svc.Introspect(context.Background(), tok.TokenID)
	require.NoError(t, err)
	require.Equal(t, tok.TokenID, got.TokenID)
}

func TestAuthenticateWrongSecretIsGeneric(t *testing.T) {
	store := newFakeStoreWithClient("client-1", "s3cr3t")
	svc := New(store, nil, nil, Config{})

	_, err := svc.Authenticate(context.Background(), "client-1", "wrong", time.Now())
	require.Error(t, err)
	require.Equal(t, errs.KindAuth, errs.Of(err))
}

func TestAuthenticateReplayGuard(t *testing.T) {
	store := newFakeStoreWithClient("client-1", "s3cr3t")
	svc := New(store, nil, nil, Config{})

	_, err := svc.Authenticate(context.Background(), "client-1", "s3cr3t", time.Now().Add(-6*time.Minute))
	require.Error(t, err)
	require.Equal(t, errs.KindAuth, errs.Of(err))

	// Just inside the window is accepted.
	_, err = svc.Authenticate(context.Background(), "client-1", "s3cr3t", time.Now().Add(-4*time.Minute))
	require.NoError(t, err)
}

func TestAuthenticateLockout(t *testing.T) {
	store := newFakeStoreWithClient("client-1", "s3cr3t")
	svc := New(store, nil, nil, Config{MaxAttempts: 3, LockoutDuration: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := svc.Authenticate(context.Background(), "client-1", "wrong", time.Now())
		require.Error(t, err)
	}
	// Fourth attempt, even with correct secret, is locked out.
	_, err := svc.Authenticate(context.Background(), "client-1", "s3cr3t", time.Now())
	require.Error(t, err)
	require.Equal(t, errs.KindLockedOut, errs.Of(err))
}

func TestRevokeInvalidatesToken(t *testing.T) {
	store := newFakeStoreWithClient("client-1", "s3cr3t")
	svc := New(store, nil, nil, Config{})

	tok, err := svc.Authenticate(context.Background(), "client-1", "s3cr3t", time.Now())
	require.NoError(t, err)

	svc.Revoke(tok.TokenID)
	_, err = svc.Introspect(context.Background(), tok.TokenID)
	require.Error(t, err)
	require.Equal(t, errs.KindTokenExp, errs.Of(err))
}

func TestIntrospectUnknownToken(t *testing.T) {
	store := newFakeStoreWithClient("client-1", "s3cr3t")
	svc := New(store, nil, nil, Config{})
	_, err := svc.Introspect(context.Background(), "nonexistent")
	require.Error(t, err)
	require.Equal(t, errs.KindTokenExp, errs.Of(err))
}
