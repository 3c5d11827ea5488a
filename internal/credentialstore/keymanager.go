package credentialstore

import "context"

// KeyManager wraps and unwraps a data-encryption key, possibly through
// an external KMS/HSM. The Store derives its key directly from a
// passphrase (DeriveKey) and encrypts and decrypts its file with that
// key even when a KeyManager is installed via WithKeyManager; the Store
// calls none of these methods.
type KeyManager interface {
	// WrapKey encrypts the data key for storage alongside the artifact.
	WrapKey(ctx context.Context, dataKey []byte) (ciphertext []byte, keyVersion string, err error)
	// UnwrapKey recovers the data key from a wrapped ciphertext.
	UnwrapKey(ctx context.Context, ciphertext []byte, keyVersion string) ([]byte, error)
	// HealthCheck reports whether the key manager backend is reachable.
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// passphraseKeyManager is the default KeyManager: it does not wrap at
// all, it simply returns the passphrase-derived key unchanged. Stores
// that want a KMIP-backed KeyManager should construct one of their own
// (see kmip.go) and pass it to NewStore.
type passphraseKeyManager struct{ key []byte }

func newPassphraseKeyManager(key []byte) KeyManager {
	return &passphraseKeyManager{key: key}
}

func (p *passphraseKeyManager) WrapKey(ctx context.Context, dataKey []byte) ([]byte, string, error) {
	return dataKey, "passphrase", nil
}

func (p *passphraseKeyManager) UnwrapKey(ctx context.Context, ciphertext []byte, keyVersion string) ([]byte, error) {
	return ciphertext, nil
}

func (p *passphraseKeyManager) HealthCheck(ctx context.Context) error { return nil }
func (p *passphraseKeyManager) Close(ctx context.Context) error       { return nil }
