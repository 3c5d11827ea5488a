package credentialstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one wrapping key known to the KMIP server.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// KMIPOptions configures a KMIP-backed KeyManager.
type KMIPOptions struct {
	Endpoint  string
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string
}

// kmipKeyManager wraps/unwraps the credential store's data key through
// a KMIP-compliant HSM/KMS, using the ovh/kmip-go client. It is an
// alternative to the default passphraseKeyManager. The Store does not
// call it on reads or writes (see WithKeyManager).
type kmipKeyManager struct {
	opts KMIPOptions

	mu  sync.Mutex
	cli *kmipclient.Client
}

// NewKMIPKeyManager returns a KeyManager backed by the configured KMIP
// endpoint. The connection is established lazily on first use.
func NewKMIPKeyManager(opts KMIPOptions) (KeyManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("credentialstore: at least one KMIP key reference is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return &kmipKeyManager{opts: opts}, nil
}

func (m *kmipKeyManager) client(ctx context.Context) (*kmipclient.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cli != nil {
		return m.cli, nil
	}
	cli, err := kmipclient.Dial(
		m.opts.Endpoint,
		kmipclient.WithTlsConfig(m.opts.TLSConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("credentialstore: dial KMIP endpoint: %w", err)
	}
	m.cli = cli
	return m.cli, nil
}

func (m *kmipKeyManager) activeKey() KMIPKeyReference {
	return m.opts.Keys[0]
}

// WrapKey asks the KMIP server to encrypt dataKey under the active
// wrapping key, returning the ciphertext and the key version used.
func (m *kmipKeyManager) WrapKey(ctx context.Context, dataKey []byte) ([]byte, string, error) {
	cli, err := m.client(ctx)
	if err != nil {
		return nil, "", err
	}
	key := m.activeKey()
	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	resp, err := cli.Request(callCtx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: key.ID,
		Data:             dataKey,
	})
	if err != nil {
		return nil, "", fmt.Errorf("credentialstore: KMIP encrypt: %w", err)
	}
	enc, ok := resp.(*payloads.EncryptResponsePayload)
	if !ok {
		return nil, "", fmt.Errorf("credentialstore: KMIP encrypt: unexpected response payload %T", resp)
	}
	return enc.Data, fmt.Sprintf("%s:%d", key.ID, key.Version), nil
}

// UnwrapKey asks the KMIP server to decrypt ciphertext back to the
// cleartext data key, using the key named by keyVersion.
func (m *kmipKeyManager) UnwrapKey(ctx context.Context, ciphertext []byte, keyVersion string) ([]byte, error) {
	cli, err := m.client(ctx)
	if err != nil {
		return nil, err
	}
	keyID := m.activeKey().ID
	if keyVersion != "" {
		if id, ok := splitKeyVersion(keyVersion); ok {
			keyID = id
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	resp, err := cli.Request(callCtx, &payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("credentialstore: KMIP decrypt: %w", err)
	}
	dec, ok := resp.(*payloads.DecryptResponsePayload)
	if !ok {
		return nil, fmt.Errorf("credentialstore: KMIP decrypt: unexpected response payload %T", resp)
	}
	return dec.Data, nil
}

// HealthCheck issues a Get against the active key to confirm the KMIP
// server is reachable and the key still exists.
func (m *kmipKeyManager) HealthCheck(ctx context.Context) error {
	cli, err := m.client(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	_, err = cli.Request(callCtx, &payloads.GetRequestPayload{
		UniqueIdentifier: m.activeKey().ID,
	})
	if err != nil {
		return fmt.Errorf("credentialstore: KMIP health check: %w", err)
	}
	return nil
}

func (m *kmipKeyManager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cli == nil {
		return nil
	}
	err := m.cli.Close()
	m.cli = nil
	return err
}

func splitKeyVersion(s string) (id string, ok bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[:i], true
		}
	}
	return "", false
}
