package credentialstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mysqlbak/transfer/internal/errs"
)

// magic identifies the credential-store file format on disk.
const magic = "MYSQLBAK"

// Format versions. v1 matches the legacy CBC-with-prepended-IV scheme
// and is retained so older artifacts remain decryptable; all new
// writes use v2 (AES-GCM AEAD).
const (
	formatV1CBC = 1
	formatV2GCM = 2
)

var errShortPassphrase = errors.New("passphrase must be at least 16 bytes")

// DeriveKey derives a 256-bit key from a deployment-provided
// passphrase. In the absence of a dedicated KDF this is the SHA-256
// digest of the passphrase, matching the minimum the source format
// requires.
func DeriveKey(passphrase string) ([]byte, error) {
	if len(passphrase) < 16 {
		return nil, errShortPassphrase
	}
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:], nil
}

type fileMetadata struct {
	Version int    `json:"version"`
	Nonce   string `json:"nonce"` // hex; GCM nonce (v2) or CBC IV (v1)
}

// encodeFile encrypts plaintext with key (preferring AES-GCM AEAD) and
// produces the full on-disk byte layout: magic, u32-le metadata length,
// metadata JSON, ciphertext.
func encodeFile(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "CredentialStore.encode", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "CredentialStore.encode", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.New(errs.KindInternal, "CredentialStore.encode", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	meta := fileMetadata{Version: formatV2GCM, Nonce: hex.EncodeToString(nonce)}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "CredentialStore.encode", err)
	}

	var buf bytes.Buffer
	buf.WriteString(magic)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaJSON)))
	buf.Write(lenBuf[:])
	buf.Write(metaJSON)
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

// decodeFile reverses encodeFile, dispatching on the format version so
// that v1 (CBC) artifacts written by earlier deployments remain
// readable.
func decodeFile(key, raw []byte) ([]byte, error) {
	if len(raw) < len(magic)+4 {
		return nil, errs.New(errs.KindIntegrity, "CredentialStore.decode", fmt.Errorf("truncated file"))
	}
	if string(raw[:len(magic)]) != magic {
		return nil, errs.New(errs.KindIntegrity, "CredentialStore.decode", fmt.Errorf("bad magic"))
	}
	off := len(magic)
	metaLen := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	if uint32(len(raw)-off) < metaLen {
		return nil, errs.New(errs.KindIntegrity, "CredentialStore.decode", fmt.Errorf("truncated metadata"))
	}
	var meta fileMetadata
	if err := json.Unmarshal(raw[off:off+int(metaLen)], &meta); err != nil {
		return nil, errs.New(errs.KindIntegrity, "CredentialStore.decode", err)
	}
	off += int(metaLen)
	ciphertext := raw[off:]

	nonce, err := hex.DecodeString(meta.Nonce)
	if err != nil {
		return nil, errs.New(errs.KindIntegrity, "CredentialStore.decode", err)
	}

	switch meta.Version {
	case formatV2GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errs.New(errs.KindInternal, "CredentialStore.decode", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, errs.New(errs.KindInternal, "CredentialStore.decode", err)
		}
		plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, errs.New(errs.KindIntegrity, "CredentialStore.decode", fmt.Errorf("decrypt failed: %w", err))
		}
		return plaintext, nil
	case formatV1CBC:
		return decodeLegacyCBC(key, nonce, ciphertext)
	default:
		return nil, errs.New(errs.KindIntegrity, "CredentialStore.decode", fmt.Errorf("unknown format version %d", meta.Version))
	}
}

// decodeLegacyCBC decrypts an artifact written with the source
// system's CBC-with-prepended-IV-and-SHA-256-derived-key scheme. Kept
// only for reading old files; encodeFile never produces this format.
func decodeLegacyCBC(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return nil, errs.New(errs.KindIntegrity, "CredentialStore.decodeLegacy", fmt.Errorf("invalid ciphertext length"))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "CredentialStore.decodeLegacy", err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	plaintext := make([]byte, len(ciphertext))
	mode.CryptBlocks(plaintext, ciphertext)

	padLen := int(plaintext[len(plaintext)-1])
	if padLen <= 0 || padLen > aes.BlockSize || padLen > len(plaintext) {
		return nil, errs.New(errs.KindIntegrity, "CredentialStore.decodeLegacy", fmt.Errorf("invalid padding"))
	}
	return plaintext[:len(plaintext)-padLen], nil
}
