package credentialstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key, err := DeriveKey("a-sufficiently-long-passphrase!!")
	require.NoError(t, err)

	plaintext := []byte(`{"entries":{}}`)
	raw, err := encodeFile(key, plaintext)
	require.NoError(t, err)
	require.Equal(t, magic, string(raw[:len(magic)]))

	got, err := decodeFile(key, raw)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecodeLegacyCBCFormat(t *testing.T) {
	key, err := DeriveKey("a-sufficiently-long-passphrase!!")
	require.NoError(t, err)

	plaintext := []byte("legacy-plaintext")
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	meta := fileMetadata{Version: formatV1CBC, Nonce: hex.EncodeToString(iv)}
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	raw := append([]byte(magic), make([]byte, 4)...)
	raw = append(raw[:len(magic)+4], metaJSON...)
	// Patch the little-endian length in place.
	raw = patchLen(raw, len(magic), uint32(len(metaJSON)))
	raw = append(raw, ciphertext...)

	got, err := decodeFile(key, raw)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	pad := make([]byte, padLen)
	for i := range pad {
		pad[i] = byte(padLen)
	}
	return append(b, pad...)
}

func patchLen(buf []byte, offset int, v uint32) []byte {
	buf[offset] = byte(v)
	buf[offset+1] = byte(v >> 8)
	buf[offset+2] = byte(v >> 16)
	buf[offset+3] = byte(v >> 24)
	return buf
}
