package checksum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestFileAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello backup world"), 0o600))

	e := New()
	md5Hex, sha256Hex, size, err := e.DigestFile(path)
	require.NoError(t, err)
	require.EqualValues(t, len("hello backup world"), size)

	ok, err := e.VerifyFile(path, md5Hex, sha256Hex)
	require.NoError(t, err)
	require.True(t, ok)

	// Case-insensitivity over the hex alphabet.
	ok, err = e.VerifyFile(path, toUpper(md5Hex), toUpper(sha256Hex))
	require.NoError(t, err)
	require.True(t, ok)

	// A missing digest is skipped, not an error.
	ok, err = e.VerifyFile(path, "", "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyFileMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))

	e := New()
	ok, err := e.VerifyFile(path, "deadbeefdeadbeefdeadbeefdeadbeef", "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDigestBufferAndVerifyBuffer(t *testing.T) {
	e := New()
	b := []byte("chunk-data")
	got := e.DigestBuffer(b)
	require.True(t, e.VerifyBuffer(b, got))
	require.True(t, e.VerifyBuffer(b, toUpper(got)))
	require.False(t, e.VerifyBuffer(b, "00000000000000000000000000000000"))
	// Missing digest is not an error / always accepted.
	require.True(t, e.VerifyBuffer(b, ""))
}

func toUpper(s string) string {
	out := make([]byte, len(s))
	for i, c := range []byte(s) {
		if c >= 'a' && c <= 'f' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
