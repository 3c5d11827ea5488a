// Package checksum computes streaming MD5 and SHA-256 digests over
// files and in-memory buffers.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mysqlbak/transfer/internal/errs"
)

// Engine produces hex-encoded MD5 and SHA-256 digests. It holds no
// state; all operations are safe for concurrent use.
type Engine struct{}

// New returns a ready-to-use Engine.
func New() *Engine { return &Engine{} }

// DigestFile computes the MD5 and SHA-256 digests of the file at path
// in a single pass, returning the hex digests and the file size.
func (e *Engine) DigestFile(path string) (md5Hex, sha256Hex string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", 0, errs.New(errs.KindInternal, "ChecksumEngine.digestFile", err)
	}
	defer f.Close()

	h5 := md5.New()
	h256 := sha256.New()
	n, err := io.Copy(io.MultiWriter(h5, h256), f)
	if err != nil {
		return "", "", 0, errs.New(errs.KindInternal, "ChecksumEngine.digestFile", err)
	}
	return hex.EncodeToString(h5.Sum(nil)), hex.EncodeToString(h256.Sum(nil)), n, nil
}

// DigestBuffer computes the MD5 digest of an in-memory buffer, used
// for quick per-chunk checks.
func (e *Engine) DigestBuffer(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// VerifyFile recomputes digests for path and compares them against
// the supplied md5/sha256 hex strings. Either may be empty, in which
// case that comparison is skipped (not an error). Comparisons are
// case-insensitive. Returns an error only on I/O failure; a digest
// mismatch is reported via the boolean return, not an error.
func (e *Engine) VerifyFile(path string, md5Hex, sha256Hex string) (bool, error) {
	gotMD5, gotSHA, _, err := e.DigestFile(path)
	if err != nil {
		return false, err
	}
	if md5Hex != "" && !strings.EqualFold(gotMD5, md5Hex) {
		return false, nil
	}
	if sha256Hex != "" && !strings.EqualFold(gotSHA, sha256Hex) {
		return false, nil
	}
	return true, nil
}

// VerifyBuffer compares the MD5 of b against the expected hex digest,
// case-insensitively. Used by ChunkManager.ingest for the optional
// per-chunk digest.
func (e *Engine) VerifyBuffer(b []byte, md5Hex string) bool {
	if md5Hex == "" {
		return true
	}
	return strings.EqualFold(e.DigestBuffer(b), md5Hex)
}

// FormatMismatch renders an expected-vs-actual message suitable for
// logs (never sent on the wire per the error handling design).
func FormatMismatch(kind, expected, actual string) string {
	return fmt.Sprintf("%s mismatch: expected=%s actual=%s", kind, expected, actual)
}
