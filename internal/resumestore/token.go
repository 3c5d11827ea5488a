package resumestore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// tokenPattern matches RT_<unixSeconds>_<16-hex-chars>: the decimal
// timestamp followed by a 64-bit random value in hex.
var tokenPattern = regexp.MustCompile(`^RT_[0-9]+_[0-9a-f]{16}$`)

// NewToken mints a fresh resume token.
func NewToken() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("RT_%d_%s", time.Now().Unix(), hex.EncodeToString(b)), nil
}

// ValidTokenFormat reports whether s has the expected wire shape.
func ValidTokenFormat(s string) bool {
	return tokenPattern.MatchString(s)
}
