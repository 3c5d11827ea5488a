package credentialstore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashSecret derives a salted, one-way digest of a client secret. The
// salt is generated fresh for each record; verification recomputes the
// same HMAC and compares in constant time.
func HashSecret(secret string) (hashedHex, saltHex string, err error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil)), hex.EncodeToString(salt), nil
}

// VerifySecret compares secret against the stored salted hash in
// constant time, regardless of whether the salt/hash decode cleanly.
func VerifySecret(secret, hashedHex, saltHex string) bool {
	salt, err1 := hex.DecodeString(saltHex)
	want, err2 := hex.DecodeString(hashedHex)
	if err1 != nil || err2 != nil {
		return false
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(secret))
	got := mac.Sum(nil)
	return subtle.ConstantTimeCompare(got, want) == 1
}
