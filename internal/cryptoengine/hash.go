package cryptoengine

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// SHA256 hashes the concatenation of every argument in order.
func SHA256(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// HMACSHA256 computes an HMAC-SHA256 tag over data keyed by key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about where they first differ. Used for share-hash and
// secret_id/HMAC comparisons.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
