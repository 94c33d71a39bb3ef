package cryptoengine

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives size bytes from secret via HKDF-SHA256, bound to salt and
// info. Used to turn reassembled Shamir shares into a KEK, and to derive the
// audit signing key from the master key without persisting a second secret.
func DeriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptoengine: hkdf derive: %w", err)
	}
	return out, nil
}
