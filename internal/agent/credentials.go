package agent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/wisbric/vaultkernel/internal/cryptoengine"
)

// generateToken128 returns a random 128-bit token hex-encoded, the shape
// spec §4.7 names for both role_id and secret_id.
func generateToken128() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("agent: generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

var hmacInfo = []byte("agent-secret-id-hmac")

// hmacSecretID computes the stored verifier for a secret_id, keyed by a key
// derived from the master key (never the secret_id's own bytes) so the
// verifier can't be forged from a leaked database row alone.
func hmacSecretID(hmacKey []byte, secretID string) []byte {
	return cryptoengine.HMACSHA256(hmacKey, []byte(secretID))
}

func deriveSecretIDHMACKey(mk []byte) ([]byte, error) {
	return cryptoengine.DeriveKey(mk, []byte("vaultkernel-agent-secret-id"), hmacInfo, 32)
}
