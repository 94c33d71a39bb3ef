package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const bootstrapTokenPrefix = "hvs."

// generateBootstrapToken returns a token in spec §6's documented shape:
// "hvs." || base64url(random_192_bits), plus the SHA-256 hash persisted in
// its place (the raw token is returned to the caller exactly once, never
// stored, mirroring pkg/apikey/service.go's generateAPIKey).
func generateBootstrapToken() (raw, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("agent: generating bootstrap token: %w", err)
	}
	raw = bootstrapTokenPrefix + base64.RawURLEncoding.EncodeToString(b)
	sum := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(sum[:])
	return raw, hash, nil
}

func bootstrapTokenHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
