// Package cryptoengine implements the vault's low-level cryptographic
// primitives: AES-256-GCM envelope encryption, Shamir secret sharing over
// GF(2^8), and the hashing/derivation helpers the higher-level components
// build on. Nothing in this package touches storage or network state.
package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrDecryptFailed is returned whenever an AEAD tag fails to verify. Callers
// must treat this as tamper evidence, not as a routine "wrong key" error.
var ErrDecryptFailed = errors.New("cryptoengine: decryption failed")

const (
	// KeySize is the length in bytes of a master key or data-encryption key.
	KeySize = 32
	// NonceSize is the length in bytes of a GCM nonce (96 bits).
	NonceSize = 12
)

// Envelope is a nonce plus AEAD ciphertext (tag included by Seal/Open).
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
}

// Encrypt seals plaintext under key, binding aad into the authentication tag.
// A fresh CSPRNG nonce is generated for every call; key reuse across calls is
// safe because the nonce is never repeated for a given key in practice (96
// random bits).
func Encrypt(key, plaintext, aad []byte) (Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("cryptoengine: generating nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plaintext, aad)
	return Envelope{Nonce: nonce, Ciphertext: ct}, nil
}

// Decrypt opens an envelope produced by Encrypt. Any tag mismatch — wrong
// key, wrong aad, or corrupted ciphertext — collapses to ErrDecryptFailed;
// callers must not distinguish the cause to avoid leaking oracle information.
func Decrypt(key []byte, env Envelope, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptoengine: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: new gcm: %w", err)
	}
	return gcm, nil
}

// GenerateKey returns a fresh CSPRNG 256-bit key, suitable as an MK or DEK.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("cryptoengine: generating key: %w", err)
	}
	return k, nil
}

// Marshal packs an envelope as nonce||ciphertext for storage in a single column.
func (e Envelope) Marshal() []byte {
	out := make([]byte, 0, len(e.Nonce)+len(e.Ciphertext))
	out = append(out, e.Nonce...)
	out = append(out, e.Ciphertext...)
	return out
}

// UnmarshalEnvelope reverses Marshal.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	if len(b) < NonceSize {
		return Envelope{}, fmt.Errorf("cryptoengine: envelope too short: %d bytes", len(b))
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, b[:NonceSize])
	ct := make([]byte, len(b)-NonceSize)
	copy(ct, b[NonceSize:])
	return Envelope{Nonce: nonce, Ciphertext: ct}, nil
}
