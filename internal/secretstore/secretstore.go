// Package secretstore implements the envelope-encrypted secret store with
// versioning and rollback. It has no close teacher analogue —
// the closest shape is pkg/user/store.go's uuid-keyed CRUD — generalized
// here with per-version DEK wrapping under the vault's master key.
package secretstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/vaultkernel/internal/cryptoengine"
)

// Kind distinguishes a statically stored secret from one materialized by a
// dynamic-credential engine.
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
)

// Secret is the current (live) version of a stored credential. Its
// ciphertext never appears here — callers that need the
// plaintext must go through Manager.ReadDecrypted.
type Secret struct {
	ID             uuid.UUID
	Path           string
	Name           string
	Kind           Kind
	Version        int
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastRotatedAt  *time.Time
	RotationPeriod *time.Duration
}

// Plaintext is a decrypted secret payload. Callers must call Zero once done
// with it; Go cannot guarantee the backing array isn't copied elsewhere by
// the allocator, but this covers the buffer the caller can still see.
type Plaintext struct {
	Raw json.RawMessage
}

// Zero overwrites the raw decrypted bytes in place.
func (p *Plaintext) Zero() {
	cryptoengine.Zero(p.Raw)
}

// Unmarshal decodes the plaintext payload into v.
func (p *Plaintext) Unmarshal(v any) error {
	return json.Unmarshal(p.Raw, v)
}

// envelopePair is a payload encrypted under a per-version DEK, with that
// DEK itself wrapped under the master key — the two ciphertexts persisted
// together for one secret version.
type envelopePair struct {
	Payload cryptoengine.Envelope
	DEK     cryptoengine.Envelope
}
