// Package seal implements the seal/unseal state machine: custody
// of the vault's 256-bit master key, Shamir-share-based unsealing, and the
// sealed/unsealed gate every other component checks before touching secret
// material. It is modeled as a single-writer actor — a goroutine owning all
// mutable state, driven by closures submitted over a channel — the same
// shape pkg/escalation/engine.go's Run(ctx) loop uses for its tick/command
// processing, generalized here to request/response instead of fire-and-forget.
package seal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/wisbric/vaultkernel/internal/cryptoengine"
	"github.com/wisbric/vaultkernel/internal/store"
)

// State is the seal state machine's current position.
type State int

const (
	StateUninitialized State = iota
	StateSealed
	StateUnsealed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSealed:
		return "sealed"
	case StateUnsealed:
		return "unsealed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyInitialized is returned by Initialize once a SealConfig exists.
	ErrAlreadyInitialized = errors.New("seal: already initialized")
	// ErrNotInitialized is returned by any operation attempted before Initialize.
	ErrNotInitialized = errors.New("seal: not initialized")
	// ErrAlreadyUnsealed is returned by submit_share/kms_unseal when already unsealed.
	ErrAlreadyUnsealed = errors.New("seal: already unsealed")
	// ErrUnknownShare is returned when a submitted share's hash is not among
	// the ones recorded at initialization.
	ErrUnknownShare = errors.New("seal: share not recognized")
	// ErrShareAlreadySubmitted is returned for a duplicate share within one
	// unseal attempt.
	ErrShareAlreadySubmitted = errors.New("seal: share already submitted this attempt")
)

// Share is one plaintext Shamir share, returned once from Initialize and
// never retained by the vault.
type Share struct {
	X byte
	Y []byte
}

// Encode renders the share in its transport form.
func (s Share) Encode() string { return cryptoengine.EncodeShare(s.X, s.Y) }

// Config is the persisted seal configuration.
type Config struct {
	TotalShares        int
	Threshold          int
	ShareHashes        [][]byte // SHA-256(x||y) for each of the n shares, for later validation
	EncryptedMasterKey cryptoengine.Envelope
	KEKSalt            []byte // HKDF salt used to derive the KEK from reassembled shares
}

// KMSUnseal is the pluggable capability boundary for cloud-KMS-backed
// unsealing. A concrete provider wraps/unwraps the master key under a key
// held outside the vault entirely.
type KMSUnseal interface {
	Wrap(ctx context.Context, mk []byte) ([]byte, error)
	Unwrap(ctx context.Context, blob []byte) ([]byte, error)
}

// configStore is the persistence boundary Manager needs: load the singleton
// SealConfig at startup, save it once at Initialize. *Store (store.go)
// satisfies this against a real Postgres pool; tests substitute an
// in-memory fake.
type configStore interface {
	Load(ctx context.Context) (*Config, error)
	Save(ctx context.Context, cfg *Config) error
}

// Manager owns the seal state machine. All mutating operations are
// serialized through a single goroutine (run); MK is shared-borrowed by
// readers via BorrowMK, and a seal() waits for all outstanding borrows to
// finish before wiping it (the borrow barrier).
type Manager struct {
	store       configStore
	kms         KMSUnseal
	progressTTL time.Duration
	idle        IdleTimer

	cmds chan func(*actorState)
	done chan struct{}
}

// IdleTimer resets the 5-minute unseal-progress abandonment window. The
// Redis-backed implementation lives in redistimer.go; tests use a no-op.
type IdleTimer interface {
	// Reset (re)starts the idle window; when it elapses, Expired fires once.
	Reset(ctx context.Context) error
	// Clear cancels any pending expiry (called once unsealed or re-sealed).
	Clear(ctx context.Context) error
	// Expired returns a channel that receives once per expiry.
	Expired() <-chan struct{}
}

type actorState struct {
	status   State
	config   *Config
	mk       []byte
	progress map[byte][]byte // accumulated distinct shares this unseal attempt

	borrowCount int
	pendingSeal func() // deferred seal completion, run once borrowCount hits zero
}

// NewManager constructs a Manager and starts its actor goroutine. Call
// Close to stop it. kms may be nil if auto-unseal is not configured
// (kms_unseal then always fails).
func NewManager(ctx context.Context, st *Store, kms KMSUnseal, idle IdleTimer, progressTTL time.Duration) (*Manager, error) {
	m := &Manager{
		store:       st,
		kms:         kms,
		progressTTL: progressTTL,
		idle:        idle,
		cmds:        make(chan func(*actorState), 16),
		done:        make(chan struct{}),
	}

	initial := &actorState{status: StateUninitialized, progress: map[byte][]byte{}}
	cfg, err := st.Load(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("seal: loading config: %w", err)
	}
	if cfg != nil {
		initial.config = cfg
		initial.status = StateSealed
	}

	go m.run(initial)
	return m, nil
}

// Close stops the actor goroutine. Any request in flight fails with
// ErrUnavailable once closed.
func (m *Manager) Close() {
	close(m.cmds)
}

func (m *Manager) run(s *actorState) {
	defer close(m.done)
	var expired <-chan struct{}
	if m.idle != nil {
		expired = m.idle.Expired()
	}
	for {
		select {
		case fn, ok := <-m.cmds:
			if !ok {
				return
			}
			fn(s)
		case <-expired:
			s.progress = map[byte][]byte{}
		}
	}
}

// call submits fn to the actor and blocks until it has run, or ctx is done,
// or the actor has been closed.
func (m *Manager) call(ctx context.Context, fn func(*actorState)) error {
	wrapped := make(chan struct{})
	task := func(s *actorState) {
		fn(s)
		close(wrapped)
	}
	select {
	case m.cmds <- task:
	case <-m.done:
		return store.ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-wrapped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current seal state.
func (m *Manager) Status(ctx context.Context) (State, error) {
	var st State
	err := m.call(ctx, func(s *actorState) { st = s.status })
	return st, err
}

// Initialize generates a fresh master key and an independent root key, splits
// the root key into n shares at threshold k, derives a KEK from the root key
// and wraps MK under it, persists the SealConfig, and returns the n
// plaintext root-key shares once. The root key itself is never persisted or
// returned — only its Shamir shares and the MK it wraps. Splitting a key
// distinct from MK (rather than MK directly) means the KEK can be
// rederived identically from *any* threshold-sized subset of shares via
// Lagrange interpolation, instead of depending on which particular shares
// happen to be on hand. Idempotent-rejecting: fails with
// ErrAlreadyInitialized if a SealConfig already exists.
func (m *Manager) Initialize(ctx context.Context, n, k int) ([]Share, error) {
	if k < 1 || n < k || n > 255 {
		return nil, fmt.Errorf("seal: %w: invalid shamir parameters n=%d k=%d", store.ErrInvalidInput, n, k)
	}

	mk, err := cryptoengine.GenerateKey()
	if err != nil {
		return nil, err
	}
	rootKey, err := cryptoengine.GenerateKey()
	if err != nil {
		return nil, err
	}
	shareBytes, err := cryptoengine.ShamirSplit(rootKey, n, k)
	if err != nil {
		return nil, err
	}

	shares := make([]Share, n)
	hashes := make([][]byte, n)
	for i, y := range shareBytes {
		x := byte(i + 1)
		shares[i] = Share{X: x, Y: y}
		hashes[i] = cryptoengine.SHA256([]byte{x}, y)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("seal: generating kek salt: %w", err)
	}
	kek, err := deriveKEKFromRoot(rootKey, salt)
	cryptoengine.Zero(rootKey)
	if err != nil {
		return nil, err
	}
	env, err := cryptoengine.Encrypt(kek, mk, []byte("seal-config"))
	cryptoengine.Zero(kek)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TotalShares:        n,
		Threshold:          k,
		ShareHashes:        hashes,
		EncryptedMasterKey: env,
		KEKSalt:            salt,
	}

	var callErr error
	err = m.call(ctx, func(s *actorState) {
		if s.status != StateUninitialized {
			callErr = ErrAlreadyInitialized
			return
		}
		if persistErr := m.store.Save(ctx, cfg); persistErr != nil {
			callErr = fmt.Errorf("seal: persisting config: %w", persistErr)
			return
		}
		s.config = cfg
		s.status = StateSealed
		s.progress = map[byte][]byte{}
	})
	if err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, callErr
	}
	return shares, nil
}

// SubmitShare verifies the share's hash against the recorded set, rejects a
// duplicate within the current attempt, and unseals once threshold distinct
// valid shares have accumulated. Returns the new state and how many
// distinct shares have been accumulated so far (meaningful only while still
// Sealed).
func (m *Manager) SubmitShare(ctx context.Context, share Share) (State, int, error) {
	var (
		newState State
		progress int
		callErr  error
	)
	err := m.call(ctx, func(s *actorState) {
		switch s.status {
		case StateUninitialized:
			callErr = ErrNotInitialized
			return
		case StateUnsealed:
			callErr = ErrAlreadyUnsealed
			return
		}

		hash := cryptoengine.SHA256([]byte{share.X}, share.Y)
		recognized := false
		for _, h := range s.config.ShareHashes {
			if cryptoengine.ConstantTimeEqual(h, hash) {
				recognized = true
				break
			}
		}
		if !recognized {
			callErr = ErrUnknownShare
			return
		}
		if _, dup := s.progress[share.X]; dup {
			callErr = ErrShareAlreadySubmitted
			return
		}

		s.progress[share.X] = share.Y
		progress = len(s.progress)

		if progress < s.config.Threshold {
			newState = StateSealed
			if m.idle != nil {
				_ = m.idle.Reset(ctx)
			}
			return
		}

		xs := make([]byte, 0, progress)
		yss := make([][]byte, 0, progress)
		for x, y := range s.progress {
			xs = append(xs, x)
			yss = append(yss, y)
		}
		rootKey, err := cryptoengine.ShamirReconstruct(s.config.Threshold, xs, yss)
		if err != nil {
			callErr = err
			return
		}
		kek, err := deriveKEKFromRoot(rootKey, s.config.KEKSalt)
		cryptoengine.Zero(rootKey)
		if err != nil {
			callErr = err
			return
		}
		mk, err := cryptoengine.Decrypt(kek, s.config.EncryptedMasterKey, []byte("seal-config"))
		cryptoengine.Zero(kek)
		if err != nil {
			callErr = fmt.Errorf("seal: %w", store.ErrDecryptFailed)
			return
		}

		s.mk = mk
		s.status = StateUnsealed
		s.progress = map[byte][]byte{}
		if m.idle != nil {
			_ = m.idle.Clear(ctx)
		}
		newState = StateUnsealed
	})
	if err != nil {
		return StateSealed, 0, err
	}
	return newState, progress, callErr
}

// Seal wipes the master key and returns to Sealed, resetting unseal
// progress. If crypto operations currently hold a borrow of MK, Seal waits
// for them to complete before wiping (borrow barrier discipline).
func (m *Manager) Seal(ctx context.Context) error {
	done := make(chan error, 1)
	err := m.call(ctx, func(s *actorState) {
		if s.status != StateUnsealed {
			done <- nil
			return
		}
		finish := func() {
			cryptoengine.Zero(s.mk)
			s.mk = nil
			s.status = StateSealed
			s.progress = map[byte][]byte{}
			done <- nil
		}
		if s.borrowCount > 0 {
			s.pendingSeal = finish
			return
		}
		finish()
	})
	if err != nil {
		return err
	}
	select {
	case sealErr := <-done:
		return sealErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KMSUnseal decrypts the persisted master-key wrap via the pluggable KMS
// capability. Equivalent post-condition to a successful share-based unseal.
func (m *Manager) KMSUnseal(ctx context.Context) error {
	if m.kms == nil {
		return fmt.Errorf("seal: no kms_unseal provider configured")
	}
	var callErr error
	err := m.call(ctx, func(s *actorState) {
		if s.status == StateUninitialized {
			callErr = ErrNotInitialized
			return
		}
		if s.status == StateUnsealed {
			callErr = ErrAlreadyUnsealed
			return
		}
		mk, err := m.kms.Unwrap(ctx, s.config.EncryptedMasterKey.Marshal())
		if err != nil {
			callErr = fmt.Errorf("seal: kms unwrap: %w", err)
			return
		}
		s.mk = mk
		s.status = StateUnsealed
		s.progress = map[byte][]byte{}
	})
	if err != nil {
		return err
	}
	return callErr
}

// BorrowMK runs fn with a read-only view of the master key, blocking
// concurrent seal() calls from wiping it until fn returns. Fails with
// store.ErrSealed if not currently unsealed.
func (m *Manager) BorrowMK(ctx context.Context, fn func(mk []byte) error) error {
	var mk []byte
	var callErr error
	err := m.call(ctx, func(s *actorState) {
		if s.status != StateUnsealed {
			callErr = store.ErrSealed
			return
		}
		s.borrowCount++
		mk = s.mk
	})
	if err != nil {
		return err
	}
	if callErr != nil {
		return callErr
	}

	fnErr := fn(mk)

	releaseErr := m.call(ctx, func(s *actorState) {
		s.borrowCount--
		if s.borrowCount == 0 && s.pendingSeal != nil {
			pending := s.pendingSeal
			s.pendingSeal = nil
			pending()
		}
	})
	if fnErr != nil {
		return fnErr
	}
	return releaseErr
}

// deriveKEKFromRoot derives the KEK wrapping MK from the reassembled root
// key, via HKDF-SHA256 bound to the per-vault salt recorded in SealConfig.
func deriveKEKFromRoot(rootKey, salt []byte) ([]byte, error) {
	return cryptoengine.DeriveKey(rootKey, salt, []byte("vaultkernel-seal-kek"), cryptoengine.KeySize)
}
