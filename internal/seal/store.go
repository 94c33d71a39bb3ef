package seal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/vaultkernel/internal/cryptoengine"
	"github.com/wisbric/vaultkernel/internal/store"
)

// Store persists the singleton SealConfig row. Grounded on pkg/apikey/store.go's
// plain-pgx, hand-scanned Store shape — there is exactly one row, ever, so no
// id parameter is threaded through any of these methods.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a seal Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load fetches the persisted SealConfig, or store.ErrNotFound if the vault
// has never been initialized.
func (s *Store) Load(ctx context.Context) (*Config, error) {
	const q = `SELECT total_shares, threshold, share_hashes, kek_salt, mk_nonce, mk_ciphertext
	           FROM seal_config WHERE id = 1`
	row := s.pool.QueryRow(ctx, q)

	var (
		cfg                   Config
		hashesFlat            []byte
		nonce, ciphertext     []byte
	)
	if err := row.Scan(&cfg.TotalShares, &cfg.Threshold, &hashesFlat, &cfg.KEKSalt, &nonce, &ciphertext); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("seal: loading config: %w", err)
	}

	cfg.ShareHashes = unflattenHashes(hashesFlat)
	cfg.EncryptedMasterKey = cryptoengine.Envelope{Nonce: nonce, Ciphertext: ciphertext}
	return &cfg, nil
}

// Save persists a newly created SealConfig. Fails with store.ErrDuplicate if
// a row already exists (Initialize is one-shot).
func (s *Store) Save(ctx context.Context, cfg *Config) error {
	const q = `INSERT INTO seal_config (id, total_shares, threshold, share_hashes, kek_salt, mk_nonce, mk_ciphertext)
	           VALUES (1, $1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, q,
		cfg.TotalShares, cfg.Threshold, flattenHashes(cfg.ShareHashes), cfg.KEKSalt,
		cfg.EncryptedMasterKey.Nonce, cfg.EncryptedMasterKey.Ciphertext,
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("seal: saving config: %w", err)
	}
	return nil
}

// flattenHashes packs fixed-32-byte SHA-256 hashes into one column so a
// variable n doesn't need a separate share_hashes table.
func flattenHashes(hashes [][]byte) []byte {
	out := make([]byte, 0, len(hashes)*32)
	for _, h := range hashes {
		out = append(out, h...)
	}
	return out
}

func unflattenHashes(flat []byte) [][]byte {
	n := len(flat) / 32
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		h := make([]byte, 32)
		copy(h, flat[i*32:(i+1)*32])
		out[i] = h
	}
	return out
}
