package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/vaultkernel/internal/store"
)

// Store persists secrets and their archived versions. Grounded on
// pkg/user/store.go's uuid-keyed, plain-pgx shape; secret_versions carries
// secrets' identity, payload and DEK columns plus created_at (but not
// updated_at, last_rotated_at or rotation_period_seconds), adds archived_at,
// is addressed by (secret_id, version), and is immutable once archived.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a secretstore Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert persists a brand-new secret at version 1. Fails with
// store.ErrDuplicate if path is already taken.
func (s *Store) Insert(ctx context.Context, sec *Secret, pair envelopePair) error {
	meta, err := json.Marshal(sec.Metadata)
	if err != nil {
		return fmt.Errorf("secretstore: marshaling metadata: %w", err)
	}
	const q = `INSERT INTO secrets
		(id, path, name, kind, version, payload_nonce, payload_ciphertext,
		 dek_nonce, dek_ciphertext, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = s.pool.Exec(ctx, q,
		sec.ID, sec.Path, sec.Name, string(sec.Kind), sec.Version,
		pair.Payload.Nonce, pair.Payload.Ciphertext, pair.DEK.Nonce, pair.DEK.Ciphertext,
		meta, sec.CreatedAt, sec.UpdatedAt,
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("secretstore: inserting secret: %w", err)
	}
	return nil
}

const selectCurrentCols = `id, path, name, kind, version, payload_nonce, payload_ciphertext,
	dek_nonce, dek_ciphertext, metadata, created_at, updated_at, last_rotated_at, rotation_period_seconds`

// GetByPath fetches the current version of the secret at path.
func (s *Store) GetByPath(ctx context.Context, path string) (*Secret, envelopePair, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectCurrentCols+` FROM secrets WHERE path = $1`, path)
	return scanCurrent(row)
}

// GetByID fetches the current version of the secret with the given id.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Secret, envelopePair, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectCurrentCols+` FROM secrets WHERE id = $1`, id)
	return scanCurrent(row)
}

func scanCurrent(row pgx.Row) (*Secret, envelopePair, error) {
	var (
		sec                Secret
		kind               string
		meta               []byte
		pair               envelopePair
		lastRotated        *time.Time
		rotationPeriodSecs *int64
	)
	err := row.Scan(&sec.ID, &sec.Path, &sec.Name, &kind, &sec.Version,
		&pair.Payload.Nonce, &pair.Payload.Ciphertext, &pair.DEK.Nonce, &pair.DEK.Ciphertext,
		&meta, &sec.CreatedAt, &sec.UpdatedAt, &lastRotated, &rotationPeriodSecs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, envelopePair{}, store.ErrNotFound
		}
		return nil, envelopePair{}, fmt.Errorf("secretstore: scanning secret: %w", err)
	}
	sec.Kind = Kind(kind)
	sec.LastRotatedAt = lastRotated
	if rotationPeriodSecs != nil {
		d := time.Duration(*rotationPeriodSecs) * time.Second
		sec.RotationPeriod = &d
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sec.Metadata); err != nil {
			return nil, envelopePair{}, fmt.Errorf("secretstore: unmarshaling metadata: %w", err)
		}
	}
	return &sec, pair, nil
}

// ArchiveAndAdvance archives the current row as an immutable secret_version,
// then overwrites secrets with the new version's ciphertexts, in one
// transaction: fetch current row, archive it, then write back with
// version=v+1.
func (s *Store) ArchiveAndAdvance(ctx context.Context, secretID uuid.UUID, archived *Secret, archivedPair envelopePair, newVersion int, newPair envelopePair, updatedAt time.Time) error {
	meta, err := json.Marshal(archived.Metadata)
	if err != nil {
		return fmt.Errorf("secretstore: marshaling metadata: %w", err)
	}
	return store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		const insertVersion = `INSERT INTO secret_versions
			(secret_id, version, path, name, kind, payload_nonce, payload_ciphertext,
			 dek_nonce, dek_ciphertext, metadata, created_at, archived_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
		if _, err := tx.Exec(ctx, insertVersion,
			secretID, archived.Version, archived.Path, archived.Name, string(archived.Kind),
			archivedPair.Payload.Nonce, archivedPair.Payload.Ciphertext,
			archivedPair.DEK.Nonce, archivedPair.DEK.Ciphertext,
			meta, archived.CreatedAt, updatedAt,
		); err != nil {
			return fmt.Errorf("secretstore: archiving version %d: %w", archived.Version, err)
		}

		const updateCurrent = `UPDATE secrets SET version = $2,
			payload_nonce = $3, payload_ciphertext = $4, dek_nonce = $5, dek_ciphertext = $6,
			updated_at = $7
			WHERE id = $1`
		tag, err := tx.Exec(ctx, updateCurrent, secretID, newVersion,
			newPair.Payload.Nonce, newPair.Payload.Ciphertext, newPair.DEK.Nonce, newPair.DEK.Ciphertext,
			updatedAt,
		)
		if err != nil {
			return fmt.Errorf("secretstore: advancing to version %d: %w", newVersion, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// GetVersion fetches an archived version's own envelope pair — the archive
// holds its own wrapped DEK at the time of archival, which rollback needs.
func (s *Store) GetVersion(ctx context.Context, secretID uuid.UUID, version int) (envelopePair, error) {
	const q = `SELECT payload_nonce, payload_ciphertext, dek_nonce, dek_ciphertext
		FROM secret_versions WHERE secret_id = $1 AND version = $2`
	row := s.pool.QueryRow(ctx, q, secretID, version)
	var pair envelopePair
	if err := row.Scan(&pair.Payload.Nonce, &pair.Payload.Ciphertext, &pair.DEK.Nonce, &pair.DEK.Ciphertext); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return envelopePair{}, store.ErrNotFound
		}
		return envelopePair{}, fmt.Errorf("secretstore: scanning version %d: %w", version, err)
	}
	return pair, nil
}

// PruneOldVersions deletes archived versions outside the retention window:
// every version is kept if it is newer than now-keepDays, OR it is among
// the keepVersions most recent; the rest are deleted. The live row is
// never touched.
func (s *Store) PruneOldVersions(ctx context.Context, secretID uuid.UUID, keepVersions int, keepDays int, now time.Time) (deleted, kept int, err error) {
	err = store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, qErr := tx.Query(ctx, `SELECT version, archived_at FROM secret_versions WHERE secret_id = $1 ORDER BY version DESC`, secretID)
		if qErr != nil {
			return fmt.Errorf("secretstore: listing versions: %w", qErr)
		}
		type row struct {
			version    int
			archivedAt time.Time
		}
		var versions []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.version, &r.archivedAt); err != nil {
				rows.Close()
				return fmt.Errorf("secretstore: scanning version row: %w", err)
			}
			versions = append(versions, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		cutoff := now.AddDate(0, 0, -keepDays)
		var toDelete []int
		for i, r := range versions {
			if i < keepVersions {
				kept++
				continue
			}
			if keepDays > 0 && r.archivedAt.After(cutoff) {
				kept++
				continue
			}
			toDelete = append(toDelete, r.version)
		}

		for _, v := range toDelete {
			if _, err := tx.Exec(ctx, `DELETE FROM secret_versions WHERE secret_id = $1 AND version = $2`, secretID, v); err != nil {
				return fmt.Errorf("secretstore: deleting version %d: %w", v, err)
			}
			deleted++
		}
		return nil
	})
	return deleted, kept, err
}
