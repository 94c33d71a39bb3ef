package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/vaultkernel/internal/store"
)

// Store persists policies and their entity bindings. Grounded on
// pkg/apikey/store.go's plain-pgx hand-scanned shape; the policy document
// (allowed_secrets/allowed_operations/conditions) is stored as JSONB since
// its shape varies per policy, the way the teacher's pkg/integration config
// blobs are stored.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a policy Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type documentRow struct {
	AllowedSecrets    []string   `json:"allowed_secrets"`
	AllowedOperations []Op       `json:"allowed_operations"`
	Conditions        Conditions `json:"conditions"`
}

// Create inserts a new policy and its entity bindings in one transaction.
// Returns store.ErrDuplicate if the name is already taken.
func (s *Store) Create(ctx context.Context, p *Policy) error {
	doc, err := json.Marshal(documentRow{
		AllowedSecrets:    p.Document.AllowedSecrets,
		AllowedOperations: p.Document.AllowedOperations,
		Conditions:        p.Document.Conditions,
	})
	if err != nil {
		return fmt.Errorf("policy: marshaling document: %w", err)
	}

	return store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		const insertPolicy = `INSERT INTO policies (id, name, deny, document, created_at)
		                      VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.Exec(ctx, insertPolicy, p.ID, p.Name, p.Deny, doc, p.CreatedAt); err != nil {
			if store.IsUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return fmt.Errorf("policy: inserting policy: %w", err)
		}
		return insertBindings(ctx, tx, p.ID, p.EntityBindings)
	})
}

// Update replaces an existing policy's document and bindings in one
// transaction. Returns store.ErrNotFound if the policy does not exist.
func (s *Store) Update(ctx context.Context, p *Policy) error {
	doc, err := json.Marshal(documentRow{
		AllowedSecrets:    p.Document.AllowedSecrets,
		AllowedOperations: p.Document.AllowedOperations,
		Conditions:        p.Document.Conditions,
	})
	if err != nil {
		return fmt.Errorf("policy: marshaling document: %w", err)
	}

	return store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		const updatePolicy = `UPDATE policies SET deny = $2, document = $3 WHERE id = $1`
		tag, err := tx.Exec(ctx, updatePolicy, p.ID, p.Deny, doc)
		if err != nil {
			return fmt.Errorf("policy: updating policy: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM policy_bindings WHERE policy_id = $1`, p.ID); err != nil {
			return fmt.Errorf("policy: clearing bindings: %w", err)
		}
		return insertBindings(ctx, tx, p.ID, p.EntityBindings)
	})
}

func insertBindings(ctx context.Context, tx pgx.Tx, policyID string, bindings map[string]struct{}) error {
	const insertBinding = `INSERT INTO policy_bindings (policy_id, entity_id) VALUES ($1, $2)`
	for entityID := range bindings {
		if _, err := tx.Exec(ctx, insertBinding, policyID, entityID); err != nil {
			return fmt.Errorf("policy: binding entity %s: %w", entityID, err)
		}
	}
	return nil
}

// Delete removes a policy and its bindings (cascade, per the migrations'
// foreign key). Returns store.ErrNotFound if the policy does not exist.
func (s *Store) Delete(ctx context.Context, policyID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM policies WHERE id = $1`, policyID)
	if err != nil {
		return fmt.Errorf("policy: deleting policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Get loads a single policy with its bindings.
func (s *Store) Get(ctx context.Context, policyID string) (*Policy, error) {
	const q = `SELECT id, name, deny, document, created_at FROM policies WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, policyID)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, err
	}
	bindings, err := s.loadBindings(ctx, policyID)
	if err != nil {
		return nil, err
	}
	p.EntityBindings = bindings
	return p, nil
}

// BoundPolicies loads every policy explicitly bound to entityID. An entity
// with no bindings gets no policies, not every policy. Implements the
// Engine's PolicySource interface.
func (s *Store) BoundPolicies(ctx context.Context, entityID string) ([]*Policy, error) {
	const q = `SELECT p.id, p.name, p.deny, p.document, p.created_at
	           FROM policies p
	           JOIN policy_bindings b ON b.policy_id = p.id
	           WHERE b.entity_id = $1`
	rows, err := s.pool.Query(ctx, q, entityID)
	if err != nil {
		return nil, fmt.Errorf("policy: querying bound policies: %w", err)
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy: iterating bound policies: %w", err)
	}
	return policies, nil
}

func (s *Store) loadBindings(ctx context.Context, policyID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT entity_id FROM policy_bindings WHERE policy_id = $1`, policyID)
	if err != nil {
		return nil, fmt.Errorf("policy: querying bindings: %w", err)
	}
	defer rows.Close()

	bindings := make(map[string]struct{})
	for rows.Next() {
		var entityID string
		if err := rows.Scan(&entityID); err != nil {
			return nil, fmt.Errorf("policy: scanning binding: %w", err)
		}
		bindings[entityID] = struct{}{}
	}
	return bindings, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (*Policy, error) {
	var (
		p         Policy
		doc       []byte
		createdAt time.Time
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Deny, &doc, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("policy: scanning policy: %w", err)
	}
	p.CreatedAt = createdAt

	var dr documentRow
	if err := json.Unmarshal(doc, &dr); err != nil {
		return nil, fmt.Errorf("policy: unmarshaling document: %w", err)
	}
	p.Document = Document{
		AllowedSecrets:    dr.AllowedSecrets,
		AllowedOperations: dr.AllowedOperations,
		Conditions:        dr.Conditions,
	}
	return &p, nil
}
