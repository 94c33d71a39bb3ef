// Package audit implements the tamper-evident hash-chained audit log
// (spec §4.3). Unlike the teacher's own internal/audit.Writer — an async,
// buffered, best-effort logger appropriate for an on-call paging trail —
// every terminal decision here must be durably recorded before a response
// is released (spec §7), so Append is synchronous and transactional,
// serialized through a Postgres advisory lock (internal/store) rather than
// a channel-buffered background flush.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	vstore "github.com/wisbric/vaultkernel/internal/store"
)

// GenesisHash is the prev_hash recorded for the first entry in the chain.
const GenesisHash = "GENESIS"

// Entry is one immutable row of the audit log (spec §3 AuditEntry).
type Entry struct {
	Seq           int64
	Timestamp     time.Time
	EventType     string
	ActorType     string
	ActorID       string
	Target        string // empty if not applicable
	AccessGranted bool
	DenialReason  string // empty if granted or not applicable
	CorrelationID string
	EventData     json.RawMessage
	PrevHash      string
	CurrentHash   string
	Signature     []byte // nil if unsigned (emergency, sealed-acceptable event)
	Archived      bool
}

// AppendRequest is the caller-supplied content of a new entry; Seq,
// Timestamp, PrevHash, CurrentHash, and Signature are computed by Append.
type AppendRequest struct {
	EventType     string
	ActorType     string
	ActorID       string
	Target        string
	AccessGranted bool
	DenialReason  string
	CorrelationID string
	EventData     json.RawMessage
}

// Signer produces the audit signing key's tag over an entry's hash. A nil
// Signer, or Sign returning unsigned=true, marks the entry unsigned — only
// acceptable for the emergency/sealed-acceptable path (spec §4.3 step 4).
type Signer interface {
	Sign(ctx context.Context, hash []byte) (sig []byte, unsigned bool, err error)
	// Verify reports whether sig is the correct signature over hash under
	// this signer's key. Called by VerifyChain for every signed entry (spec
	// §4.3: "signature failure produces a located fault report").
	Verify(ctx context.Context, hash, sig []byte) (ok bool, err error)
}

// Store is the audit log's Postgres-backed append/verify/export surface.
type Store struct {
	pool       *pgxpool.Pool
	signer     Signer
	appendWait time.Duration
}

// NewStore creates an audit Store. signer may be nil, in which case every
// entry is recorded unsigned.
func NewStore(pool *pgxpool.Pool, signer Signer) *Store {
	return &Store{pool: pool, signer: signer, appendWait: 5 * time.Second}
}

const maxAppendRetries = 3

// Append records a new entry under the audit sentinel's advisory lock
// (spec §4.3 steps 1-5), retrying up to 3 times on a sequence collision from
// a non-cooperating concurrent writer before giving up with
// store.ErrAuditConflict. The whole call is bounded by a 5-second timeout
// (spec §5); overrun surfaces as store.ErrAuditUnavailable.
func (s *Store) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.appendWait)
	defer cancel()

	var (
		entry   *Entry
		lastErr error
	)
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		err := vstore.WithAdvisoryLock(ctx, s.pool, "audit", func(tx pgx.Tx) error {
			e, err := s.appendLocked(ctx, tx, req)
			if err != nil {
				return err
			}
			entry = e
			return nil
		})
		if err == nil {
			return entry, nil
		}
		if vstore.IsUniqueViolation(err) {
			lastErr = err
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, vstore.ErrAuditUnavailable
		}
		return nil, err
	}
	_ = lastErr
	return nil, vstore.ErrAuditConflict
}

func (s *Store) appendLocked(ctx context.Context, tx pgx.Tx, req AppendRequest) (*Entry, error) {
	tail, err := tailLocked(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("audit: reading tail: %w", err)
	}

	e := &Entry{
		Seq:           tail.seq + 1,
		Timestamp:     time.Now().UTC(),
		EventType:     req.EventType,
		ActorType:     req.ActorType,
		ActorID:       req.ActorID,
		Target:        req.Target,
		AccessGranted: req.AccessGranted,
		DenialReason:  req.DenialReason,
		CorrelationID: req.CorrelationID,
		EventData:     req.EventData,
		PrevHash:      tail.hash,
	}
	e.CurrentHash = fmt.Sprintf("%x", computeHash(e))

	if s.signer != nil {
		sig, unsigned, err := s.signer.Sign(ctx, []byte(e.CurrentHash))
		if err != nil {
			return nil, fmt.Errorf("audit: signing entry: %w", err)
		}
		if !unsigned {
			e.Signature = sig
		}
	}

	const q = `INSERT INTO audit_logs
		(seq, ts, event_type, actor_type, actor_id, target, access_granted,
		 denial_reason, correlation_id, event_data, prev_hash, current_hash, signature)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err = tx.Exec(ctx, q,
		e.Seq, e.Timestamp, e.EventType, e.ActorType, e.ActorID, nullableString(e.Target),
		e.AccessGranted, nullableString(e.DenialReason), e.CorrelationID, e.EventData,
		e.PrevHash, e.CurrentHash, e.Signature,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

type tailRow struct {
	seq  int64
	hash string
}

// tailLocked reads the current chain tip. Called only while the audit
// advisory lock is held, so a plain SELECT (no FOR UPDATE) is sufficient —
// nothing else can be writing concurrently.
func tailLocked(ctx context.Context, tx pgx.Tx) (tailRow, error) {
	const q = `SELECT seq, current_hash FROM audit_logs ORDER BY seq DESC LIMIT 1`
	row := tx.QueryRow(ctx, q)
	var t tailRow
	if err := row.Scan(&t.seq, &t.hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tailRow{seq: 0, hash: GenesisHash}, nil
		}
		return tailRow{}, err
	}
	return t, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// computeHash implements spec §3's current_hash formula:
// SHA-256(seq || ts || event_type || actor || target || granted || event_data || prev_hash).
func computeHash(e *Entry) []byte {
	return sha256Concat(
		[]byte(fmt.Sprintf("%d", e.Seq)),
		[]byte(e.Timestamp.Format(time.RFC3339Nano)),
		[]byte(e.EventType),
		[]byte(e.ActorType+":"+e.ActorID),
		[]byte(e.Target),
		boolBytes(e.AccessGranted),
		e.EventData,
		[]byte(e.PrevHash),
	)
}
