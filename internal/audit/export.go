package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// ExportFilter narrows an audit export. Zero values mean unbounded.
type ExportFilter struct {
	From, To time.Time
	ActorID  string
}

var csvHeader = []string{
	"Timestamp", "Sequence", "Event Type", "Actor Type", "Actor Id",
	"Access Granted", "Denial Reason", "Correlation Id", "Hash",
}

// ExportCSV writes entries matching filter to w in the stable column order
// spec §4.3 mandates, RFC 4180 quoting, LF line endings. A filter matching
// no rows still emits the header — header-only output is intentional, not
// an error.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, filter ExportFilter) error {
	cw := csv.NewWriter(w)
	cw.UseCRLF = false
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: writing csv header: %w", err)
	}

	const q = `SELECT seq, ts, event_type, actor_type, actor_id, target, access_granted,
	           denial_reason, correlation_id, event_data, prev_hash, current_hash, signature
	           FROM audit_logs
	           WHERE ($1::timestamptz IS NULL OR ts >= $1)
	             AND ($2::timestamptz IS NULL OR ts <= $2)
	             AND ($3 = '' OR actor_id = $3)
	           ORDER BY seq ASC`
	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}
	rows, err := s.pool.Query(ctx, q, from, to, filter.ActorID)
	if err != nil {
		return fmt.Errorf("audit: querying export: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("audit: scanning export row: %w", err)
		}
		record := []string{
			e.Timestamp.Format(time.RFC3339Nano),
			fmt.Sprintf("%d", e.Seq),
			e.EventType,
			e.ActorType,
			e.ActorID,
			fmt.Sprintf("%t", e.AccessGranted),
			e.DenialReason,
			e.CorrelationID,
			e.CurrentHash,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit: writing csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit: iterating export rows: %w", err)
	}

	cw.Flush()
	return cw.Error()
}
