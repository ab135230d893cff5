package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/ordertask/internal/journal"
)

// JournalStore appends journal records to order_events.
type JournalStore struct {
	pool *pgxpool.Pool
}

var _ journal.Store = (*JournalStore)(nil)

// NewJournalStore constructs a JournalStore backed by pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

const (
	journalInsertSQL = `
INSERT INTO order_events (
    session_id,
    seq,
    order_id,
    instrument,
    kind,
    terminal,
    state,
    amount,
    payload,
    recorded_at
)
VALUES (
    @session_id,
    @seq,
    @order_id,
    @instrument,
    @kind,
    @terminal,
    @state,
    @amount,
    @payload::jsonb,
    @recorded_at
)
ON CONFLICT (session_id, seq) DO NOTHING;
`

	journalByOrderSQL = `
SELECT session_id, seq, order_id, instrument, kind, terminal, state, amount, payload, recorded_at
FROM order_events
WHERE order_id = $1
ORDER BY recorded_at, seq;
`
)

// Append inserts records in one batch. Rows already stored for the same
// session and sequence are skipped.
func (s *JournalStore) Append(ctx context.Context, records ...journal.Record) error {
	if len(records) == 0 {
		return nil
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("journal store: nil pool")
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		amount, err := numericFromDecimal(rec.Amount)
		if err != nil {
			return err
		}
		recordedAt := rec.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now().UTC()
		}
		batch.Queue(journalInsertSQL, pgx.NamedArgs{
			"session_id":  rec.Session,
			"seq":         int64(rec.Seq),
			"order_id":    rec.OrderID,
			"instrument":  rec.Instrument,
			"kind":        rec.Kind,
			"terminal":    rec.Terminal,
			"state":       rec.State,
			"amount":      amount,
			"payload":     string(rec.Payload),
			"recorded_at": recordedAt,
		})
	}
	results := s.pool.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("append journal record: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close journal batch: %w", err)
	}
	return nil
}

// ByOrder returns the journal rows of orderID in recording order.
func (s *JournalStore) ByOrder(ctx context.Context, orderID string) ([]journal.Record, error) {
	rows, err := s.pool.Query(ctx, journalByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []journal.Record
	for rows.Next() {
		var (
			rec     journal.Record
			seq     int64
			amount  pgtype.Numeric
			payload []byte
		)
		if err := rows.Scan(&rec.Session, &seq, &rec.OrderID, &rec.Instrument, &rec.Kind,
			&rec.Terminal, &rec.State, &amount, &payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Payload = payload
		if rec.Amount, err = decimalFromNumeric(amount); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}
	return out, nil
}
