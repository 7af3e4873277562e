package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rezonia/fiscal-gateway/internal/storage"
)

// SQLDeadLetters is a DeadLetterStore backed by the dead_letters table.
// Envelopes are stored as CBOR blobs.
type SQLDeadLetters struct {
	db *storage.DB
}

// NewSQLDeadLetters creates a dead-letter store on an opened database.
func NewSQLDeadLetters(db *storage.DB) *SQLDeadLetters {
	return &SQLDeadLetters{db: db}
}

// Add inserts a dead letter. A second dead letter for the same item fails.
func (s *SQLDeadLetters) Add(ctx context.Context, dl DeadLetter) error {
	blob, err := encodeEnvelope(dl.Envelope)
	if err != nil {
		return fmt.Errorf("queue: encode envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO dead_letters (item_id, access_key, envelope, attempts, last_failure, first_enqueued_at, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		dl.ItemID, dl.AccessKey, blob, dl.Attempts, dl.LastFailure,
		dl.FirstEnqueuedAt.UTC(), dl.DeadAt.UTC())
	if err != nil {
		return fmt.Errorf("queue: insert dead letter %s: %w", dl.ItemID, err)
	}
	return nil
}

// List returns the dead letters, oldest first.
func (s *SQLDeadLetters) List(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, access_key, envelope, attempts, last_failure, first_enqueued_at, dead_at
		FROM dead_letters ORDER BY dead_at, item_id`)
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl   DeadLetter
			blob []byte
		)
		if err := rows.Scan(&dl.ItemID, &dl.AccessKey, &blob, &dl.Attempts, &dl.LastFailure,
			&dl.FirstEnqueuedAt, &dl.DeadAt); err != nil {
			return nil, fmt.Errorf("queue: scan dead letter: %w", err)
		}
		env, err := decodeEnvelope(blob)
		if err != nil {
			return nil, fmt.Errorf("queue: decode envelope of %s: %w", dl.ItemID, err)
		}
		dl.Envelope = env
		dl.FirstEnqueuedAt = dl.FirstEnqueuedAt.UTC()
		dl.DeadAt = dl.DeadAt.UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Count returns the number of dead letters.
func (s *SQLDeadLetters) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count dead letters: %w", err)
	}
	return n, nil
}

// Delete removes the dead letter of an item.
func (s *SQLDeadLetters) Delete(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM dead_letters WHERE item_id = ?`), itemID)
	if err != nil {
		return fmt.Errorf("queue: delete dead letter %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeBefore drops dead letters older than cutoff.
func (s *SQLDeadLetters) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM dead_letters WHERE dead_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("queue: purge dead letters: %w", err)
	}
	return res.RowsAffected()
}
