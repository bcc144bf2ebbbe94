// Package queue is the durable store of writes that have not yet been
// acknowledged by the server. There is exactly one entry per idempotency key.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/localstore"
	"github.com/punchamoorthee/jimpitan/internal/models"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound   = errors.New("pending transaction not found")
	ErrNotPending = errors.New("pending transaction is not in pending state")
	ErrInFlight   = errors.New("pending transaction is being delivered")
)

// Store is implemented by the SQLite queue, the volatile Memory queue and
// Unavailable.
type Store interface {
	// Enqueue stores rec, or replaces the payload of the entry with the same
	// key. The existing entry keeps its FIFO position. Replacing an entry that
	// is being delivered fails with ErrInFlight.
	Enqueue(ctx context.Context, rec models.PendingTransaction) error
	// PeekAll returns every entry, oldest first.
	PeekAll(ctx context.Context) ([]models.PendingTransaction, error)
	Get(ctx context.Context, key string) (models.PendingTransaction, error)
	Remove(ctx context.Context, key string) error
	// MarkInFlight moves a pending entry to in-flight. It fails with
	// ErrNotPending if another drain already claimed it.
	MarkInFlight(ctx context.Context, key string) error
	MarkPending(ctx context.Context, key string, attempts int, nextAttemptAt time.Time, lastErr string) error
	MarkRejected(ctx context.Context, key string, reason string) error
	// ResetInFlight returns entries abandoned mid-delivery to pending.
	ResetInFlight(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
}

// Queue is the SQLite-backed Store.
type Queue struct {
	db  *localstore.DB
	log zerolog.Logger
	now func() time.Time
}

func New(db *localstore.DB, log zerolog.Logger) *Queue {
	return &Queue{db: db, log: log, now: time.Now}
}

// SetClock overrides the timestamp source for new entries.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) Enqueue(ctx context.Context, rec models.PendingTransaction) error {
	if rec.IdempotencyKey == "" {
		return apperr.Invalid("idempotency_key", "required")
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("enqueue: encode payload: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = q.now()
	}

	// A rejected entry being corrected starts over; a pending one keeps its
	// retry schedule. SET expressions read the pre-update row.
	res, err := q.db.SQL().ExecContext(ctx, `
		INSERT INTO pending_transactions
		(idempotency_key, seq, payload, created_at, attempts, state, next_attempt_at, last_error)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_transactions), ?, ?, 0, 'pending', 0, '')
		ON CONFLICT (idempotency_key) DO UPDATE SET
			payload         = excluded.payload,
			attempts        = CASE WHEN state = 'rejected' THEN 0 ELSE attempts END,
			next_attempt_at = CASE WHEN state = 'rejected' THEN 0 ELSE next_attempt_at END,
			last_error      = CASE WHEN state = 'rejected' THEN '' ELSE last_error END,
			state           = 'pending'
		WHERE state <> 'in-flight'
	`, rec.IdempotencyKey, string(payload), createdAt.UnixNano())
	if err != nil {
		return apperr.Storage(fmt.Errorf("enqueue: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Storage(fmt.Errorf("enqueue: %w", err))
	}
	if n == 0 {
		return ErrInFlight
	}

	q.log.Debug().Str("idempotency_key", rec.IdempotencyKey).Msg("enqueued pending transaction")
	return nil
}

const pendingColumns = "idempotency_key, seq, payload, created_at, attempts, state, next_attempt_at, last_error"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (models.PendingTransaction, error) {
	var (
		p                   models.PendingTransaction
		payload, state      string
		createdAt, nextAtNs int64
	)
	if err := row.Scan(&p.IdempotencyKey, &p.Seq, &payload, &createdAt, &p.Attempts, &state, &nextAtNs, &p.LastError); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return p, fmt.Errorf("decode payload of %s: %w", p.IdempotencyKey, err)
	}
	p.CreatedAt = time.Unix(0, createdAt)
	if nextAtNs > 0 {
		p.NextAttemptAt = time.Unix(0, nextAtNs)
	}
	p.State = models.QueueState(state)
	return p, nil
}

func (q *Queue) PeekAll(ctx context.Context) ([]models.PendingTransaction, error) {
	rows, err := q.db.SQL().QueryContext(ctx,
		"SELECT "+pendingColumns+" FROM pending_transactions ORDER BY created_at ASC, seq ASC")
	if err != nil {
		return nil, apperr.Storage(fmt.Errorf("peek: %w", err))
	}
	defer rows.Close()

	out := make([]models.PendingTransaction, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, apperr.Storage(fmt.Errorf("peek: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage(fmt.Errorf("peek: %w", err))
	}
	return out, nil
}

func (q *Queue) Get(ctx context.Context, key string) (models.PendingTransaction, error) {
	p, err := scanPending(q.db.SQL().QueryRowContext(ctx,
		"SELECT "+pendingColumns+" FROM pending_transactions WHERE idempotency_key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, apperr.Storage(fmt.Errorf("get: %w", err))
	}
	return p, nil
}

func (q *Queue) Remove(ctx context.Context, key string) error {
	_, err := q.db.SQL().ExecContext(ctx, "DELETE FROM pending_transactions WHERE idempotency_key = ?", key)
	if err != nil {
		return apperr.Storage(fmt.Errorf("remove: %w", err))
	}
	return nil
}

func (q *Queue) MarkInFlight(ctx context.Context, key string) error {
	res, err := q.db.SQL().ExecContext(ctx,
		"UPDATE pending_transactions SET state = 'in-flight' WHERE idempotency_key = ? AND state = 'pending'", key)
	if err != nil {
		return apperr.Storage(fmt.Errorf("mark in-flight: %w", err))
	}
	return q.checkTransition(ctx, res, key, ErrNotPending)
}

func (q *Queue) MarkPending(ctx context.Context, key string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	var nextAt int64
	if !nextAttemptAt.IsZero() {
		nextAt = nextAttemptAt.UnixNano()
	}
	res, err := q.db.SQL().ExecContext(ctx, `
		UPDATE pending_transactions
		SET state = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE idempotency_key = ?`, attempts, nextAt, lastErr, key)
	if err != nil {
		return apperr.Storage(fmt.Errorf("mark pending: %w", err))
	}
	return q.checkTransition(ctx, res, key, ErrNotFound)
}

func (q *Queue) MarkRejected(ctx context.Context, key string, reason string) error {
	res, err := q.db.SQL().ExecContext(ctx,
		"UPDATE pending_transactions SET state = 'rejected', last_error = ? WHERE idempotency_key = ?", reason, key)
	if err != nil {
		return apperr.Storage(fmt.Errorf("mark rejected: %w", err))
	}
	return q.checkTransition(ctx, res, key, ErrNotFound)
}

// checkTransition maps a zero-row update to ErrNotFound when the key is gone,
// or to the given error when the entry exists in the wrong state.
func (q *Queue) checkTransition(ctx context.Context, res sql.Result, key string, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Storage(err)
	}
	if n > 0 {
		return nil
	}
	if _, err := q.Get(ctx, key); err != nil {
		return err
	}
	return otherwise
}

func (q *Queue) ResetInFlight(ctx context.Context) (int, error) {
	res, err := q.db.SQL().ExecContext(ctx,
		"UPDATE pending_transactions SET state = 'pending' WHERE state = 'in-flight'")
	if err != nil {
		return 0, apperr.Storage(fmt.Errorf("reset in-flight: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Storage(err)
	}
	if n > 0 {
		q.log.Info().Int64("count", n).Msg("recovered in-flight entries from an interrupted drain")
	}
	return int(n), nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.SQL().QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_transactions").Scan(&n); err != nil {
		return 0, apperr.Storage(fmt.Errorf("len: %w", err))
	}
	return n, nil
}

// Unavailable stands in for a queue whose storage could not be opened. Every
// call fails with apperr.StorageUnavailable so callers take their degraded
// path instead of crashing.
type Unavailable struct {
	Err error
}

func (u Unavailable) fail() error {
	if u.Err == nil {
		return apperr.Storage(errors.New("queue storage not opened"))
	}
	return apperr.Storage(u.Err)
}

func (u Unavailable) Enqueue(context.Context, models.PendingTransaction) error {
	return u.fail()
}

func (u Unavailable) PeekAll(context.Context) ([]models.PendingTransaction, error) {
	return nil, u.fail()
}

func (u Unavailable) Get(context.Context, string) (models.PendingTransaction, error) {
	return models.PendingTransaction{}, u.fail()
}

func (u Unavailable) Remove(context.Context, string) error {
	return u.fail()
}

func (u Unavailable) MarkInFlight(context.Context, string) error {
	return u.fail()
}

func (u Unavailable) MarkPending(context.Context, string, int, time.Time, string) error {
	return u.fail()
}

func (u Unavailable) MarkRejected(context.Context, string, string) error {
	return u.fail()
}

func (u Unavailable) ResetInFlight(context.Context) (int, error) {
	return 0, u.fail()
}

func (u Unavailable) Len(context.Context) (int, error) {
	return 0, u.fail()
}
