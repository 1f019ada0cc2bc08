package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/worklog/event-relay/internal/model"
)

// OutboxRepository defines persistence methods for the outbox_events table.
// Selections never lock rows; cross-node exclusion is the scheduler lock's
// job, not the store's.
type OutboxRepository interface {
	// Insert writes a single outbox event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx so the row
	// commits (or rolls back) together with the producer's business mutation.
	Insert(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error

	// FindPending returns up to limit Pending rows, oldest occurred_at first.
	FindPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)

	// FindRetryable returns up to limit Failed rows with retry_count below
	// maxRetry, oldest occurred_at first.
	FindRetryable(ctx context.Context, maxRetry, limit int) ([]model.OutboxEvent, error)

	// FindByID returns (nil, nil) when no row matches.
	FindByID(ctx context.Context, eventID string) (*model.OutboxEvent, error)

	// MarkPublished advances a row to Published and stamps published_at.
	MarkPublished(ctx context.Context, eventID string, publishedAt time.Time) error

	// MarkFailed moves a row to Failed, records the error and counts the attempt.
	MarkFailed(ctx context.Context, eventID, errMsg string) error

	// IncrementRetryCount counts an attempt before the send is made.
	IncrementRetryCount(ctx context.Context, eventID string) error

	// RecordSendError updates error_message only; status and retry_count are
	// left as they are (the retry path already counted the attempt).
	RecordSendError(ctx context.Context, eventID, errMsg string) error

	// DeleteOldPublished removes Published rows with published_at before the
	// cutoff and reports how many were deleted. Pending and Failed rows are
	// never touched.
	DeleteOldPublished(ctx context.Context, before time.Time) (int64, error)

	// CountByStatus returns the number of rows in the given status.
	CountByStatus(ctx context.Context, status model.EventStatus) (int64, error)

	// FindDeadLettered returns Failed rows that exhausted the retry budget.
	FindDeadLettered(ctx context.Context, maxRetry, limit int) ([]model.OutboxEvent, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error {
	const q = `
		INSERT INTO outbox_events
			(event_id, aggregate_id, aggregate_type, event_type, event_action,
			 event_data, event_status, partition_key, occurred_at, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			event.EventID,
			event.AggregateID,
			event.AggregateType,
			event.EventType,
			event.EventAction,
			event.EventData,
			event.EventStatus,
			event.PartitionKey,
			event.OccurredAt,
			event.CreatedAt,
		)

		return err
	})
}

func (r *OutboxRepositoryImpl) FindPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	const q = `
		SELECT * FROM outbox_events
		WHERE event_status = ?
		ORDER BY occurred_at ASC, event_id ASC
		LIMIT ?
	`
	var events []model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, q, model.StatusPending, limit); err != nil {
		return nil, err
	}

	return events, nil
}

func (r *OutboxRepositoryImpl) FindRetryable(ctx context.Context, maxRetry, limit int) ([]model.OutboxEvent, error) {
	const q = `
		SELECT * FROM outbox_events
		WHERE event_status = ? AND retry_count < ?
		ORDER BY occurred_at ASC, event_id ASC
		LIMIT ?
	`
	var events []model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, q, model.StatusFailed, maxRetry, limit); err != nil {
		return nil, err
	}

	return events, nil
}

func (r *OutboxRepositoryImpl) FindDeadLettered(ctx context.Context, maxRetry, limit int) ([]model.OutboxEvent, error) {
	const q = `
		SELECT * FROM outbox_events
		WHERE event_status = ? AND retry_count >= ?
		ORDER BY occurred_at ASC, event_id ASC
		LIMIT ?
	`
	var events []model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, q, model.StatusFailed, maxRetry, limit); err != nil {
		return nil, err
	}

	return events, nil
}

func (r *OutboxRepositoryImpl) FindByID(ctx context.Context, eventID string) (*model.OutboxEvent, error) {
	const q = `SELECT * FROM outbox_events WHERE event_id = ?`

	var event model.OutboxEvent
	err := r.db.GetContext(ctx, &event, q, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &event, nil
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, eventID string, publishedAt time.Time) error {
	const q = `
		UPDATE outbox_events
		SET event_status = ?, published_at = ?, error_message = NULL
		WHERE event_id = ?
	`
	_, err := r.db.ExecContext(ctx, q, model.StatusPublished, publishedAt, eventID)

	return err
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	const q = `
		UPDATE outbox_events
		SET event_status = ?, error_message = ?, retry_count = retry_count + 1
		WHERE event_id = ?
	`
	_, err := r.db.ExecContext(ctx, q, model.StatusFailed, errMsg, eventID)

	return err
}

func (r *OutboxRepositoryImpl) IncrementRetryCount(ctx context.Context, eventID string) error {
	const q = `UPDATE outbox_events SET retry_count = retry_count + 1 WHERE event_id = ?`
	_, err := r.db.ExecContext(ctx, q, eventID)

	return err
}

func (r *OutboxRepositoryImpl) RecordSendError(ctx context.Context, eventID, errMsg string) error {
	const q = `UPDATE outbox_events SET error_message = ? WHERE event_id = ?`
	_, err := r.db.ExecContext(ctx, q, errMsg, eventID)

	return err
}

func (r *OutboxRepositoryImpl) DeleteOldPublished(ctx context.Context, before time.Time) (int64, error) {
	const q = `
		DELETE FROM outbox_events
		WHERE event_status = ? AND published_at IS NOT NULL AND published_at < ?
	`
	res, err := r.db.ExecContext(ctx, q, model.StatusPublished, before)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *OutboxRepositoryImpl) CountByStatus(ctx context.Context, status model.EventStatus) (int64, error) {
	const q = `SELECT COUNT(*) FROM outbox_events WHERE event_status = ?`

	var n int64
	if err := r.db.GetContext(ctx, &n, q, status); err != nil {
		return 0, err
	}

	return n, nil
}
