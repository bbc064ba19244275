package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for notification batches
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new batch repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateBatch inserts a new notification batch
func (r *Repository) CreateBatch(ctx context.Context, batch *NotificationBatch) error {
	query := `
		INSERT INTO notification_batches (
			id, recipient_id, recipient_phone, status, frequency, total_items
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		batch.ID,
		batch.RecipientID,
		batch.RecipientPhone,
		batch.Status,
		batch.Frequency,
		batch.TotalItems,
	).Scan(&batch.CreatedAt, &batch.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create batch",
			zap.Error(err),
			zap.String("batch_id", batch.ID.String()),
		)
		return fmt.Errorf("insert batch: %w", err)
	}

	return nil
}

const batchColumns = `
	id, recipient_id, recipient_phone, status, frequency,
	total_items, sent_count, failed_count, message_id, sent_at,
	duration_ms, error_message, created_at, updated_at
`

func scanBatch(row pgx.Row) (*NotificationBatch, error) {
	var batch NotificationBatch
	err := row.Scan(
		&batch.ID,
		&batch.RecipientID,
		&batch.RecipientPhone,
		&batch.Status,
		&batch.Frequency,
		&batch.TotalItems,
		&batch.SentCount,
		&batch.FailedCount,
		&batch.MessageID,
		&batch.SentAt,
		&batch.DurationMs,
		&batch.ErrorMessage,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetBatch retrieves a batch by ID
func (r *Repository) GetBatch(ctx context.Context, id uuid.UUID) (*NotificationBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM notification_batches WHERE id = $1`

	batch, err := scanBatch(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get batch",
			zap.Error(err),
			zap.String("batch_id", id.String()),
		)
		return nil, fmt.Errorf("query batch: %w", err)
	}

	return batch, nil
}

// GetOrCreateOpenBatch returns the recipient's pending batch for the given
// frequency window, creating one when the first item of a window arrives.
// A partial unique index on (recipient_id, frequency) WHERE status='pending'
// makes the create race-safe across workers.
func (r *Repository) GetOrCreateOpenBatch(ctx context.Context, recipientID uuid.UUID, phone, frequency string) (*NotificationBatch, error) {
	selectQuery := `
		SELECT ` + batchColumns + `
		FROM notification_batches
		WHERE recipient_id = $1 AND frequency = $2 AND status = 'pending'
	`

	batch, err := scanBatch(r.db.Pool().QueryRow(ctx, selectQuery, recipientID, frequency))
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query open batch: %w", err)
	}

	insertQuery := `
		INSERT INTO notification_batches (
			id, recipient_id, recipient_phone, status, frequency, total_items
		) VALUES ($1, $2, $3, 'pending', $4, 0)
		ON CONFLICT (recipient_id, frequency) WHERE status = 'pending' DO NOTHING
	`
	if _, err := r.db.Pool().Exec(ctx, insertQuery, uuid.New(), recipientID, phone, frequency); err != nil {
		return nil, fmt.Errorf("create open batch: %w", err)
	}

	// Either our insert landed or a concurrent worker's did; the select
	// now finds exactly one pending batch.
	batch, err = scanBatch(r.db.Pool().QueryRow(ctx, selectQuery, recipientID, frequency))
	if err != nil {
		return nil, fmt.Errorf("reload open batch: %w", err)
	}
	return batch, nil
}

// AppendItem adds an item to a batch and bumps the item counter.
func (r *Repository) AppendItem(ctx context.Context, item *BatchItem) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append item: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO batch_items (id, batch_id, type, description)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	if err := tx.QueryRow(ctx, insertQuery, item.ID, item.BatchID, item.Type, item.Description).Scan(&item.CreatedAt); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}

	bumpQuery := `
		UPDATE notification_batches
		SET total_items = total_items + 1, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, bumpQuery, item.BatchID); err != nil {
		return fmt.Errorf("bump total_items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append item: %w", err)
	}

	return nil
}

// ListItems returns a batch's items in insertion order.
func (r *Repository) ListItems(ctx context.Context, batchID uuid.UUID) ([]BatchItem, error) {
	query := `
		SELECT id, batch_id, type, description, created_at
		FROM batch_items
		WHERE batch_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.Pool().Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []BatchItem
	for rows.Next() {
		var item BatchItem
		if err := rows.Scan(&item.ID, &item.BatchID, &item.Type, &item.Description, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// MarkBatchSent records a successful delivery. The status CAS guards
// against a delayed duplicate job: only a pending batch transitions, and
// the caller uses the returned bool to detect already-processed state.
func (r *Repository) MarkBatchSent(ctx context.Context, id uuid.UUID, messageID string, sentCount, failedCount int, duration time.Duration) (bool, error) {
	query := `
		UPDATE notification_batches
		SET status = 'sent',
		    message_id = $2,
		    sent_at = NOW(),
		    sent_count = $3,
		    failed_count = $4,
		    duration_ms = $5,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, messageID, sentCount, failedCount, duration.Milliseconds())
	if err != nil {
		r.logger.Error("failed to mark batch sent",
			zap.Error(err),
			zap.String("batch_id", id.String()),
		)
		return false, fmt.Errorf("mark batch sent: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkBatchSkipped records an empty-payload no-op delivery.
func (r *Repository) MarkBatchSkipped(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE notification_batches
		SET status = 'skipped', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, reason)
	if err != nil {
		return false, fmt.Errorf("mark batch skipped: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// RecordBatchFailure stores retry bookkeeping for a transient send error.
// The batch stays pending so a later attempt can still deliver it.
func (r *Repository) RecordBatchFailure(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE notification_batches
		SET failed_count = failed_count + 1, error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, errMsg); err != nil {
		return fmt.Errorf("record batch failure: %w", err)
	}
	return nil
}

// MarkBatchFailed is the terminal failure transition, used when retries are
// exhausted or the error is permanent. Idempotent: a second call finds no
// pending row and reports false.
func (r *Repository) MarkBatchFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	query := `
		UPDATE notification_batches
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, errMsg)
	if err != nil {
		r.logger.Error("failed to mark batch failed",
			zap.Error(err),
			zap.String("batch_id", id.String()),
		)
		return false, fmt.Errorf("mark batch failed: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListBatchesByRecipient returns a recipient's batches, newest first.
func (r *Repository) ListBatchesByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*NotificationBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM notification_batches
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []*NotificationBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, batch)
	}

	return batches, rows.Err()
}

// MoveToDeadLetter records a terminally failed batch for operator review.
func (r *Repository) MoveToDeadLetter(ctx context.Context, batch *NotificationBatch, attempts int, lastError string) (*DeadLetterBatch, error) {
	dlq := &DeadLetterBatch{
		ID:              uuid.New(),
		OriginalBatchID: batch.ID,
		RecipientID:     batch.RecipientID,
		RecipientPhone:  batch.RecipientPhone,
		Frequency:       batch.Frequency,
		Attempts:        attempts,
		LastError:       lastError,
		Status:          DLQStatusPending,
	}

	query := `
		INSERT INTO dead_letter_batches (
			id, original_batch_id, recipient_id, recipient_phone,
			frequency, attempts, last_error, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		dlq.ID,
		dlq.OriginalBatchID,
		dlq.RecipientID,
		dlq.RecipientPhone,
		dlq.Frequency,
		dlq.Attempts,
		dlq.LastError,
		dlq.Status,
	).Scan(&dlq.CreatedAt, &dlq.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("insert dead letter batch: %w", err)
	}

	r.logger.Info("batch moved to dead letter",
		zap.String("batch_id", batch.ID.String()),
		zap.String("dlq_id", dlq.ID.String()),
		zap.Int("attempts", attempts),
	)

	return dlq, nil
}

const dlqColumns = `
	id, original_batch_id, recipient_id, recipient_phone, frequency,
	attempts, last_error, status, retried_batch_id, created_at, updated_at
`

func scanDeadLetter(row pgx.Row) (*DeadLetterBatch, error) {
	var dlq DeadLetterBatch
	err := row.Scan(
		&dlq.ID,
		&dlq.OriginalBatchID,
		&dlq.RecipientID,
		&dlq.RecipientPhone,
		&dlq.Frequency,
		&dlq.Attempts,
		&dlq.LastError,
		&dlq.Status,
		&dlq.RetriedBatchID,
		&dlq.CreatedAt,
		&dlq.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &dlq, nil
}

// ListDeadLetter returns dead-lettered batches, newest first.
func (r *Repository) ListDeadLetter(ctx context.Context, limit, offset int) ([]*DeadLetterBatch, error) {
	query := `
		SELECT ` + dlqColumns + `
		FROM dead_letter_batches
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letter batches: %w", err)
	}
	defer rows.Close()

	var items []*DeadLetterBatch
	for rows.Next() {
		dlq, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter batch: %w", err)
		}
		items = append(items, dlq)
	}

	return items, rows.Err()
}

// GetDeadLetter retrieves one dead-lettered batch.
func (r *Repository) GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetterBatch, error) {
	query := `SELECT ` + dlqColumns + ` FROM dead_letter_batches WHERE id = $1`

	dlq, err := scanDeadLetter(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dead letter batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query dead letter batch: %w", err)
	}

	return dlq, nil
}

// RetryDeadLetter creates a fresh pending batch from a dead-lettered one,
// copying its items, and marks the DLQ row retried.
func (r *Repository) RetryDeadLetter(ctx context.Context, id uuid.UUID) (*NotificationBatch, error) {
	dlq, err := r.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dlq.Status != DLQStatusPending {
		return nil, fmt.Errorf("dead letter batch %s already %s", id, dlq.Status)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &NotificationBatch{
		ID:             uuid.New(),
		RecipientID:    dlq.RecipientID,
		RecipientPhone: dlq.RecipientPhone,
		Status:         StatusPending,
		Frequency:      dlq.Frequency,
	}

	insertBatch := `
		INSERT INTO notification_batches (
			id, recipient_id, recipient_phone, status, frequency, total_items
		)
		SELECT $1, $2, $3, 'pending', $4, total_items
		FROM notification_batches WHERE id = $5
		RETURNING total_items, created_at, updated_at
	`
	err = tx.QueryRow(ctx, insertBatch, batch.ID, batch.RecipientID, batch.RecipientPhone, batch.Frequency, dlq.OriginalBatchID).
		Scan(&batch.TotalItems, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("clone batch: %w", err)
	}

	copyItems := `
		INSERT INTO batch_items (id, batch_id, type, description, created_at)
		SELECT gen_random_uuid(), $1, type, description, created_at
		FROM batch_items WHERE batch_id = $2
	`
	if _, err := tx.Exec(ctx, copyItems, batch.ID, dlq.OriginalBatchID); err != nil {
		return nil, fmt.Errorf("copy items: %w", err)
	}

	markRetried := `
		UPDATE dead_letter_batches
		SET status = 'retried', retried_batch_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	if _, err := tx.Exec(ctx, markRetried, id, batch.ID); err != nil {
		return nil, fmt.Errorf("mark retried: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retry: %w", err)
	}

	return batch, nil
}

// DiscardDeadLetter marks a dead-lettered batch as handled without retry.
func (r *Repository) DiscardDeadLetter(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE dead_letter_batches
		SET status = 'discarded', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("discard dead letter batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter batch %s: %w", id, ErrNotFound)
	}

	return nil
}
