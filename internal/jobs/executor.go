// Package jobs runs queued notification work: the per-job executor state
// machine and the worker pool that drains the priority lanes.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/db"
	"github.com/teguhsant/pasarwa/internal/digest"
	"github.com/teguhsant/pasarwa/internal/notify"
	"github.com/teguhsant/pasarwa/internal/queue"
)

// Outcome is the terminal classification of one execution attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // delivered
	OutcomeSkipped   Outcome = "skipped"   // empty payload, expected no-op
	OutcomeNoOp      Outcome = "noop"      // batch already processed by an earlier attempt
)

// ErrNoRecipient marks a batch whose recipient contact cannot be resolved.
// Not retried: more attempts cannot fix missing contact data.
var ErrNoRecipient = errors.New("no resolvable recipient contact")

// BatchRepository is the persistence surface the executor needs.
type BatchRepository interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*db.NotificationBatch, error)
	ListItems(ctx context.Context, batchID uuid.UUID) ([]db.BatchItem, error)
	MarkBatchSent(ctx context.Context, id uuid.UUID, messageID string, sentCount, failedCount int, duration time.Duration) (bool, error)
	MarkBatchSkipped(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	RecordBatchFailure(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkBatchFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
	MoveToDeadLetter(ctx context.Context, batch *db.NotificationBatch, attempts int, lastError string) (*db.DeadLetterBatch, error)
}

// MessageSender is the outbound send path. Satisfied by *notify.Sender.
type MessageSender interface {
	Send(ctx context.Context, to, body, notifType string) (string, error)
}

// Executor runs one job at a time through the
// pending -> in_progress -> {completed | retrying | failed} state machine.
type Executor struct {
	repo       BatchRepository
	sender     MessageSender
	digestOpts digest.Options
	logger     *zap.Logger
}

// NewExecutor creates a job executor.
func NewExecutor(repo BatchRepository, sender MessageSender, digestOpts digest.Options, logger *zap.Logger) *Executor {
	return &Executor{
		repo:       repo,
		sender:     sender,
		digestOpts: digestOpts,
		logger:     logger,
	}
}

// Execute runs a single attempt. A nil error means the job is done with the
// returned outcome. A *notify.QuietHoursError asks for a reschedule (not an
// attempt). Errors satisfying IsPermanent must not be retried; anything
// else is transient and subject to the retry policy.
func (e *Executor) Execute(ctx context.Context, job *queue.Job) (Outcome, error) {
	switch job.Kind {
	case KindSendDigest:
		return e.executeDigest(ctx, job)
	case KindSendSingle:
		return e.executeSingle(ctx, job)
	default:
		return "", permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

func (e *Executor) executeDigest(ctx context.Context, job *queue.Job) (Outcome, error) {
	var task DigestTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return "", permanent(fmt.Errorf("decode digest task: %w", err))
	}

	// Reload authoritative state: the job may have been delayed long past
	// enqueue, and the batch may have been handled elsewhere.
	batch, err := e.repo.GetBatch(ctx, task.BatchID)
	if errors.Is(err, db.ErrNotFound) {
		return "", permanent(err)
	}
	if err != nil {
		return "", err
	}

	if batch.Status != db.StatusPending {
		e.logger.Info("batch already processed, skipping",
			zap.String("batch_id", batch.ID.String()),
			zap.String("status", batch.Status),
		)
		return OutcomeNoOp, nil
	}

	items, err := e.repo.ListItems(ctx, batch.ID)
	if err != nil {
		return "", err
	}

	if len(items) == 0 {
		if _, err := e.repo.MarkBatchSkipped(ctx, batch.ID, "no pending items"); err != nil {
			return "", err
		}
		return OutcomeSkipped, nil
	}

	if batch.RecipientPhone == "" {
		// Permanent input error: recorded distinctly and never retried.
		if _, err := e.repo.MarkBatchFailed(ctx, batch.ID, ErrNoRecipient.Error()); err != nil {
			return "", err
		}
		return "", permanent(fmt.Errorf("batch %s: %w", batch.ID, ErrNoRecipient))
	}

	body := digest.Compose(items, batch.Frequency, e.digestOpts)

	start := time.Now()
	messageID, err := e.sender.Send(ctx, batch.RecipientPhone, body, "digest")
	if err != nil {
		var quiet *notify.QuietHoursError
		if errors.As(err, &quiet) {
			return "", err // reschedule, not a failure
		}

		if recErr := e.repo.RecordBatchFailure(ctx, batch.ID, err.Error()); recErr != nil {
			e.logger.Error("failed to record batch failure",
				zap.Error(recErr),
				zap.String("batch_id", batch.ID.String()),
			)
		}

		var perm *notify.PermanentSendError
		if errors.As(err, &perm) {
			return "", permanent(err)
		}
		return "", err
	}

	updated, err := e.repo.MarkBatchSent(ctx, batch.ID, messageID, len(items), batch.FailedCount, time.Since(start))
	if err != nil {
		return "", err
	}
	if !updated {
		// Lost the CAS: something else transitioned the batch while the
		// send was in flight. Last writer wins on bookkeeping; the message
		// is out either way.
		e.logger.Warn("batch transitioned during send",
			zap.String("batch_id", batch.ID.String()),
		)
		return OutcomeNoOp, nil
	}

	e.logger.Info("digest delivered",
		zap.String("batch_id", batch.ID.String()),
		zap.String("message_id", messageID),
		zap.Int("items", len(items)),
	)

	return OutcomeCompleted, nil
}

func (e *Executor) executeSingle(ctx context.Context, job *queue.Job) (Outcome, error) {
	var task SingleTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return "", permanent(fmt.Errorf("decode single task: %w", err))
	}

	if task.Body == "" {
		return OutcomeSkipped, nil
	}
	if task.To == "" {
		return "", permanent(fmt.Errorf("single task: %w", ErrNoRecipient))
	}

	messageID, err := e.sender.Send(ctx, task.To, task.Body, task.Type)
	if err != nil {
		var quiet *notify.QuietHoursError
		if errors.As(err, &quiet) {
			return "", err
		}
		var perm *notify.PermanentSendError
		if errors.As(err, &perm) {
			return "", permanent(err)
		}
		return "", err
	}

	e.logger.Info("alert delivered",
		zap.String("job_id", job.ID),
		zap.String("type", task.Type),
		zap.String("message_id", messageID),
	)

	return OutcomeCompleted, nil
}

// FailPermanently is the terminal failure handler, invoked once retries are
// exhausted, the retry deadline has passed, or the error is permanent. Safe
// to invoke more than once: the status CAS makes the transition idempotent.
func (e *Executor) FailPermanently(ctx context.Context, job *queue.Job, cause error) {
	if job.Kind != KindSendDigest {
		e.logger.Error("job permanently failed",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("attempts", job.Attempt),
			zap.Error(cause),
		)
		return
	}

	var task DigestTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return
	}

	batch, err := e.repo.GetBatch(ctx, task.BatchID)
	if err != nil {
		e.logger.Error("terminal failure for unloadable batch",
			zap.Error(err),
			zap.String("batch_id", task.BatchID.String()),
		)
		return
	}

	transitioned, err := e.repo.MarkBatchFailed(ctx, batch.ID, cause.Error())
	if err != nil {
		e.logger.Error("failed to mark batch failed",
			zap.Error(err),
			zap.String("batch_id", batch.ID.String()),
		)
		return
	}
	if !transitioned {
		// Already terminal from an earlier invocation.
		return
	}

	if _, err := e.repo.MoveToDeadLetter(ctx, batch, job.Attempt, cause.Error()); err != nil {
		e.logger.Error("failed to move batch to dead letter",
			zap.Error(err),
			zap.String("batch_id", batch.ID.String()),
		)
	}
}

// permanentError wraps an error that must never be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// IsPermanent reports whether err must bypass the retry policy.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
