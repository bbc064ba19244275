package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/metrics"
	"github.com/teguhsant/pasarwa/internal/notify"
	"github.com/teguhsant/pasarwa/internal/queue"
)

// Scheduler is the queue surface the worker drains. Satisfied by
// *queue.Queue.
type Scheduler interface {
	Dequeue(ctx context.Context, workerID string) (*queue.Job, error)
	Requeue(ctx context.Context, job *queue.Job, delay time.Duration) error
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job) error
	Recover(ctx context.Context) (int, error)
	Depth(ctx context.Context, lane string) (int64, error)
}

// Config holds retry policy and polling tuning for the worker pool.
type Config struct {
	MaxAttempts   int
	Backoff       []time.Duration
	RetryDeadline time.Duration
	PollInterval  time.Duration
	WorkerCount   int
}

// Worker drains the priority lanes and applies the retry policy around the
// executor.
type Worker struct {
	scheduler Scheduler
	exec      *Executor
	cfg       Config
	logger    *zap.Logger
}

// New creates a worker pool supervisor. Zero config fields get defaults
// matching the production retry schedule.
func New(scheduler Scheduler, exec *Executor, cfg Config, logger *zap.Logger) *Worker {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}
	}
	if cfg.RetryDeadline == 0 {
		cfg.RetryDeadline = 2 * time.Hour
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 4
	}

	return &Worker{
		scheduler: scheduler,
		exec:      exec,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start launches the worker goroutines and the janitor, blocking until ctx
// is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.WorkerCount; i++ {
		go w.run(ctx, fmt.Sprintf("worker-%d", i))
	}

	w.janitor(ctx)
}

func (w *Worker) run(ctx context.Context, workerID string) {
	log := w.logger.With(zap.String("worker", workerID))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return
		default:
		}

		job, err := w.scheduler.Dequeue(ctx, workerID)
		if err != nil {
			log.Error("dequeue failed", zap.Error(err))
			sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.handle(ctx, log, job)
	}
}

func (w *Worker) handle(ctx context.Context, log *zap.Logger, job *queue.Job) {
	job.Attempt++

	outcome, err := w.exec.Execute(ctx, job)
	if err == nil {
		if cerr := w.scheduler.Complete(ctx, job); cerr != nil {
			log.Error("failed to release completed job", zap.Error(cerr), zap.String("job_id", job.ID))
		}
		metrics.RecordJobProcessed(job.Lane, string(outcome))
		return
	}

	var quiet *notify.QuietHoursError
	if errors.As(err, &quiet) {
		// Deferral, not a failure: reschedule for the window end and give
		// the attempt back.
		job.Attempt--
		delay := time.Until(quiet.ResumeAt)
		if delay < 0 {
			delay = 0
		}
		if rerr := w.scheduler.Requeue(ctx, job, delay); rerr != nil {
			log.Error("failed to requeue suppressed job", zap.Error(rerr), zap.String("job_id", job.ID))
		}
		metrics.RecordJobProcessed(job.Lane, "deferred")
		return
	}

	if IsPermanent(err) {
		log.Error("job failed permanently",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
		)
		w.exec.FailPermanently(ctx, job, err)
		if ferr := w.scheduler.Fail(ctx, job); ferr != nil {
			log.Error("failed to release failed job", zap.Error(ferr), zap.String("job_id", job.ID))
		}
		metrics.RecordJobProcessed(job.Lane, "failed")
		return
	}

	// Transient failure: both retry bounds are checked independently, and
	// whichever is sooner wins.
	delay := w.backoffFor(job.Attempt)
	exhausted := job.Attempt >= w.cfg.MaxAttempts
	pastDeadline := time.Now().Add(delay).After(job.FirstEnqueuedAt.Add(w.cfg.RetryDeadline))

	if exhausted || pastDeadline {
		log.Error("job retries exhausted",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Bool("past_deadline", pastDeadline),
		)
		w.exec.FailPermanently(ctx, job, err)
		if ferr := w.scheduler.Fail(ctx, job); ferr != nil {
			log.Error("failed to release failed job", zap.Error(ferr), zap.String("job_id", job.ID))
		}
		metrics.RecordJobProcessed(job.Lane, "failed")
		return
	}

	log.Warn("job attempt failed, retrying",
		zap.Error(err),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("backoff", delay),
	)
	if rerr := w.scheduler.Requeue(ctx, job, delay); rerr != nil {
		log.Error("failed to requeue job", zap.Error(rerr), zap.String("job_id", job.ID))
	}
	metrics.RecordJobProcessed(job.Lane, "retried")
}

// backoffFor returns the delay before the attempt after this one.
func (w *Worker) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(w.cfg.Backoff) {
		idx = len(w.cfg.Backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return w.cfg.Backoff[idx]
}

// janitor periodically recovers orphaned jobs and publishes lane depths.
func (w *Worker) janitor(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if recovered, err := w.scheduler.Recover(ctx); err != nil {
				w.logger.Error("job recovery scan failed", zap.Error(err))
			} else if recovered > 0 {
				w.logger.Warn("recovered orphaned jobs", zap.Int("count", recovered))
			}

			for _, lane := range queue.Lanes {
				depth, err := w.scheduler.Depth(ctx, lane)
				if err != nil {
					continue
				}
				metrics.SetQueueDepth(lane, float64(depth))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
