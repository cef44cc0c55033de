package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"feedloom/internal/config"
	"feedloom/internal/logging"
	"feedloom/internal/services"
)

// Job asks a worker to fetch one source.
type Job struct {
	SourceID int64 `json:"source_id"`
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

type delivery struct {
	job     Job
	attempt int
}

// Queue is a bounded at-least-once job queue.
type Queue struct {
	jobs        chan delivery
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	waiting map[int64]struct{}
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithRetryDelay sets the base delay before a failed job is redelivered. The
// delay grows linearly with the attempt number.
func WithRetryDelay(d time.Duration) QueueOption {
	return func(q *Queue) { q.retryDelay = d }
}

// NewQueue builds a queue sized from the fetch configuration.
func NewQueue(cfg *config.Config, logger *slog.Logger, opts ...QueueOption) *Queue {
	size := cfg.Fetch.QueueSize
	if size <= 0 {
		size = 64
	}
	attempts := cfg.Fetch.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	q := &Queue{
		jobs:        make(chan delivery, size),
		maxAttempts: attempts,
		retryDelay:  2 * time.Second,
		logger:      logging.NewComponentLogger(logger, "fetch-queue"),
		waiting:     make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds job unless one for the same source is already waiting. The
// returned bool reports whether a new delivery was queued.
func (q *Queue) Enqueue(job Job) (bool, error) {
	if job.SourceID <= 0 {
		return false, services.Wrap(services.ErrValidation, "fetcher", "enqueue", "source id is required", nil)
	}
	return q.push(delivery{job: job, attempt: 1})
}

func (q *Queue) push(d delivery) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, services.Wrap(services.ErrTransient, "fetcher", "enqueue", "queue stopped", nil)
	}
	if _, ok := q.waiting[d.job.SourceID]; ok {
		return false, nil
	}
	select {
	case q.jobs <- d:
		q.waiting[d.job.SourceID] = struct{}{}
		return true, nil
	default:
		return false, services.Wrap(services.ErrTransient, "fetcher", "enqueue",
			fmt.Sprintf("queue full (%d jobs)", cap(q.jobs)), nil)
	}
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Start launches workers goroutines that feed jobs to handler.
func (q *Queue) Start(ctx context.Context, workers int, handler Handler) {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i, handler)
	}
	q.logger.Info("fetch workers started", logging.Int("workers", workers), logging.Int("capacity", cap(q.jobs)))
}

// Stop rejects new jobs and waits for running handlers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *Queue) work(ctx context.Context, worker int, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-q.jobs:
			q.mu.Lock()
			delete(q.waiting, d.job.SourceID)
			q.mu.Unlock()

			jobCtx := services.WithSourceID(ctx, d.job.SourceID)
			started := time.Now()
			err := q.run(jobCtx, handler, d)
			logger := logging.WithContext(jobCtx, q.logger).With(
				logging.Int("worker", worker),
				logging.Int("attempt", d.attempt),
			)
			if err == nil {
				logger.Debug("fetch job finished", logging.Duration("duration", time.Since(started)))
				continue
			}
			q.retry(ctx, logger, d, err)
		}
	}
}

func (q *Queue) run(ctx context.Context, handler Handler, d delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("fetch job panicked",
				logging.Int64(logging.FieldSourceID, d.job.SourceID),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = services.Wrap(services.ErrTransient, "fetcher", "process job", fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	return handler(ctx, d.job)
}

func (q *Queue) retry(ctx context.Context, logger *slog.Logger, d delivery, err error) {
	if ctx.Err() != nil {
		return
	}
	if !services.Retryable(err) || d.attempt >= q.maxAttempts {
		logging.WarnWithContext(logger, "fetch job failed", "fetch_job_failed",
			logging.Error(err),
			logging.Bool("retryable", services.Retryable(err)),
			logging.String(logging.FieldErrorHint, "see the fetch log for this source"),
			logging.String(logging.FieldImpact, "source waits for its next scheduled run"),
		)
		return
	}

	delay := q.retryDelay * time.Duration(d.attempt)
	logger.Info("fetch job will be redelivered", logging.Error(err), logging.Duration("delay", delay))
	next := delivery{job: d.job, attempt: d.attempt + 1}
	time.AfterFunc(delay, func() {
		if _, err := q.push(next); err != nil {
			logger.Warn("fetch job redelivery dropped", logging.Error(err))
		}
	})
}
