package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/dex-execution-engine/internal/types"
)

// Pipeline limits. The queue throttles Reserve with a token bucket that holds
// at most MaxThroughput tokens and refills MaxThroughput per minute. It is not
// a strict rolling window: after an idle period up to about twice
// MaxThroughput reserves can start within one minute. Bounded concurrency
// comes from the worker pool sizing.
const (
	MaxThroughput = 100 // token-bucket refill per minute, also the burst size
	Concurrency   = 10
	MaxAttempts   = 3
	BaseDelay     = time.Second
)

// Backend is the durable job store underneath the queue. Two implementations
// exist: Redis against the external queue service and an embedded in-memory
// backend for single-node runs and tests.
type Backend interface {
	// Enqueue stores a brand-new job ready at NextRunAt. Returns false
	// without error when a live job with the same id already exists.
	Enqueue(ctx context.Context, job *Job) (bool, error)
	// Requeue re-schedules an existing job after a failed attempt.
	Requeue(ctx context.Context, job *Job) error
	// Pop blocks until a job is due or ctx is done.
	Pop(ctx context.Context) (*Job, error)
	// MarkCompleted retires a job after a successful attempt.
	MarkCompleted(ctx context.Context, job *Job) error
	// MarkFailed retires a job after its final attempt failed.
	MarkFailed(ctx context.Context, job *Job, errMsg string) error
	Close() error
}

// Options tune queue behavior. Zero values fall back to the pipeline limits.
type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxThroughput int
	RateWindow    time.Duration
}

// DefaultOptions returns the production limits.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   MaxAttempts,
		BaseDelay:     BaseDelay,
		MaxThroughput: MaxThroughput,
		RateWindow:    time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxThroughput <= 0 {
		o.MaxThroughput = d.MaxThroughput
	}
	if o.RateWindow <= 0 {
		o.RateWindow = d.RateWindow
	}
	return o
}

// Queue is the worker-facing job queue: idempotent enqueue by order id,
// throughput-limited reserve, and backoff scheduling for retries.
type Queue struct {
	backend Backend
	opts    Options
	limiter *rate.Limiter
}

// New creates a queue over the given backend.
func New(backend Backend, opts Options) *Queue {
	opts = opts.withDefaults()
	perSecond := rate.Limit(float64(opts.MaxThroughput) / opts.RateWindow.Seconds())

	return &Queue{
		backend: backend,
		opts:    opts,
		limiter: rate.NewLimiter(perSecond, opts.MaxThroughput),
	}
}

// Enqueue submits an order for processing. Re-enqueueing an order that is
// already queued or in flight is a no-op.
func (q *Queue) Enqueue(ctx context.Context, order types.Order) error {
	now := time.Now().UTC()
	job := &Job{
		JobID:       order.OrderID,
		Order:       order,
		MaxAttempts: q.opts.MaxAttempts,
		EnqueuedAt:  now,
		NextRunAt:   now,
	}

	created, err := q.backend.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	if !created {
		log.Debug().
			Str("component", "queue").
			Str("order_id", order.OrderID).
			Msg("job already enqueued, skipping")
	}
	return nil
}

// Reserve blocks until the token bucket yields a token and a job is due, then
// hands it to the calling worker with its current attempt count.
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return q.backend.Pop(ctx)
}

// Complete retires a successfully processed job.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	return q.backend.MarkCompleted(ctx, job)
}

// Retry consumes the failed attempt and re-schedules the job with
// exponential backoff. Returns the delay before the next attempt.
func (q *Queue) Retry(ctx context.Context, job *Job) (time.Duration, error) {
	job.AttemptsMade++
	delay := BackoffDelay(q.opts.BaseDelay, job.AttemptsMade)
	job.NextRunAt = time.Now().UTC().Add(delay)

	if err := q.backend.Requeue(ctx, job); err != nil {
		return 0, err
	}

	log.Info().
		Str("component", "queue").
		Str("order_id", job.JobID).
		Int("attempts_made", job.AttemptsMade).
		Int("max_attempts", job.MaxAttempts).
		Dur("next_attempt_in", delay).
		Msg("retry scheduled")

	return delay, nil
}

// Fail retires a job whose final attempt failed, recording the terminal
// disposition with the backend.
func (q *Queue) Fail(ctx context.Context, job *Job, errMsg string) error {
	job.AttemptsMade++
	return q.backend.MarkFailed(ctx, job, errMsg)
}

// Close releases the backend.
func (q *Queue) Close() error {
	return q.backend.Close()
}
