package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/dex-execution-engine/internal/orders"
	"github.com/ksred/dex-execution-engine/internal/queue"
	"github.com/ksred/dex-execution-engine/internal/stream"
	"github.com/ksred/dex-execution-engine/internal/types"
)

// BuildDelay models transaction assembly between routing and submission.
const BuildDelay = 500 * time.Millisecond

// Router is the DEX routing and execution surface the pool drives.
type Router interface {
	GetBestRoute(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*types.RouteResult, error)
	ExecuteSwap(ctx context.Context, dexName string, amountIn, expectedOut, slippage decimal.Decimal) (*types.SwapResult, error)
}

// fatalError marks failures that must not consume remaining attempts:
// schema violations and panics inside an attempt.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

func markFatal(err error) error {
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Options configure a Pool.
type Options struct {
	Queue       *queue.Queue
	Store       *orders.Database
	Router      Router
	Registry    *stream.Registry
	Concurrency int
	BuildDelay  time.Duration
	CloseGrace  time.Duration
	// Clock stamps post-mortems; injectable for stable test assertions.
	Clock func() time.Time
}

// Pool runs the bounded set of workers that reserve jobs and walk each order
// through routing, building, submission, and execution.
type Pool struct {
	queue      *queue.Queue
	store      *orders.Database
	router     Router
	registry   *stream.Registry
	count      int
	buildDelay time.Duration
	closeGrace time.Duration
	clock      func() time.Time
	wg         sync.WaitGroup
}

// NewPool creates a worker pool. Concurrency defaults to the pipeline cap.
func NewPool(opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = queue.Concurrency
	}
	if opts.BuildDelay <= 0 {
		opts.BuildDelay = BuildDelay
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = stream.CloseGrace
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Pool{
		queue:      opts.Queue,
		store:      opts.Store,
		router:     opts.Router,
		registry:   opts.Registry,
		count:      opts.Concurrency,
		buildDelay: opts.BuildDelay,
		closeGrace: opts.CloseGrace,
		clock:      opts.Clock,
	}
}

// Start launches the workers. They stop reserving when ctx is canceled; jobs
// already reserved run to completion.
func (p *Pool) Start(ctx context.Context) {
	log.Info().
		Str("component", "worker_pool").
		Int("concurrency", p.count).
		Msg("starting worker pool")

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until every worker has drained its in-flight job.
func (p *Pool) Wait() {
	p.wg.Wait()
	log.Info().Str("component", "worker_pool").Msg("worker pool drained")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := log.With().Str("component", "worker").Int("worker_id", id).Logger()

	for {
		job, err := p.queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("reserve failed")
			continue
		}

		// An activity runs to completion even while shutdown is in
		// progress; only reserving stops on cancellation.
		p.process(context.WithoutCancel(ctx), job, logger)
	}
}

// process runs one attempt of the order state machine and applies the retry
// policy on failure.
func (p *Pool) process(ctx context.Context, job *queue.Job, logger zerolog.Logger) {
	attempt := job.AttemptsMade + 1
	logger = logger.With().
		Str("order_id", job.JobID).
		Int("attempt", attempt).
		Int("max_attempts", job.MaxAttempts).
		Logger()

	logger.Info().Msg("processing order")

	err := p.runAttempt(ctx, job, logger)
	if err == nil {
		if err := p.queue.Complete(ctx, job); err != nil {
			logger.Error().Err(err).Msg("failed to retire completed job")
		}
		return
	}

	if !isFatal(err) && !job.FinalAttempt() {
		delay, rerr := p.queue.Retry(ctx, job)
		if rerr != nil {
			logger.Error().Err(rerr).Msg("failed to schedule retry, terminating order")
			p.failOrder(ctx, job, err, attempt)
			return
		}
		logger.Warn().
			Err(err).
			Dur("next_attempt_in", delay).
			Msg("attempt failed, retry scheduled")
		return
	}

	p.failOrder(ctx, job, err, attempt)
	if qerr := p.queue.Fail(ctx, job, err.Error()); qerr != nil {
		logger.Error().Err(qerr).Msg("failed to retire failed job")
	}
}

// runAttempt walks routing -> building -> submitted -> confirmed, publishing
// each state after the store write lands. Panics inside the attempt are
// converted to fatal errors so a poisoned job cannot take a worker down.
func (p *Pool) runAttempt(ctx context.Context, job *queue.Job, logger zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("attempt panicked")
			err = markFatal(fmt.Errorf("panic during processing: %v", r))
		}
	}()

	order := job.Order
	orderID := order.OrderID

	// Routing.
	if err := p.store.SetStatus(orderID, types.StatusRouting); err != nil {
		return p.storeErr("set routing", err)
	}
	p.registry.Publish(orderID, types.StatusRouting, nil)

	route, err := p.router.GetBestRoute(ctx, order.TokenIn, order.TokenOut, order.AmountIn)
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	// Building: the routing decision becomes visible here and is immutable
	// for the rest of the attempt.
	if err := p.store.SetRouted(orderID, route.SelectedDEX); err != nil {
		return p.storeErr("set building", err)
	}
	p.registry.Publish(orderID, types.StatusBuilding, map[string]interface{}{
		"dex_used": route.SelectedDEX,
	})

	if err := sleepCtx(ctx, p.buildDelay); err != nil {
		return fmt.Errorf("build delay: %w", err)
	}

	// Submitted.
	if err := p.store.SetStatus(orderID, types.StatusSubmitted); err != nil {
		return p.storeErr("set submitted", err)
	}
	p.registry.Publish(orderID, types.StatusSubmitted, nil)

	result, err := p.router.ExecuteSwap(ctx, route.SelectedDEX, order.AmountIn, route.Quote.AmountOut, order.Slippage)
	if err != nil {
		return fmt.Errorf("execution: %w", err)
	}

	// Confirmed.
	if err := p.store.SetConfirmed(orderID, result.TxHash, result.ExecutedPrice, result.AmountOut); err != nil {
		return p.storeErr("set confirmed", err)
	}
	p.registry.Publish(orderID, types.StatusConfirmed, map[string]interface{}{
		"tx_hash":        result.TxHash,
		"executed_price": result.ExecutedPrice,
		"amount_out":     result.AmountOut,
		"dex_used":       route.SelectedDEX,
	})
	p.registry.ScheduleClose(orderID, p.closeGrace)

	logger.Info().
		Str("dex_used", route.SelectedDEX).
		Str("tx_hash", result.TxHash).
		Str("amount_out", result.AmountOut.String()).
		Msg("order confirmed")

	return nil
}

// storeErr wraps a store failure, marking schema-level violations fatal so
// they do not consume the remaining attempts.
func (p *Pool) storeErr(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if orders.IsConstraintViolation(err) {
		return markFatal(wrapped)
	}
	return wrapped
}

// failOrder records the post-mortem: persisted terminal state, structured
// log evidence, and the terminal frame to the client.
func (p *Pool) failOrder(ctx context.Context, job *queue.Job, cause error, attempts int) {
	orderID := job.JobID
	failedAt := p.clock().UTC()
	errText := fmt.Sprintf("%s | Attempts: %d/%d | Failed at: %s",
		cause.Error(), attempts, job.MaxAttempts, failedAt.Format(time.RFC3339))

	log.Error().
		Str("component", "worker").
		Str("order_id", orderID).
		Err(cause).
		Int("attempts", attempts).
		Int("max_attempts", job.MaxAttempts).
		Time("failed_at", failedAt).
		Str("token_in", job.Order.TokenIn).
		Str("token_out", job.Order.TokenOut).
		Str("amount_in", job.Order.AmountIn.String()).
		Str("order_type", string(job.Order.OrderType)).
		Msg("order terminally failed")

	if err := p.store.SetFailed(orderID, errText); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to persist post-mortem")
	}

	p.registry.Publish(orderID, types.StatusFailed, map[string]interface{}{
		"error":        errText,
		"attempts":     attempts,
		"max_attempts": job.MaxAttempts,
		"timestamp":    types.FrameTimestamp(failedAt),
	})
	p.registry.ScheduleClose(orderID, p.closeGrace)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
