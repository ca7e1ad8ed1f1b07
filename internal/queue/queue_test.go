package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/dex-execution-engine/internal/types"
)

func testOrder(id string) types.Order {
	return types.Order{
		OrderID:   id,
		OrderType: types.OrderTypeMarket,
		TokenIn:   "SOL",
		TokenOut:  "USDC",
		AmountIn:  decimal.NewFromInt(1),
		Slippage:  decimal.NewFromFloat(0.01),
		Status:    types.StatusPending,
	}
}

func TestEnqueueReserveRoundtrip(t *testing.T) {
	q := New(NewMemoryBackend(), Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testOrder("order-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if job.JobID != "order-1" {
		t.Errorf("expected job id order-1, got %s", job.JobID)
	}
	if job.AttemptsMade != 0 {
		t.Errorf("fresh job should have 0 attempts, got %d", job.AttemptsMade)
	}
	if job.MaxAttempts != MaxAttempts {
		t.Errorf("expected max attempts %d, got %d", MaxAttempts, job.MaxAttempts)
	}
	if job.Order.TokenIn != "SOL" {
		t.Errorf("job should carry the order snapshot, got token_in %s", job.Order.TokenIn)
	}
}

func TestEnqueueIsIdempotentByOrderID(t *testing.T) {
	q := New(NewMemoryBackend(), Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testOrder("order-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testOrder("order-1")); err != nil {
		t.Fatalf("second Enqueue should no-op, got: %v", err)
	}

	if _, err := q.Reserve(ctx); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// No second job may surface.
	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := q.Reserve(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected reserve timeout after duplicate enqueue, got %v", err)
	}
}

func TestRetrySchedulesWithBackoff(t *testing.T) {
	q := New(NewMemoryBackend(), Options{BaseDelay: 80 * time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testOrder("order-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	retriedAt := time.Now()
	delay, err := q.Retry(ctx, job)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if delay != 80*time.Millisecond {
		t.Errorf("first retry delay should equal base delay, got %v", delay)
	}

	// The job must not be reservable before its delay elapses.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := q.Reserve(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("job surfaced before backoff elapsed: %v", err)
	}

	job, err = q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve after backoff: %v", err)
	}
	if waited := time.Since(retriedAt); waited < 80*time.Millisecond {
		t.Errorf("job surfaced after %v, before the %v backoff", waited, 80*time.Millisecond)
	}
	if job.AttemptsMade != 1 {
		t.Errorf("expected 1 attempt consumed, got %d", job.AttemptsMade)
	}

	// Second retry doubles the delay.
	delay, err = q.Retry(ctx, job)
	if err != nil {
		t.Fatalf("second Retry: %v", err)
	}
	if delay != 160*time.Millisecond {
		t.Errorf("second retry delay should double, got %v", delay)
	}
}

func TestFinalAttempt(t *testing.T) {
	job := &Job{MaxAttempts: 3}

	if job.FinalAttempt() {
		t.Error("first attempt of three is not final")
	}
	job.AttemptsMade = 1
	if job.FinalAttempt() {
		t.Error("second attempt of three is not final")
	}
	job.AttemptsMade = 2
	if !job.FinalAttempt() {
		t.Error("third attempt of three is final")
	}
}

func TestReserveHonorsThroughputWindow(t *testing.T) {
	q := New(NewMemoryBackend(), Options{MaxThroughput: 2, RateWindow: time.Second})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, testOrder(id)); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := q.Reserve(ctx); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
	}

	// The burst covers two jobs; the third must wait for the window to
	// refill (0.5s per token at 2/s).
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("third reserve should have been throttled, elapsed %v", elapsed)
	}
}

func TestMarkCompletedAllowsReEnqueue(t *testing.T) {
	q := New(NewMemoryBackend(), Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testOrder("order-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// A retired id is no longer live, so the same order may be enqueued
	// again.
	if err := q.Enqueue(ctx, testOrder("order-1")); err != nil {
		t.Fatalf("re-Enqueue after completion: %v", err)
	}
	if _, err := q.Reserve(ctx); err != nil {
		t.Fatalf("Reserve re-enqueued job: %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{0, time.Second},
		{40, maxBackoff},
	}

	for _, tc := range cases {
		if got := BackoffDelay(base, tc.attempts); got != tc.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
