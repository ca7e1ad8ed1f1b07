package queue

import (
	"context"
	"sync"
	"time"
)

const (
	completedRetention = time.Hour
	completedKeep      = 100
	failedRetention    = 2 * time.Hour
)

type retiredJob struct {
	job       *Job
	errMsg    string
	retiredAt time.Time
}

// MemoryBackend is the embedded job store used when no external queue
// service is configured, and in tests. Delayed jobs are promoted to the
// ready list by timers; a live-id set keeps enqueue idempotent while a job
// is queued or in flight.
type MemoryBackend struct {
	mu        sync.Mutex
	ready     []*Job
	live      map[string]bool
	completed []retiredJob
	failed    map[string]retiredJob
	wake      chan struct{}
	closed    bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		live:   make(map[string]bool),
		failed: make(map[string]retiredJob),
		wake:   make(chan struct{}, 1),
	}
}

func (b *MemoryBackend) Enqueue(ctx context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.live[job.JobID] {
		return false, nil
	}
	b.live[job.JobID] = true
	b.schedule(job)
	return true, nil
}

func (b *MemoryBackend) Requeue(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.live[job.JobID] = true
	b.schedule(job)
	return nil
}

// schedule promotes the job to the ready list now or after its delay.
// Callers hold b.mu.
func (b *MemoryBackend) schedule(job *Job) {
	delay := time.Until(job.NextRunAt)
	if delay <= 0 {
		b.ready = append(b.ready, job)
		b.signal()
		return
	}

	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || !b.live[job.JobID] {
			return
		}
		b.ready = append(b.ready, job)
		b.signal()
	})
}

func (b *MemoryBackend) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *MemoryBackend) Pop(ctx context.Context) (*Job, error) {
	for {
		b.mu.Lock()
		if len(b.ready) > 0 {
			job := b.ready[0]
			b.ready = b.ready[1:]
			b.mu.Unlock()
			return job, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.wake:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (b *MemoryBackend) MarkCompleted(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.live, job.JobID)
	b.completed = append(b.completed, retiredJob{job: job, retiredAt: time.Now()})
	b.prune()
	return nil
}

func (b *MemoryBackend) MarkFailed(ctx context.Context, job *Job, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.live, job.JobID)
	b.failed[job.JobID] = retiredJob{job: job, errMsg: errMsg, retiredAt: time.Now()}
	b.prune()
	return nil
}

// prune applies the retention hints: last 100 completed within the hour,
// failed jobs for two hours. Callers hold b.mu.
func (b *MemoryBackend) prune() {
	if n := len(b.completed); n > completedKeep {
		b.completed = b.completed[n-completedKeep:]
	}
	cutoff := time.Now().Add(-completedRetention)
	for len(b.completed) > 0 && b.completed[0].retiredAt.Before(cutoff) {
		b.completed = b.completed[1:]
	}

	failedCutoff := time.Now().Add(-failedRetention)
	for id, r := range b.failed {
		if r.retiredAt.Before(failedCutoff) {
			delete(b.failed, id)
		}
	}
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
