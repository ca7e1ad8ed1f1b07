package queue

import (
	"time"

	"github.com/ksred/dex-execution-engine/internal/types"
)

// Job is the queue payload: the order snapshot taken at intake plus the
// retry bookkeeping the queue maintains alongside it. JobID equals the
// order id, so enqueueing an existing order is idempotent.
type Job struct {
	JobID        string      `json:"job_id"`
	Order        types.Order `json:"order"`
	AttemptsMade int         `json:"attempts_made"`
	MaxAttempts  int         `json:"max_attempts"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
	NextRunAt    time.Time   `json:"next_run_at"`
}

// FinalAttempt reports whether the attempt about to run (or just run) is the
// last one this job gets.
func (j *Job) FinalAttempt() bool {
	return j.AttemptsMade+1 >= j.MaxAttempts
}
