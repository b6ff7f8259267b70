// Package ledger is the authoritative, durable record of every embedding
// job and its lifecycle state. Any number of orchestrator instances may
// share one ledger; the atomic claim is the only synchronization primitive
// the pipeline relies on.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// Sentinel errors for ledger operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists indicates a job with the same ID was already enqueued.
	ErrJobExists = errors.New("job already exists")

	// ErrInvalidTransition indicates the requested state change is not
	// permitted by the job state machine.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrRetryExhausted indicates the job's retry budget is spent.
	// The job remains failed permanently.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

// Clock supplies "now" for every scheduling decision, so tests can drive
// retry and lease timing deterministically.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// DefaultBaseRetryDelay seeds the exponential backoff computation.
const DefaultBaseRetryDelay = 5 * time.Second

// Store is the job ledger contract. Implementations must make ClaimNext an
// atomic read-modify-write: two concurrent callers never claim the same job.
type Store interface {
	// Enqueue adds a validated pending job.
	Enqueue(ctx context.Context, job *models.EmbeddingJob) error

	// Get returns a job by ID, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*models.EmbeddingJob, error)

	// List returns jobs filtered by status (empty status means all),
	// most recently created first.
	List(ctx context.Context, status models.JobStatus, limit int) ([]models.EmbeddingJob, error)

	// ClaimNext atomically selects the highest-priority eligible job
	// (pending with scheduledFor due, or retrying with nextRetryAt due),
	// flips it to processing, stamps startedAt, and returns it.
	// Returns (nil, nil) when no job is eligible.
	ClaimNext(ctx context.Context) (*models.EmbeddingJob, error)

	// DueForRetry lists retrying jobs whose nextRetryAt has passed.
	DueForRetry(ctx context.Context) ([]models.EmbeddingJob, error)

	// QueueDepth counts jobs ready to dispatch: pending due now plus
	// retrying due now.
	QueueDepth(ctx context.Context) (int, error)

	// UpdateProgress records processed/failed counts for a processing job
	// and refreshes the derived percentage and the progress lease.
	UpdateProgress(ctx context.Context, id string, processed, failed int) error

	// Complete marks a processing job completed. Completion is
	// authoritative: processed is forced to total and percentage to 100
	// regardless of prior progress bookkeeping.
	Complete(ctx context.Context, id string, results models.JobResults) error

	// Fail marks a processing job failed and appends jobErr to its log.
	Fail(ctx context.Context, id string, jobErr models.JobError) error

	// Cancel marks a non-terminal job cancelled. Cooperative: a running
	// worker observes the state between chunk groups and stops early.
	Cancel(ctx context.Context, id string) error

	// Retry moves a failed job to retrying with
	// nextRetryAt = now + backoffMultiplier^retryCount * baseDelay.
	// Returns ErrRetryExhausted once retryCount has reached maxRetries.
	Retry(ctx context.Context, id string, baseDelay time.Duration) (*models.EmbeddingJob, error)

	// SweepStale returns processing jobs with no progress update within
	// leaseTimeout to pending, or fails them when their retry budget is
	// exhausted. Returns the number of jobs swept.
	SweepStale(ctx context.Context, leaseTimeout time.Duration) (int, error)

	// PurgeTerminal deletes completed/cancelled jobs older than the
	// retention window. Returns the number of jobs deleted.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error)
}

// nextRetryAt computes the backoff timestamp for a job that has just been
// granted retry number retryCount (1-based).
func nextRetryAt(now time.Time, multiplier float64, retryCount int, baseDelay time.Duration) time.Time {
	delay := float64(baseDelay)
	for i := 0; i < retryCount; i++ {
		delay *= multiplier
	}
	return now.Add(time.Duration(delay))
}

// claimEligible reports whether the job can be claimed at now.
func claimEligible(job *models.EmbeddingJob, now time.Time) bool {
	switch job.Status {
	case models.JobStatusPending:
		return !job.ScheduledFor.After(now)
	case models.JobStatusRetrying:
		return job.Retry.NextRetryAt != nil && !job.Retry.NextRetryAt.After(now)
	}
	return false
}

// claimBefore orders two eligible jobs: priority desc, then scheduledFor asc.
func claimBefore(a, b *models.EmbeddingJob) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ScheduledFor.Before(b.ScheduledFor)
}
