package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cryptique/embedding-pipeline/internal/db"
	"github.com/cryptique/embedding-pipeline/internal/models"
)

// SurrealStore is the durable ledger backed by SurrealDB. The atomicity of
// ClaimNext rests on the database executing the claim as a single statement;
// every state transition carries its guard in the WHERE clause, so a stale
// caller gets ErrInvalidTransition instead of clobbering newer state.
type SurrealStore struct {
	client *db.Client
	clock  Clock
}

// Compile-time check that SurrealStore implements Store.
var _ Store = (*SurrealStore)(nil)

// SurrealOption configures a SurrealStore.
type SurrealOption func(*SurrealStore)

// WithSurrealClock injects a clock for deterministic tests.
func WithSurrealClock(clock Clock) SurrealOption {
	return func(s *SurrealStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewSurrealStore creates a ledger on top of an established client.
func NewSurrealStore(client *db.Client, opts ...SurrealOption) *SurrealStore {
	s := &SurrealStore{client: client, clock: SystemClock}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue adds a validated pending job.
func (s *SurrealStore) Enqueue(ctx context.Context, job *models.EmbeddingJob) error {
	err := s.client.CreateJob(ctx, db.NewJobRecord(job))
	if errors.Is(err, db.ErrAlreadyExists) {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	return err
}

// Get returns a job by ID.
func (s *SurrealStore) Get(ctx context.Context, id string) (*models.EmbeddingJob, error) {
	rec, err := s.client.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec.ToJob()
}

// List returns jobs filtered by status, most recently created first.
func (s *SurrealStore) List(ctx context.Context, status models.JobStatus, limit int) ([]models.EmbeddingJob, error) {
	if limit <= 0 {
		limit = 100
	}
	recs, err := s.client.ListJobs(ctx, string(status), limit)
	if err != nil {
		return nil, err
	}
	return toJobs(recs)
}

// ClaimNext atomically claims the best eligible job.
func (s *SurrealStore) ClaimNext(ctx context.Context) (*models.EmbeddingJob, error) {
	rec, err := s.client.ClaimNextJob(ctx, s.clock.Now())
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.ToJob()
}

// DueForRetry lists retrying jobs whose nextRetryAt has passed.
func (s *SurrealStore) DueForRetry(ctx context.Context) ([]models.EmbeddingJob, error) {
	recs, err := s.client.JobsDueForRetry(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return toJobs(recs)
}

// QueueDepth counts dispatchable jobs.
func (s *SurrealStore) QueueDepth(ctx context.Context) (int, error) {
	return s.client.CountClaimable(ctx, s.clock.Now())
}

// UpdateProgress records progress for a processing job.
func (s *SurrealStore) UpdateProgress(ctx context.Context, id string, processed, failed int) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	progress := models.JobProgress{
		Total:     job.Progress.Total,
		Processed: processed,
		Failed:    failed,
	}
	progress.Recompute()

	rec, err := s.client.UpdateJobProgress(ctx, id, progress, s.clock.Now())
	if err != nil {
		return err
	}
	if rec == nil {
		return s.transitionError(ctx, id, "progress update")
	}
	return nil
}

// Complete marks a processing job completed. Completion is authoritative.
func (s *SurrealStore) Complete(ctx context.Context, id string, results models.JobResults) error {
	rec, err := s.client.CompleteJob(ctx, id, results, s.clock.Now())
	if err != nil {
		return err
	}
	if rec == nil {
		return s.transitionError(ctx, id, "complete")
	}
	return nil
}

// Fail marks a processing job failed with an error log entry.
func (s *SurrealStore) Fail(ctx context.Context, id string, jobErr models.JobError) error {
	rec, err := s.client.FailJob(ctx, id, jobErr, s.clock.Now())
	if err != nil {
		return err
	}
	if rec == nil {
		return s.transitionError(ctx, id, "fail")
	}
	return nil
}

// Cancel marks a non-terminal job cancelled.
func (s *SurrealStore) Cancel(ctx context.Context, id string) error {
	rec, err := s.client.CancelJob(ctx, id, s.clock.Now())
	if err != nil {
		return err
	}
	if rec == nil {
		return s.transitionError(ctx, id, "cancel")
	}
	return nil
}

// Retry moves a failed job to retrying with exponential backoff.
func (s *SurrealStore) Retry(ctx context.Context, id string, baseDelay time.Duration) (*models.EmbeddingJob, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: retry on %s job", ErrInvalidTransition, job.Status)
	}
	if job.Retry.Exhausted() {
		return nil, fmt.Errorf("%w: %d of %d retries used", ErrRetryExhausted, job.Retry.RetryCount, job.Retry.MaxRetries)
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseRetryDelay
	}

	now := s.clock.Now()
	next := nextRetryAt(now, job.Retry.BackoffMultiplier, job.Retry.RetryCount+1, baseDelay)

	rec, err := s.client.RetryJob(ctx, id, job.Retry.RetryCount, next, now)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// Lost a race: another caller moved the job since our read.
		return nil, s.transitionError(ctx, id, "retry")
	}
	return rec.ToJob()
}

// SweepStale recovers jobs abandoned mid-processing. Selection and the
// per-job transition are separate statements, so each transition re-checks
// status and updated_at before writing.
func (s *SurrealStore) SweepStale(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	now := s.clock.Now()
	stale, err := s.client.StaleProcessingJobs(ctx, now.Add(-leaseTimeout))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, rec := range stale {
		job, err := rec.ToJob()
		if err != nil {
			return swept, err
		}
		jobErr := models.JobError{
			Timestamp:  now,
			Error:      "processing lease expired",
			ErrorCode:  "lease_expired",
			RetryCount: job.Retry.RetryCount,
		}

		var updated *db.JobRecord
		if job.Retry.Exhausted() {
			updated, err = s.client.FailStaleJob(ctx, job.ID, job.UpdatedAt, jobErr, now)
		} else {
			updated, err = s.client.RequeueStaleJob(ctx, job.ID, job.UpdatedAt, jobErr, now)
		}
		if err != nil {
			return swept, err
		}
		if updated != nil {
			swept++
		}
	}
	return swept, nil
}

// PurgeTerminal deletes completed/cancelled jobs past the retention window.
func (s *SurrealStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.client.DeleteTerminalJobsBefore(ctx, s.clock.Now().Add(-olderThan))
}

// transitionError distinguishes a missing job from a guard rejection.
func (s *SurrealStore) transitionError(ctx context.Context, id, op string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s on %s job", ErrInvalidTransition, op, job.Status)
}

func toJobs(recs []db.JobRecord) ([]models.EmbeddingJob, error) {
	jobs := make([]models.EmbeddingJob, 0, len(recs))
	for _, rec := range recs {
		job, err := rec.ToJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}
