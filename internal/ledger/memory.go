package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// MemoryStore is a mutex-guarded in-memory ledger. It backs tests and
// single-process deployments; the claim guarantee holds because every
// operation runs under one lock.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*models.EmbeddingJob
	clock Clock
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects a clock for deterministic tests.
func WithClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs:  make(map[string]*models.EmbeddingJob),
		clock: SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// copyJob returns a defensive copy so callers never alias ledger state.
func copyJob(j *models.EmbeddingJob) *models.EmbeddingJob {
	c := *j
	c.SourceIDs = slices.Clone(j.SourceIDs)
	c.Errors = slices.Clone(j.Errors)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.LastProgressAt != nil {
		t := *j.LastProgressAt
		c.LastProgressAt = &t
	}
	if j.Retry.NextRetryAt != nil {
		t := *j.Retry.NextRetryAt
		c.Retry.NextRetryAt = &t
	}
	return &c
}

// Enqueue adds a validated pending job.
func (s *MemoryStore) Enqueue(_ context.Context, job *models.EmbeddingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// Get returns a job by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return copyJob(job), nil
}

// List returns jobs filtered by status, most recently created first.
func (s *MemoryStore) List(_ context.Context, status models.JobStatus, limit int) ([]models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.EmbeddingJob
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, *copyJob(job))
	}
	slices.SortFunc(out, func(a, b models.EmbeddingJob) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimNext atomically claims the best eligible job.
func (s *MemoryStore) ClaimNext(_ context.Context) (*models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	var best *models.EmbeddingJob
	for _, job := range s.jobs {
		if !claimEligible(job, now) {
			continue
		}
		if best == nil || claimBefore(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = models.JobStatusProcessing
	started := now
	best.StartedAt = &started
	best.LastProgressAt = &started
	best.UpdatedAt = now
	return copyJob(best), nil
}

// DueForRetry lists retrying jobs whose nextRetryAt has passed.
func (s *MemoryStore) DueForRetry(_ context.Context) ([]models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []models.EmbeddingJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusRetrying &&
			job.Retry.NextRetryAt != nil && !job.Retry.NextRetryAt.After(now) {
			due = append(due, *copyJob(job))
		}
	}
	slices.SortFunc(due, func(a, b models.EmbeddingJob) int {
		return a.Retry.NextRetryAt.Compare(*b.Retry.NextRetryAt)
	})
	return due, nil
}

// QueueDepth counts dispatchable jobs.
func (s *MemoryStore) QueueDepth(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	depth := 0
	for _, job := range s.jobs {
		if claimEligible(job, now) {
			depth++
		}
	}
	return depth, nil
}

// UpdateProgress records progress for a processing job.
func (s *MemoryStore) UpdateProgress(_ context.Context, id string, processed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: progress update on %s job", ErrInvalidTransition, job.Status)
	}

	now := s.clock.Now()
	job.Progress.Processed = processed
	job.Progress.Failed = failed
	job.Progress.Recompute()
	job.LastProgressAt = &now
	job.UpdatedAt = now
	return nil
}

// Complete marks a processing job completed. Completion is authoritative.
func (s *MemoryStore) Complete(_ context.Context, id string, results models.JobResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: complete on %s job", ErrInvalidTransition, job.Status)
	}

	now := s.clock.Now()
	job.Status = models.JobStatusCompleted
	job.Progress.Processed = job.Progress.Total
	job.Progress.Percentage = 100
	job.Results = results
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// Fail marks a processing job failed with an error log entry.
func (s *MemoryStore) Fail(_ context.Context, id string, jobErr models.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: fail on %s job", ErrInvalidTransition, job.Status)
	}

	now := s.clock.Now()
	job.Status = models.JobStatusFailed
	job.Errors = append(job.Errors, jobErr)
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// Cancel marks a non-terminal job cancelled.
func (s *MemoryStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	switch job.Status {
	case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusRetrying:
	default:
		return fmt.Errorf("%w: cancel on %s job", ErrInvalidTransition, job.Status)
	}

	now := s.clock.Now()
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// Retry moves a failed job to retrying with exponential backoff.
func (s *MemoryStore) Retry(_ context.Context, id string, baseDelay time.Duration) (*models.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
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
	job.Retry.RetryCount++
	next := nextRetryAt(now, job.Retry.BackoffMultiplier, job.Retry.RetryCount, baseDelay)
	job.Retry.NextRetryAt = &next
	job.Status = models.JobStatusRetrying
	job.CompletedAt = nil
	job.UpdatedAt = now
	return copyJob(job), nil
}

// SweepStale recovers jobs abandoned mid-processing, e.g. after an
// orchestrator crash. The lease is the last progress write.
func (s *MemoryStore) SweepStale(_ context.Context, leaseTimeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	swept := 0
	for _, job := range s.jobs {
		if job.Status != models.JobStatusProcessing {
			continue
		}
		lease := job.StartedAt
		if job.LastProgressAt != nil {
			lease = job.LastProgressAt
		}
		if lease == nil || now.Sub(*lease) < leaseTimeout {
			continue
		}

		job.Errors = append(job.Errors, models.JobError{
			Timestamp:  now,
			Error:      "processing lease expired",
			ErrorCode:  "lease_expired",
			RetryCount: job.Retry.RetryCount,
		})
		if job.Retry.Exhausted() {
			job.Status = models.JobStatusFailed
			job.CompletedAt = &now
		} else {
			job.Status = models.JobStatusPending
			job.StartedAt = nil
			job.LastProgressAt = nil
		}
		job.UpdatedAt = now
		swept++
	}
	return swept, nil
}

// PurgeTerminal deletes completed/cancelled jobs past the retention window.
func (s *MemoryStore) PurgeTerminal(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	purged := 0
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if job.CompletedAt != nil && now.Sub(*job.CompletedAt) >= olderThan {
			delete(s.jobs, id)
			purged++
		}
	}
	return purged, nil
}
