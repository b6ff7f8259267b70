package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// fakeClock is a settable clock for deterministic scheduling tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testEpoch = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock(testEpoch)
	return NewMemoryStore(WithClock(clock)), clock
}

func mustJob(t *testing.T, req models.JobRequest, now time.Time) *models.EmbeddingJob {
	t.Helper()
	job, err := models.NewJob(req, now)
	require.NoError(t, err)
	return job
}

func sessionRequest(ids ...string) models.JobRequest {
	return models.JobRequest{
		SourceType: models.SourceSession,
		SourceIDs:  ids,
		TeamID:     "team-1",
	}
}

func TestEnqueueAndGet(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := mustJob(t, sessionRequest("s1", "s2"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 2, got.Progress.Total)

	// Mutating the returned copy must not touch ledger state.
	got.SourceIDs[0] = "tampered"
	again, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", again.SourceIDs[0])

	_, err = store.Get(ctx, "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.ErrorIs(t, store.Enqueue(ctx, job), ErrJobExists)
}

func TestClaimOrdering(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	lowOld := mustJob(t, sessionRequest("a"), clock.Now())
	lowOld.Priority = 3
	require.NoError(t, store.Enqueue(ctx, lowOld))

	clock.Advance(time.Second)
	highNew := mustJob(t, sessionRequest("b"), clock.Now())
	highNew.Priority = 8
	require.NoError(t, store.Enqueue(ctx, highNew))

	clock.Advance(time.Second)
	highNewer := mustJob(t, sessionRequest("c"), clock.Now())
	highNewer.Priority = 8
	require.NoError(t, store.Enqueue(ctx, highNewer))

	// Priority wins first; among equals the older scheduledFor goes first.
	first, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, highNew.ID, first.ID)
	assert.Equal(t, models.JobStatusProcessing, first.Status)
	require.NotNil(t, first.StartedAt)

	second, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, highNewer.ID, second.ID)

	third, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, lowOld.ID, third.ID)

	none, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimRespectsSchedule(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	future := clock.Now().Add(time.Hour)
	req := sessionRequest("a")
	req.ScheduledFor = &future
	job := mustJob(t, req, clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))

	none, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "deferred job claimed early")

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	clock.Advance(time.Hour)
	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestConcurrentClaimAtMostOnce(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		require.NoError(t, store.Enqueue(ctx, mustJob(t, sessionRequest("s"), clock.Now())))
	}

	const claimers = 50
	claimed := make(chan string, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := store.ClaimNext(ctx)
			require.NoError(t, err)
			if job != nil {
				claimed <- job.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := make(map[string]bool)
	for id := range claimed {
		assert.False(t, seen[id], "job %s claimed twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, jobCount)
}

func TestUpdateProgressOnlyWhileProcessing(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := mustJob(t, sessionRequest("a", "b", "c", "d"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))

	err := store.UpdateProgress(ctx, job.ID, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, store.UpdateProgress(ctx, claimed.ID, 2, 1))
	got, err := store.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Progress.Processed)
	assert.Equal(t, 1, got.Progress.Failed)
	assert.Equal(t, 50, got.Progress.Percentage)
}

func TestCompleteIsAuthoritative(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := mustJob(t, sessionRequest("a", "b", "c"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))
	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)

	// Only partial progress was reported before completion.
	require.NoError(t, store.UpdateProgress(ctx, claimed.ID, 1, 0))

	results := models.JobResults{DocumentsCreated: 7, TokensUsed: 1234}
	require.NoError(t, store.Complete(ctx, claimed.ID, results))

	got, err := store.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, got.Progress.Total, got.Progress.Processed)
	assert.Equal(t, 100, got.Progress.Percentage)
	assert.Equal(t, results, got.Results)
	require.NotNil(t, got.CompletedAt)

	// Terminal states refuse further transitions.
	assert.ErrorIs(t, store.Complete(ctx, claimed.ID, results), ErrInvalidTransition)
	assert.ErrorIs(t, store.Cancel(ctx, claimed.ID), ErrInvalidTransition)
}

func TestCancelStates(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	pending := mustJob(t, sessionRequest("a"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, pending))
	require.NoError(t, store.Cancel(ctx, pending.ID))

	got, err := store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	running := mustJob(t, sessionRequest("b"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, running))
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, running.ID))
}

func TestRetryBackoff(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := mustJob(t, sessionRequest("a"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))

	base := 5 * time.Second

	// failed -> retrying with multiplier^retryCount * base delays: 10s, 20s, 40s.
	wantDelays := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}
	for attempt, wantDelay := range wantDelays {
		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err, "attempt %d", attempt)
		require.NotNil(t, claimed, "attempt %d", attempt)

		require.NoError(t, store.Fail(ctx, job.ID, models.JobError{
			Timestamp: clock.Now(), Error: "embed backend down", RetryCount: attempt,
		}))

		retried, err := store.Retry(ctx, job.ID, base)
		require.NoError(t, err)
		assert.Equal(t, attempt+1, retried.Retry.RetryCount)
		require.NotNil(t, retried.Retry.NextRetryAt)
		assert.Equal(t, clock.Now().Add(wantDelay), *retried.Retry.NextRetryAt)

		// Not claimable until the backoff elapses.
		early, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, early, "attempt %d claimed before backoff", attempt)

		clock.Advance(wantDelay)
	}

	// Budget spent: fourth retry is refused.
	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.Fail(ctx, job.ID, models.JobError{Timestamp: clock.Now(), Error: "still down"}))

	_, err = store.Retry(ctx, job.ID, base)
	assert.ErrorIs(t, err, ErrRetryExhausted)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Len(t, got.Errors, 4)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := mustJob(t, sessionRequest("a"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))

	_, err := store.Retry(ctx, job.ID, time.Second)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDueForRetry(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := mustJob(t, sessionRequest("a"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))
	_, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, job.ID, models.JobError{Timestamp: clock.Now(), Error: "boom"}))
	_, err = store.Retry(ctx, job.ID, 5*time.Second)
	require.NoError(t, err)

	due, err := store.DueForRetry(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	clock.Advance(time.Minute)
	due, err = store.DueForRetry(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, job.ID, due[0].ID)
}

func TestSweepStale(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := mustJob(t, sessionRequest("a"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))
	_, err := store.ClaimNext(ctx)
	require.NoError(t, err)

	// Recently active: not swept.
	swept, err := store.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, swept)

	clock.Advance(10 * time.Minute)
	swept, err = store.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "lease_expired", got.Errors[0].ErrorCode)

	// The recovered job is claimable again.
	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestSweepStaleExhaustedBudgetFails(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	req := sessionRequest("a")
	job := mustJob(t, req, clock.Now())
	job.Retry.RetryCount = job.Retry.MaxRetries
	require.NoError(t, store.Enqueue(ctx, job))
	_, err := store.ClaimNext(ctx)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	swept, err := store.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestSweepRespectsProgressLease(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := mustJob(t, sessionRequest("a", "b"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, job))
	_, err := store.ClaimNext(ctx)
	require.NoError(t, err)

	// Progress writes keep renewing the lease.
	clock.Advance(4 * time.Minute)
	require.NoError(t, store.UpdateProgress(ctx, job.ID, 1, 0))
	clock.Advance(4 * time.Minute)

	swept, err := store.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, swept, "active job swept despite fresh progress")
}

func TestPurgeTerminal(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	done := mustJob(t, sessionRequest("a"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, done))
	_, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, done.ID, models.JobResults{}))

	failed := mustJob(t, sessionRequest("b"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, failed))
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, failed.ID, models.JobError{Timestamp: clock.Now(), Error: "boom"}))

	clock.Advance(31 * 24 * time.Hour)
	purged, err := store.PurgeTerminal(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// Completed job is gone; failed jobs are retained for operators.
	_, err = store.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = store.Get(ctx, failed.ID)
	assert.NoError(t, err)
}

func TestListFiltersByStatus(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	first := mustJob(t, sessionRequest("a"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, first))
	clock.Advance(time.Second)
	second := mustJob(t, sessionRequest("b"), clock.Now())
	require.NoError(t, store.Enqueue(ctx, second))

	all, err := store.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	pending, err := store.List(ctx, models.JobStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	processing, err := store.List(ctx, models.JobStatusProcessing, 10)
	require.NoError(t, err)
	assert.Len(t, processing, 1)
}

func TestNextRetryAtMultiplier(t *testing.T) {
	now := testEpoch
	base := 2 * time.Second

	// multiplier 3: 6s, 18s, 54s.
	assert.Equal(t, now.Add(6*time.Second), nextRetryAt(now, 3, 1, base))
	assert.Equal(t, now.Add(18*time.Second), nextRetryAt(now, 3, 2, base))
	assert.Equal(t, now.Add(54*time.Second), nextRetryAt(now, 3, 3, base))
}
