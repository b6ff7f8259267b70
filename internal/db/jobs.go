package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// JobRecord is the embedding_job row shape. It mirrors models.EmbeddingJob
// except for the ID, which SurrealDB stores as a record ID.
type JobRecord struct {
	ID       surrealmodels.RecordID `json:"id"`
	Type     models.JobType         `json:"job_type"`
	Priority int                    `json:"priority"`

	SourceType models.SourceType `json:"source_type"`
	SourceIDs  []string          `json:"source_ids"`
	TeamID     string            `json:"team_id"`
	SiteID     string            `json:"site_id,omitempty"`

	Status       models.JobStatus `json:"status"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`

	Progress models.JobProgress      `json:"progress"`
	Retry    models.RetryState       `json:"retry"`
	Config   models.ProcessingConfig `json:"config"`
	Results  models.JobResults       `json:"results"`
	Errors   []models.JobError       `json:"errors,omitempty"`

	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJobRecord converts a domain job to its row shape.
func NewJobRecord(job *models.EmbeddingJob) JobRecord {
	return JobRecord{
		ID:             surrealmodels.NewRecordID("embedding_job", job.ID),
		Type:           job.Type,
		Priority:       job.Priority,
		SourceType:     job.SourceType,
		SourceIDs:      job.SourceIDs,
		TeamID:         job.TeamID,
		SiteID:         job.SiteID,
		Status:         job.Status,
		ScheduledFor:   job.ScheduledFor,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		Progress:       job.Progress,
		Retry:          job.Retry,
		Config:         job.Config,
		Results:        job.Results,
		Errors:         job.Errors,
		LastProgressAt: job.LastProgressAt,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
}

// ToJob converts a row back to the domain type.
func (r JobRecord) ToJob() (*models.EmbeddingJob, error) {
	id, err := RecordIDString(r.ID)
	if err != nil {
		return nil, err
	}
	return &models.EmbeddingJob{
		ID:             id,
		Type:           r.Type,
		Priority:       r.Priority,
		SourceType:     r.SourceType,
		SourceIDs:      r.SourceIDs,
		TeamID:         r.TeamID,
		SiteID:         r.SiteID,
		Status:         r.Status,
		ScheduledFor:   r.ScheduledFor,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Progress:       r.Progress,
		Retry:          r.Retry,
		Config:         r.Config,
		Results:        r.Results,
		Errors:         r.Errors,
		LastProgressAt: r.LastProgressAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("record ID is not a string: %v (%T)", id.ID, id.ID)
	}
	return s, nil
}

func jobRecordID(id string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID("embedding_job", id)
}

// claimableWhere selects jobs eligible for dispatch at $now. Shared between
// the claim statement and the queue depth count so the two never disagree.
const claimableWhere = `
	(status = 'pending' AND scheduled_for <= $now)
	OR (status = 'retrying' AND retry.next_retry_at != NONE AND retry.next_retry_at <= $now)`

// CreateJob inserts a new job row. Returns ErrAlreadyExists when the ID is taken.
func (c *Client) CreateJob(ctx context.Context, rec JobRecord) error {
	_, err := surrealdb.Query[any](ctx, c.db,
		`CREATE ONLY $id CONTENT $job`,
		map[string]any{"id": rec.ID, "job": rec})
	if err != nil {
		return wrapQueryError(err)
	}
	return nil
}

// GetJob fetches one job row by its string ID. Returns ErrNotFound when absent.
func (c *Client) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	results, err := surrealdb.Query[[]JobRecord](ctx, c.db,
		`SELECT * FROM embedding_job WHERE id = $id`,
		map[string]any{"id": jobRecordID(id)})
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("%w: embedding_job %s", ErrNotFound, id)
	}
	return &(*results)[0].Result[0], nil
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (c *Client) ListJobs(ctx context.Context, status string, limit int) ([]JobRecord, error) {
	sql := `SELECT * FROM embedding_job ORDER BY created_at DESC LIMIT $limit`
	vars := map[string]any{"limit": limit}
	if status != "" {
		sql = `SELECT * FROM embedding_job WHERE status = $status ORDER BY created_at DESC LIMIT $limit`
		vars["status"] = status
	}

	results, err := surrealdb.Query[[]JobRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// ClaimNextJob atomically flips the best claimable job to processing and
// returns it. The claim runs as a single UPDATE over a subquery, so SurrealDB
// serializes concurrent claimers: only one sees the row in its eligible state.
// Returns (nil, nil) when nothing is claimable.
func (c *Client) ClaimNextJob(ctx context.Context, now time.Time) (*JobRecord, error) {
	sql := `
		UPDATE (
			SELECT VALUE id FROM embedding_job
			WHERE ` + claimableWhere + `
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT 1
		)
		SET status = 'processing',
			started_at = $now,
			last_progress_at = $now,
			updated_at = $now
		RETURN AFTER`

	results, err := surrealdb.Query[[]JobRecord](ctx, c.db, sql, map[string]any{"now": now})
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// JobsDueForRetry lists retrying jobs whose backoff has elapsed.
func (c *Client) JobsDueForRetry(ctx context.Context, now time.Time) ([]JobRecord, error) {
	results, err := surrealdb.Query[[]JobRecord](ctx, c.db, `
		SELECT * FROM embedding_job
		WHERE status = 'retrying' AND retry.next_retry_at != NONE AND retry.next_retry_at <= $now
		ORDER BY retry.next_retry_at ASC`,
		map[string]any{"now": now})
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// CountClaimable counts jobs eligible for dispatch at now.
func (c *Client) CountClaimable(ctx context.Context, now time.Time) (int, error) {
	results, err := surrealdb.Query[[]struct {
		C int `json:"c"`
	}](ctx, c.db,
		`SELECT count() AS c FROM embedding_job WHERE `+claimableWhere+` GROUP ALL`,
		map[string]any{"now": now})
	if err != nil {
		return 0, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].C, nil
}

// UpdateJobProgress writes progress counters on a processing job. The status
// guard makes the write a no-op once the job left processing; callers detect
// that through the nil return.
func (c *Client) UpdateJobProgress(ctx context.Context, id string, progress models.JobProgress, now time.Time) (*JobRecord, error) {
	return c.guardedUpdate(ctx, `
		UPDATE $id
		SET progress = $progress, last_progress_at = $now, updated_at = $now
		WHERE status = 'processing'
		RETURN AFTER`,
		map[string]any{"id": jobRecordID(id), "progress": progress, "now": now})
}

// CompleteJob finalizes a processing job. Completion is authoritative, so
// processed snaps to total and the percentage to 100.
func (c *Client) CompleteJob(ctx context.Context, id string, results models.JobResults, now time.Time) (*JobRecord, error) {
	return c.guardedUpdate(ctx, `
		UPDATE $id
		SET status = 'completed',
			progress.processed = progress.total,
			progress.percentage = 100,
			results = $results,
			completed_at = $now,
			updated_at = $now
		WHERE status = 'processing'
		RETURN AFTER`,
		map[string]any{"id": jobRecordID(id), "results": results, "now": now})
}

// FailJob moves a processing job to failed and appends the error entry.
func (c *Client) FailJob(ctx context.Context, id string, jobErr models.JobError, now time.Time) (*JobRecord, error) {
	return c.guardedUpdate(ctx, `
		UPDATE $id
		SET status = 'failed', errors += $err, completed_at = $now, updated_at = $now
		WHERE status = 'processing'
		RETURN AFTER`,
		map[string]any{"id": jobRecordID(id), "err": jobErr, "now": now})
}

// CancelJob cancels a job that has not reached a terminal state.
func (c *Client) CancelJob(ctx context.Context, id string, now time.Time) (*JobRecord, error) {
	return c.guardedUpdate(ctx, `
		UPDATE $id
		SET status = 'cancelled', completed_at = $now, updated_at = $now
		WHERE status IN ['pending', 'processing', 'retrying']
		RETURN AFTER`,
		map[string]any{"id": jobRecordID(id), "now": now})
}

// RetryJob moves a failed job to retrying. The retry_count guard keeps two
// concurrent retry requests from both consuming the same retry slot.
func (c *Client) RetryJob(ctx context.Context, id string, prevRetryCount int, nextRetryAt time.Time, now time.Time) (*JobRecord, error) {
	return c.guardedUpdate(ctx, `
		UPDATE $id
		SET status = 'retrying',
			retry.retry_count = $count,
			retry.next_retry_at = $next,
			completed_at = NONE,
			updated_at = $now
		WHERE status = 'failed' AND retry.retry_count = $prev
		RETURN AFTER`,
		map[string]any{
			"id":    jobRecordID(id),
			"prev":  prevRetryCount,
			"count": prevRetryCount + 1,
			"next":  nextRetryAt,
			"now":   now,
		})
}

// StaleProcessingJobs lists processing jobs whose progress lease expired
// before cutoff.
func (c *Client) StaleProcessingJobs(ctx context.Context, cutoff time.Time) ([]JobRecord, error) {
	results, err := surrealdb.Query[[]JobRecord](ctx, c.db, `
		SELECT * FROM embedding_job
		WHERE status = 'processing'
			AND (last_progress_at ?? started_at) != NONE
			AND (last_progress_at ?? started_at) <= $cutoff`,
		map[string]any{"cutoff": cutoff})
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// RequeueStaleJob returns an abandoned processing job to pending. The
// updated_at guard skips jobs the worker touched after the sweep selected them.
func (c *Client) RequeueStaleJob(ctx context.Context, id string, seenUpdatedAt time.Time, jobErr models.JobError, now time.Time) (*JobRecord, error) {
	return c.guardedUpdate(ctx, `
		UPDATE $id
		SET status = 'pending',
			started_at = NONE,
			last_progress_at = NONE,
			errors += $err,
			updated_at = $now
		WHERE status = 'processing' AND updated_at = $seen
		RETURN AFTER`,
		map[string]any{"id": jobRecordID(id), "seen": seenUpdatedAt, "err": jobErr, "now": now})
}

// FailStaleJob fails an abandoned processing job whose retry budget is spent.
func (c *Client) FailStaleJob(ctx context.Context, id string, seenUpdatedAt time.Time, jobErr models.JobError, now time.Time) (*JobRecord, error) {
	return c.guardedUpdate(ctx, `
		UPDATE $id
		SET status = 'failed', errors += $err, completed_at = $now, updated_at = $now
		WHERE status = 'processing' AND updated_at = $seen
		RETURN AFTER`,
		map[string]any{"id": jobRecordID(id), "seen": seenUpdatedAt, "err": jobErr, "now": now})
}

// DeleteTerminalJobsBefore removes completed and cancelled jobs whose
// completed_at predates cutoff. Returns the number of rows deleted.
func (c *Client) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	results, err := surrealdb.Query[[]JobRecord](ctx, c.db, `
		DELETE embedding_job
		WHERE status IN ['completed', 'cancelled']
			AND completed_at != NONE AND completed_at <= $cutoff
		RETURN BEFORE`,
		map[string]any{"cutoff": cutoff})
	if err != nil {
		return 0, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

// guardedUpdate runs a conditional single-record UPDATE and returns the row
// after the write, or nil when the guard rejected it.
func (c *Client) guardedUpdate(ctx context.Context, sql string, vars map[string]any) (*JobRecord, error) {
	results, err := surrealdb.Query[[]JobRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}
