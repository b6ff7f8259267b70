// Package models defines the data types shared across the embedding pipeline.
package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an embedding job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusRetrying   JobStatus = "retrying"
)

// Terminal reports whether the job is eligible for retention cleanup.
// Failed jobs are excluded: they stay queryable until an operator acts.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// JobType categorizes why a job was enqueued.
type JobType string

const (
	JobTypeInitialProcessing JobType = "initial_processing"
	JobTypeReprocessing      JobType = "reprocessing"
	JobTypeBatchUpdate       JobType = "batch_update"
	JobTypeMigration         JobType = "migration"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeInitialProcessing, JobTypeReprocessing, JobTypeBatchUpdate, JobTypeMigration:
		return true
	}
	return false
}

// Priority bounds for jobs. Higher dispatches first.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Sentinel errors for enqueue-time validation. These are configuration
// errors in the pipeline's taxonomy: rejected synchronously, never stored.
var (
	ErrMissingSourceType = errors.New("source type required")
	ErrMissingTeamID     = errors.New("team id required")
	ErrInvalidSourceType = errors.New("unknown source type")
	ErrInvalidJobType    = errors.New("unknown job type")
	ErrInvalidPriority   = errors.New("priority out of range")
	ErrInvalidConfig     = errors.New("invalid processing config")
)

// JobProgress tracks how much of a job's work is done.
// Percentage is derived from Processed/Total and never stored independently.
type JobProgress struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Percentage int `json:"percentage"`
}

// Recompute refreshes the derived percentage from processed/total.
func (p *JobProgress) Recompute() {
	if p.Total <= 0 {
		p.Percentage = 0
		return
	}
	p.Percentage = int(math.Round(float64(p.Processed) / float64(p.Total) * 100))
}

// RetryState holds a job's retry bookkeeping.
type RetryState struct {
	MaxRetries        int        `json:"max_retries"`
	RetryCount        int        `json:"retry_count"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	BackoffMultiplier float64    `json:"backoff_multiplier"`
}

// Exhausted reports whether the retry budget is spent.
func (r RetryState) Exhausted() bool {
	return r.RetryCount >= r.MaxRetries
}

// ProcessingConfig bounds: batch 1-100, chunk 100-8000, overlap 0-1000.
const (
	MinBatchSize   = 1
	MaxBatchSize   = 100
	MinChunkSize   = 100
	MaxChunkSize   = 8000
	MinOverlapSize = 0
	MaxOverlapSize = 1000

	DefaultBatchSize   = 10
	DefaultChunkSize   = 1000
	DefaultOverlapSize = 200
)

// ProcessingConfig controls how a job's source records are chunked and embedded.
type ProcessingConfig struct {
	BatchSize      int    `json:"batch_size"`
	ChunkSize      int    `json:"chunk_size"`
	OverlapSize    int    `json:"overlap_size"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

// DefaultProcessingConfig returns the documented defaults.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		BatchSize:   DefaultBatchSize,
		ChunkSize:   DefaultChunkSize,
		OverlapSize: DefaultOverlapSize,
	}
}

// Validate checks the config bounds. The overlap/chunk relation is the
// critical invariant: an overlap that reaches the chunk size stops the
// sliding window from advancing.
func (c ProcessingConfig) Validate() error {
	if c.BatchSize < MinBatchSize || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("%w: batch size %d not in [%d,%d]", ErrInvalidConfig, c.BatchSize, MinBatchSize, MaxBatchSize)
	}
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d not in [%d,%d]", ErrInvalidConfig, c.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if c.OverlapSize < MinOverlapSize || c.OverlapSize > MaxOverlapSize {
		return fmt.Errorf("%w: overlap size %d not in [%d,%d]", ErrInvalidConfig, c.OverlapSize, MinOverlapSize, MaxOverlapSize)
	}
	if c.OverlapSize >= c.ChunkSize {
		return fmt.Errorf("%w: overlap size %d must be smaller than chunk size %d", ErrInvalidConfig, c.OverlapSize, c.ChunkSize)
	}
	return nil
}

// JobError is a single append-only entry in a job's error log.
type JobError struct {
	Timestamp  time.Time `json:"timestamp"`
	SourceID   string    `json:"source_id,omitempty"`
	Error      string    `json:"error"`
	ErrorCode  string    `json:"error_code,omitempty"`
	RetryCount int       `json:"retry_count"`
}

// JobResults aggregates outcome metrics once work has run.
type JobResults struct {
	DocumentsCreated    int     `json:"documents_created"`
	DocumentsUpdated    int     `json:"documents_updated"`
	DocumentsSkipped    int     `json:"documents_skipped"`
	TokensUsed          int     `json:"tokens_used"`
	Cost                float64 `json:"cost"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
}

// EmbeddingJob is one unit of embedding work covering a batch of source
// records. The ledger owns it exclusively; an orchestrator only holds a
// transient lease while the job is processing.
type EmbeddingJob struct {
	ID       string  `json:"id"`
	Type     JobType `json:"job_type"`
	Priority int     `json:"priority"`

	SourceType SourceType `json:"source_type"`
	SourceIDs  []string   `json:"source_ids"`
	TeamID     string     `json:"team_id"`
	SiteID     string     `json:"site_id,omitempty"`

	Status       JobStatus  `json:"status"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	Progress JobProgress      `json:"progress"`
	Retry    RetryState       `json:"retry"`
	Config   ProcessingConfig `json:"config"`
	Results  JobResults       `json:"results"`
	Errors   []JobError       `json:"errors,omitempty"`

	// LastProgressAt drives the staleness sweep: a processing job whose
	// last progress write is older than the lease timeout is abandoned.
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobRequest is the external enqueue payload.
type JobRequest struct {
	SourceType   SourceType        `json:"source_type"`
	SourceIDs    []string          `json:"source_ids"`
	TeamID       string            `json:"team_id"`
	SiteID       string            `json:"site_id,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	JobType      JobType           `json:"job_type,omitempty"`
	Config       *ProcessingConfig `json:"config,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	MaxRetries   int               `json:"max_retries,omitempty"`
	Backoff      float64           `json:"backoff_multiplier,omitempty"`
}

// Retry defaults applied when the request leaves them unset.
const (
	DefaultMaxRetries        = 3
	DefaultBackoffMultiplier = 2.0
)

// NewJob validates a request and materializes a pending job stamped at now.
// All rejections here are configuration errors: they never enter the ledger.
func NewJob(req JobRequest, now time.Time) (*EmbeddingJob, error) {
	if req.SourceType == "" {
		return nil, ErrMissingSourceType
	}
	if !req.SourceType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceType, req.SourceType)
	}
	if req.TeamID == "" {
		return nil, ErrMissingTeamID
	}

	jobType := req.JobType
	if jobType == "" {
		jobType = JobTypeInitialProcessing
	}
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, jobType)
	}

	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidPriority, priority, MinPriority, MaxPriority)
	}

	cfg := DefaultProcessingConfig()
	if req.Config != nil {
		cfg = *req.Config
		if cfg.BatchSize == 0 {
			cfg.BatchSize = DefaultBatchSize
		}
		if cfg.ChunkSize == 0 {
			cfg.ChunkSize = DefaultChunkSize
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	scheduledFor := now
	if req.ScheduledFor != nil {
		scheduledFor = *req.ScheduledFor
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	backoff := req.Backoff
	if backoff == 0 {
		backoff = DefaultBackoffMultiplier
	}

	return &EmbeddingJob{
		ID:           uuid.New().String(),
		Type:         jobType,
		Priority:     priority,
		SourceType:   req.SourceType,
		SourceIDs:    append([]string(nil), req.SourceIDs...),
		TeamID:       req.TeamID,
		SiteID:       req.SiteID,
		Status:       JobStatusPending,
		ScheduledFor: scheduledFor,
		Progress:     JobProgress{Total: len(req.SourceIDs)},
		Retry: RetryState{
			MaxRetries:        maxRetries,
			BackoffMultiplier: backoff,
		},
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AppendError records an execution failure in the append-only error log.
func (j *EmbeddingJob) AppendError(now time.Time, sourceID, code string, err error) {
	j.Errors = append(j.Errors, JobError{
		Timestamp:  now,
		SourceID:   sourceID,
		Error:      err.Error(),
		ErrorCode:  code,
		RetryCount: j.Retry.RetryCount,
	})
}
