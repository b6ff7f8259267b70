// Package orchestrator drives the embedding pipeline: it claims jobs from
// the ledger, runs them through the processor, embedder and sink on a
// bounded worker pool, and keeps the ledger's progress truthful.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/cryptique/embedding-pipeline/internal/embedding"
	"github.com/cryptique/embedding-pipeline/internal/ledger"
	"github.com/cryptique/embedding-pipeline/internal/metrics"
	"github.com/cryptique/embedding-pipeline/internal/models"
	"github.com/cryptique/embedding-pipeline/internal/processor"
	"github.com/cryptique/embedding-pipeline/internal/sink"
	"github.com/cryptique/embedding-pipeline/internal/source"
)

// errJobCancelled signals cooperative cancellation inside a job run. The
// ledger already holds the cancelled state when it surfaces.
var errJobCancelled = errors.New("job cancelled")

// defaultCostPerMillionTokens prices embedding usage for the results report.
const defaultCostPerMillionTokens = 0.02

// Orchestrator coordinates job execution. All cross-instance coordination
// goes through the ledger; two orchestrators sharing a store never need to
// talk to each other.
type Orchestrator struct {
	cfg Config

	store     ledger.Store
	provider  source.Provider
	processor *processor.Processor
	embedder  embedding.Embedder
	sink      sink.Sink

	pool      *ants.Pool
	bus       *Bus
	collector *metrics.Collector
	clock     ledger.Clock
	logger    *slog.Logger

	completed atomic.Int64
	failed    atomic.Int64

	// lastSuccess holds the UnixNano of the most recent completed job,
	// seeded at Start so a fresh daemon gets a full starvation window.
	lastSuccess atomic.Int64

	healthMu sync.RWMutex
	health   HealthStatus

	mu          sync.Mutex
	cancelLoops context.CancelFunc
	cancelJobs  context.CancelFunc
	started     bool
	wg          sync.WaitGroup // dispatch, sweep and health loops
	jobWg       sync.WaitGroup // in-flight job executions
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock injects a clock for deterministic tests.
func WithClock(clock ledger.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithCollector injects a shared metrics collector.
func WithCollector(collector *metrics.Collector) Option {
	return func(o *Orchestrator) {
		if collector != nil {
			o.collector = collector
		}
	}
}

// New wires an orchestrator. Every dependency is required.
func New(store ledger.Store, provider source.Provider, proc *processor.Processor, embedder embedding.Embedder, snk sink.Sink, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil || provider == nil || proc == nil || embedder == nil || snk == nil {
		return nil, errors.New("orchestrator requires store, provider, processor, embedder and sink")
	}
	cfg.applyDefaults()

	pool, err := ants.NewPool(cfg.MaxConcurrentJobs, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		provider:  provider,
		processor: proc,
		embedder:  embedder,
		sink:      snk,
		pool:      pool,
		bus:       NewBus(cfg.EventBuffer),
		collector: metrics.NewCollector(),
		clock:     ledger.SystemClock,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start launches the dispatch, sweep and health loops. Idempotent per
// lifecycle: a second Start before Stop is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	// Loops and jobs get separate lifetimes: Stop cancels the loops right
	// away but leaves in-flight jobs running until the bounded wait expires.
	loopCtx, cancelLoops := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	o.cancelLoops = cancelLoops
	o.cancelJobs = cancelJobs

	o.lastSuccess.Store(o.clock.Now().UnixNano())

	o.wg.Add(3)
	go o.dispatchLoop(loopCtx, jobCtx)
	go o.sweepLoop(loopCtx)
	go o.healthLoop(loopCtx)

	o.logger.Info("orchestrator started",
		"max_concurrent_jobs", o.cfg.MaxConcurrentJobs,
		"claim_interval", o.cfg.ClaimInterval,
		"lease_timeout", o.cfg.LeaseTimeout)
}

// Stop quits claiming new jobs and waits for in-flight jobs to finish,
// bounded by ctx. Jobs still running at the deadline get their contexts
// cancelled; the lease sweep on the next start recovers them.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancelLoops := o.cancelLoops
	cancelJobs := o.cancelJobs
	o.mu.Unlock()

	cancelLoops()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.jobWg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	cancelJobs()
	o.pool.Release()
	o.bus.Close()
	o.logger.Info("orchestrator stopped")
	return err
}

// AddJob validates a request, enqueues the pending job and announces it.
// Validation failures are returned synchronously and never enter the ledger.
func (o *Orchestrator) AddJob(ctx context.Context, req models.JobRequest) (*models.EmbeddingJob, error) {
	job, err := models.NewJob(req, o.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := o.store.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	o.bus.Publish(Event{
		Type:      EventJobQueued,
		JobID:     job.ID,
		Timestamp: o.clock.Now(),
		Fields: map[string]any{
			"source_type": string(job.SourceType),
			"team_id":     job.TeamID,
			"priority":    job.Priority,
			"sources":     len(job.SourceIDs),
		},
	})
	o.logger.Info("job queued",
		"job_id", job.ID,
		"source_type", job.SourceType,
		"sources", len(job.SourceIDs),
		"priority", job.Priority)
	return job, nil
}

// CancelJob requests cooperative cancellation. A running worker observes the
// state between batches and stops early.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	return o.store.Cancel(ctx, id)
}

// GetJob returns the current ledger state of a job.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*models.EmbeddingJob, error) {
	return o.store.Get(ctx, id)
}

// GetMetrics returns a point-in-time snapshot of pipeline counters.
func (o *Orchestrator) GetMetrics() metrics.Snapshot {
	return o.collector.Snapshot()
}

// Events subscribes to the lifecycle event stream.
func (o *Orchestrator) Events() (<-chan Event, func()) {
	return o.bus.Subscribe()
}

// dispatchLoop polls the ledger while pool capacity is free. Claims use the
// loop context; submitted jobs run under jobCtx so shutdown does not abort
// them.
func (o *Orchestrator) dispatchLoop(ctx, jobCtx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.dispatchReady(ctx, jobCtx)
		}
	}
}

// dispatchReady claims and submits jobs until the pool is full or the
// queue is drained. Claim errors end the round; the next tick retries.
func (o *Orchestrator) dispatchReady(ctx, jobCtx context.Context) {
	for o.pool.Free() > 0 {
		job, err := o.store.ClaimNext(ctx)
		if err != nil {
			o.logger.Error("claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}

		o.jobWg.Add(1)
		if err := o.pool.Submit(func() {
			defer o.jobWg.Done()
			o.runJob(jobCtx, job)
		}); err != nil {
			o.jobWg.Done()
			// Pool filled between the capacity check and the submit.
			// The claimed job sits in processing until the lease sweep
			// returns it to pending.
			o.logger.Warn("submit failed, job left for lease sweep",
				"job_id", job.ID, "error", err)
			return
		}
	}
}

// runJob executes one claimed job and records its terminal state.
func (o *Orchestrator) runJob(ctx context.Context, job *models.EmbeddingJob) {
	jobCtx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()

	start := o.clock.Now()
	o.bus.Publish(Event{
		Type:      EventJobStarted,
		JobID:     job.ID,
		Timestamp: start,
		Fields:    map[string]any{"source_type": string(job.SourceType)},
	})
	o.logger.Info("job started",
		"job_id", job.ID,
		"source_type", job.SourceType,
		"sources", len(job.SourceIDs))

	results, runErr := o.executeJob(jobCtx, job)

	// Terminal writes get a fresh context: the job context may be the very
	// thing that expired.
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer writeCancel()

	elapsed := o.clock.Now().Sub(start)
	o.collector.RecordTiming(metrics.OpJob, elapsed)

	if errors.Is(runErr, errJobCancelled) {
		o.logger.Info("job cancelled mid-run", "job_id", job.ID)
		return
	}

	if runErr != nil {
		o.collector.RecordError(metrics.OpJob)
		o.failed.Add(1)
		o.failJob(writeCtx, job, runErr)
		return
	}

	if err := o.store.Complete(writeCtx, job.ID, results); err != nil {
		// A concurrent cancel or lease sweep may have moved the job.
		o.logger.Warn("complete rejected", "job_id", job.ID, "error", err)
		return
	}
	o.completed.Add(1)
	o.lastSuccess.Store(o.clock.Now().UnixNano())
	o.bus.Publish(Event{
		Type:      EventJobCompleted,
		JobID:     job.ID,
		Timestamp: o.clock.Now(),
		Fields: map[string]any{
			"documents_created": results.DocumentsCreated,
			"documents_updated": results.DocumentsUpdated,
			"tokens_used":       results.TokensUsed,
			"duration_ms":       elapsed.Milliseconds(),
		},
	})
	o.logger.Info("job completed",
		"job_id", job.ID,
		"documents_created", results.DocumentsCreated,
		"documents_updated", results.DocumentsUpdated,
		"duration_ms", elapsed.Milliseconds())
}

// failJob records the failure and schedules a retry when budget remains.
func (o *Orchestrator) failJob(ctx context.Context, job *models.EmbeddingJob, runErr error) {
	now := o.clock.Now()
	jobErr := models.JobError{
		Timestamp:  now,
		Error:      runErr.Error(),
		ErrorCode:  errorCode(runErr),
		RetryCount: job.Retry.RetryCount,
	}
	if err := o.store.Fail(ctx, job.ID, jobErr); err != nil {
		o.logger.Error("fail rejected", "job_id", job.ID, "error", err)
		return
	}
	o.bus.Publish(Event{
		Type:      EventJobFailed,
		JobID:     job.ID,
		Timestamp: now,
		Fields:    map[string]any{"error": runErr.Error()},
	})
	o.logger.Error("job failed", "job_id", job.ID, "error", runErr)

	retried, err := o.store.Retry(ctx, job.ID, o.cfg.RetryBaseDelay)
	if err != nil {
		if !errors.Is(err, ledger.ErrRetryExhausted) {
			o.logger.Warn("retry scheduling failed", "job_id", job.ID, "error", err)
		} else {
			o.logger.Warn("retry budget exhausted, job stays failed", "job_id", job.ID)
		}
		return
	}
	o.bus.Publish(Event{
		Type:      EventJobRetry,
		JobID:     job.ID,
		Timestamp: now,
		Fields: map[string]any{
			"retry_count":   retried.Retry.RetryCount,
			"next_retry_at": retried.Retry.NextRetryAt,
		},
	})
	o.logger.Info("job scheduled for retry",
		"job_id", job.ID,
		"retry_count", retried.Retry.RetryCount,
		"next_retry_at", retried.Retry.NextRetryAt)
}

// executeJob runs the fetch, chunk, embed, persist sequence in batches of
// the job's configured size, reporting progress after each batch.
func (o *Orchestrator) executeJob(ctx context.Context, job *models.EmbeddingJob) (models.JobResults, error) {
	var results models.JobResults
	start := o.clock.Now()

	fetchStart := time.Now()
	records, err := o.provider.FetchRecords(ctx, job.SourceType, job.SourceIDs)
	if err != nil {
		o.collector.RecordError(metrics.OpSourceFetch)
		return results, fmt.Errorf("fetch sources: %w", err)
	}
	o.collector.RecordTiming(metrics.OpSourceFetch, time.Since(fetchStart))

	byID := make(map[string]models.SourceRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	processed, failed := 0, 0
	batchSize := job.Config.BatchSize

	for begin := 0; begin < len(job.SourceIDs); begin += batchSize {
		if err := o.checkCancelled(ctx, job.ID); err != nil {
			return results, err
		}

		end := min(begin+batchSize, len(job.SourceIDs))
		group := job.SourceIDs[begin:end]

		groupRecords := make([]models.SourceRecord, 0, len(group))
		for _, id := range group {
			rec, ok := byID[id]
			if !ok {
				// No backing row: counted against progress but the job
				// itself keeps going.
				failed++
				results.DocumentsSkipped++
				continue
			}
			groupRecords = append(groupRecords, rec)
		}

		batch := o.processor.ProcessBatch(groupRecords, job.SourceType.Collection(), job.Config)
		processed += batch.ProcessedDocuments
		failed += len(batch.Failures)

		if len(batch.Chunks) > 0 {
			if err := o.embedAndStore(ctx, job, batch.Chunks, &results); err != nil {
				return results, err
			}
		}

		if err := o.reportProgress(ctx, job.ID, processed, failed); err != nil {
			return results, err
		}
	}

	if n := processed + failed; n > 0 {
		results.AvgProcessingTimeMs = float64(o.clock.Now().Sub(start).Milliseconds()) / float64(n)
	}
	return results, nil
}

// embedAndStore embeds one batch of chunks and persists the vectors.
func (o *Orchestrator) embedAndStore(ctx context.Context, job *models.EmbeddingJob, chunks []models.DocumentChunk, results *models.JobResults) error {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	embedStart := time.Now()
	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		o.collector.RecordError(metrics.OpEmbedding)
		return fmt.Errorf("embed batch: %w", err)
	}
	o.collector.RecordTiming(metrics.OpEmbedding, time.Since(embedStart))

	tokens := embedding.EstimateTokens(texts)
	o.collector.RecordTokens(metrics.OpEmbedding, int64(tokens))
	results.TokensUsed += tokens
	results.Cost += float64(tokens) / 1e6 * defaultCostPerMillionTokens

	now := o.clock.Now()
	docs := make([]models.VectorDocument, len(chunks))
	for i, chunk := range chunks {
		metadata := map[string]any{
			"source":         chunk.Metadata.Source,
			"sequence_index": chunk.Metadata.SequenceIndex,
			"total_chunks":   chunk.Metadata.TotalChunks,
			"job_id":         job.ID,
		}
		for k, v := range chunk.Extra {
			metadata[k] = v
		}

		docs[i] = models.VectorDocument{
			// Keyed by source identity, not job ID, so reprocessing the
			// same record overwrites instead of duplicating.
			DocumentID: fmt.Sprintf("%s:%s:%d", job.SourceType, chunk.Metadata.SourceID, chunk.Metadata.SequenceIndex),
			SourceType: job.SourceType,
			SourceID:   chunk.Metadata.SourceID,
			SiteID:     job.SiteID,
			TeamID:     job.TeamID,
			Embedding:  vectors[i],
			Content:    chunk.Content,
			Summary:    chunk.Summary,
			Metadata:   metadata,
			CreatedAt:  now,
		}
	}

	writeStart := time.Now()
	stats, err := o.sink.WriteBatch(ctx, docs)
	results.DocumentsCreated += stats.Created
	results.DocumentsUpdated += stats.Updated
	if err != nil {
		o.collector.RecordError(metrics.OpSinkWrite)
		return fmt.Errorf("write vectors: %w", err)
	}
	o.collector.RecordTiming(metrics.OpSinkWrite, time.Since(writeStart))
	return nil
}

// checkCancelled implements the cooperative cancellation point between
// batches.
func (o *Orchestrator) checkCancelled(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("job deadline: %w", err)
	}
	current, err := o.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancellation check: %w", err)
	}
	if current.Status == models.JobStatusCancelled {
		return errJobCancelled
	}
	return nil
}

// reportProgress writes progress, translating a guard rejection caused by a
// concurrent cancel into cooperative shutdown.
func (o *Orchestrator) reportProgress(ctx context.Context, jobID string, processed, failed int) error {
	err := o.store.UpdateProgress(ctx, jobID, processed, failed)
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrInvalidTransition) {
		current, getErr := o.store.Get(ctx, jobID)
		if getErr == nil && current.Status == models.JobStatusCancelled {
			return errJobCancelled
		}
	}
	return fmt.Errorf("update progress: %w", err)
}

// sweepLoop recovers stale leases and purges expired terminal jobs.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := o.store.SweepStale(ctx, o.cfg.LeaseTimeout)
			if err != nil {
				o.logger.Error("lease sweep failed", "error", err)
			} else if swept > 0 {
				o.logger.Warn("recovered stale jobs", "count", swept)
			}

			purged, err := o.store.PurgeTerminal(ctx, o.cfg.RetentionWindow)
			if err != nil {
				o.logger.Error("retention purge failed", "error", err)
			} else if purged > 0 {
				o.logger.Info("purged terminal jobs", "count", purged)
			}
		}
	}
}

// errorCode buckets run errors for the job error log.
func errorCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "execution_error"
	}
}
