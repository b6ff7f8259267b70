// Package processor converts raw source records into bounded text chunks
// ready for embedding. It is stateless per call; the only shared state is
// an injected metrics collector, which is advisory and never consulted for
// correctness decisions.
package processor

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cryptique/embedding-pipeline/internal/metrics"
	"github.com/cryptique/embedding-pipeline/internal/models"
)

// Summarizer renders a heterogeneous source record into a single text
// representation plus record-derived metadata. The pipeline is agnostic to
// record shape beyond this boundary; the CRUD layer supplies the
// implementation (see the source package for the default registry).
type Summarizer interface {
	Summarize(record models.SourceRecord) (text string, metadata map[string]any, err error)
}

// Processor chunks rendered documents with a sliding window.
type Processor struct {
	summarizer Summarizer
	collector  *metrics.Collector
	logger     *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCollector injects a metrics collector. Default is a fresh collector,
// so tests get isolated counters.
func WithCollector(collector *metrics.Collector) Option {
	return func(p *Processor) {
		if collector != nil {
			p.collector = collector
		}
	}
}

// New creates a Processor around the given summarizer.
func New(summarizer Summarizer, opts ...Option) (*Processor, error) {
	if summarizer == nil {
		return nil, ErrSummarizerRequired
	}
	p := &Processor{
		summarizer: summarizer,
		collector:  metrics.NewCollector(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Stats returns a point-in-time snapshot of the processor's counters.
func (p *Processor) Stats() metrics.Snapshot {
	return p.collector.Snapshot()
}

// ProcessDocument renders one record to text and splits it into chunks.
// The invalid-overlap case is rejected before any chunking happens.
func (p *Processor) ProcessDocument(record models.SourceRecord, sourceCollection string, cfg models.ProcessingConfig) ([]models.DocumentChunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()

	text, extra, err := p.summarizer.Summarize(record)
	if err != nil {
		p.collector.RecordError(metrics.OpChunking)
		return nil, fmt.Errorf("summarize %s/%s: %w", sourceCollection, record.ID, err)
	}
	if len(text) == 0 {
		p.collector.RecordError(metrics.OpChunking)
		return nil, fmt.Errorf("%s/%s: %w", sourceCollection, record.ID, ErrEmptyDocument)
	}

	spans := slideWindows(len(text), cfg.ChunkSize, cfg.OverlapSize)
	summary := documentSummary(text)

	chunks := make([]models.DocumentChunk, len(spans))
	for i, s := range spans {
		start := alignRune(text, s.start)
		end := alignRune(text, s.end)
		chunks[i] = models.DocumentChunk{
			Content:          text[start:end],
			Summary:          summary,
			StartOffset:      start,
			EndOffset:        end,
			SourceCollection: sourceCollection,
			Metadata: models.ChunkMetadata{
				Source:        sourceCollection,
				SourceID:      record.ID,
				SequenceIndex: i,
				TotalChunks:   len(spans),
			},
			Extra: extra,
		}
	}

	p.collector.RecordTiming(metrics.OpChunking, time.Since(start))
	p.collector.RecordDocument(len(chunks))

	p.logger.Debug("document chunked",
		"source", sourceCollection,
		"record_id", record.ID,
		"text_len", len(text),
		"chunks", len(chunks))

	return chunks, nil
}

// summaryLimit caps the per-document summary stamped on each chunk.
const summaryLimit = 200

// documentSummary takes the rendered text's first line. For
// registry-rendered records that is the provenance header.
func documentSummary(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > summaryLimit {
		text = text[:alignRune(text, summaryLimit)]
	}
	return text
}

// ProcessBatch applies ProcessDocument to every record. A single record's
// failure never aborts the batch; failures are counted and returned
// alongside the successful chunks.
func (p *Processor) ProcessBatch(records []models.SourceRecord, batchLabel string, cfg models.ProcessingConfig) models.ProcessingBatchResult {
	start := time.Now()

	result := models.ProcessingBatchResult{
		PerDocumentChunkCount: make(map[string]int, len(records)),
	}

	for _, record := range records {
		chunks, err := p.ProcessDocument(record, batchLabel, cfg)
		if err != nil {
			result.Failures = append(result.Failures, models.BatchFailure{
				SourceID: record.ID,
				Err:      err,
				Message:  err.Error(),
			})
			continue
		}
		result.ProcessedDocuments++
		result.TotalChunks += len(chunks)
		result.PerDocumentChunkCount[record.ID] = len(chunks)
		result.Chunks = append(result.Chunks, chunks...)
	}

	result.ProcessingTime = time.Since(start)
	p.collector.SampleMemory()

	if len(result.Failures) > 0 {
		p.logger.Warn("batch processed with failures",
			"batch", batchLabel,
			"processed", result.ProcessedDocuments,
			"failed", len(result.Failures))
	}

	return result
}
