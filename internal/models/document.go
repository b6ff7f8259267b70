package models

import "time"

// DocumentChunk is a bounded slice of a source record's rendered text,
// sized for the embedding model's input limit. Chunks are transient: the
// orchestrator consumes them immediately and they are never persisted as
// their own entity.
type DocumentChunk struct {
	Content          string         `json:"content"`
	Summary          string         `json:"summary,omitempty"`
	StartOffset      int            `json:"start_offset"`
	EndOffset        int            `json:"end_offset"`
	SourceCollection string         `json:"source_collection"`
	Metadata         ChunkMetadata  `json:"metadata"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// ChunkMetadata stamps provenance onto every chunk.
type ChunkMetadata struct {
	Source        string `json:"source"`
	SourceID      string `json:"source_id"`
	SequenceIndex int    `json:"sequence_index"`
	TotalChunks   int    `json:"total_chunks"`
}

// BatchFailure records one record that failed during batch processing.
type BatchFailure struct {
	SourceID string `json:"source_id"`
	Err      error  `json:"-"`
	Message  string `json:"error"`
}

// ProcessingBatchResult summarizes one ProcessBatch call. Failures never
// abort the batch; they are returned here alongside the successes.
type ProcessingBatchResult struct {
	ProcessedDocuments    int              `json:"processed_documents"`
	TotalChunks           int              `json:"total_chunks"`
	ProcessingTime        time.Duration    `json:"processing_time"`
	PerDocumentChunkCount map[string]int   `json:"per_document_chunk_count"`
	Chunks                []DocumentChunk  `json:"-"`
	Failures              []BatchFailure   `json:"failures,omitempty"`
}

// VectorDocument is the record handed to the vector sink. Insertion is
// idempotent on DocumentID.
type VectorDocument struct {
	DocumentID string         `json:"document_id"`
	SourceType SourceType     `json:"source_type"`
	SourceID   string         `json:"source_id"`
	SiteID     string         `json:"site_id,omitempty"`
	TeamID     string         `json:"team_id"`
	Embedding  []float32      `json:"embedding"`
	Content    string         `json:"content"`
	Summary    string         `json:"summary,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
