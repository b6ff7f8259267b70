package sink

import (
	"context"
	"fmt"

	"github.com/cryptique/embedding-pipeline/internal/db"
	"github.com/cryptique/embedding-pipeline/internal/models"
)

// SurrealSink writes vectors to the vector_document table. The unique index
// on document_id plus the keyed upsert give at-most-one row per chunk.
type SurrealSink struct {
	client *db.Client
}

// Compile-time check that SurrealSink implements Sink.
var _ Sink = (*SurrealSink)(nil)

// NewSurrealSink creates a sink on top of an established client.
func NewSurrealSink(client *db.Client) *SurrealSink {
	return &SurrealSink{client: client}
}

// WriteBatch upserts each document. The batch stops at the first error so
// the caller's progress accounting stays truthful.
func (s *SurrealSink) WriteBatch(ctx context.Context, docs []models.VectorDocument) (WriteStats, error) {
	var stats WriteStats
	for _, doc := range docs {
		created, err := s.client.UpsertVectorDocument(ctx, doc)
		if err != nil {
			return stats, fmt.Errorf("write document %s: %w", doc.DocumentID, err)
		}
		if created {
			stats.Created++
		} else {
			stats.Updated++
		}
	}
	return stats, nil
}
