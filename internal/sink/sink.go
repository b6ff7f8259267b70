// Package sink persists embedded chunks to the vector store.
package sink

import (
	"context"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// WriteStats reports the outcome of a batch write.
type WriteStats struct {
	Created int
	Updated int
}

// Sink writes embedded chunks. WriteBatch must be idempotent on DocumentID:
// re-running a job overwrites rows rather than duplicating them, which is
// what makes crash recovery safe.
type Sink interface {
	WriteBatch(ctx context.Context, docs []models.VectorDocument) (WriteStats, error)
}
