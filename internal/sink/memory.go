package sink

import (
	"context"
	"sync"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// MemorySink stores vectors in a map keyed by document ID. Tests assert on
// its contents; re-writes overwrite like the real sink.
type MemorySink struct {
	mu   sync.Mutex
	docs map[string]models.VectorDocument

	// WriteErr, when set, fails every batch. Simulates a vector store
	// outage in orchestrator tests.
	WriteErr error
}

// Compile-time check that MemorySink implements Sink.
var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{docs: make(map[string]models.VectorDocument)}
}

// WriteBatch stores each document, overwriting on document ID collision.
func (s *MemorySink) WriteBatch(_ context.Context, docs []models.VectorDocument) (WriteStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.WriteErr != nil {
		return WriteStats{}, s.WriteErr
	}

	var stats WriteStats
	for _, doc := range docs {
		if _, ok := s.docs[doc.DocumentID]; ok {
			stats.Updated++
		} else {
			stats.Created++
		}
		s.docs[doc.DocumentID] = doc
	}
	return stats, nil
}

// Get returns a stored document by ID.
func (s *MemorySink) Get(documentID string) (models.VectorDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	return doc, ok
}

// Len returns the number of stored documents.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}
