package db

import (
	"context"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// UpsertVectorDocument writes one embedded chunk, keyed by its document ID.
// Re-running a job overwrites rather than duplicates. Returns whether the
// write created a new row.
func (c *Client) UpsertVectorDocument(ctx context.Context, doc models.VectorDocument) (bool, error) {
	existing, err := surrealdb.Query[[]struct {
		C int `json:"c"`
	}](ctx, c.db,
		`SELECT count() AS c FROM vector_document WHERE document_id = $doc_id GROUP ALL`,
		map[string]any{"doc_id": doc.DocumentID})
	if err != nil {
		return false, wrapQueryError(err)
	}

	created := true
	if existing != nil && len(*existing) > 0 && len((*existing)[0].Result) > 0 {
		created = (*existing)[0].Result[0].C == 0
	}

	_, err = surrealdb.Query[any](ctx, c.db,
		`UPSERT type::thing('vector_document', $doc_id) CONTENT $doc`,
		map[string]any{"doc_id": doc.DocumentID, "doc": doc})
	if err != nil {
		return false, wrapQueryError(err)
	}
	return created, nil
}

// CountVectorDocuments counts stored vectors for a source record. Used by
// reprocessing to report updated-vs-created totals and by tests.
func (c *Client) CountVectorDocuments(ctx context.Context, sourceType models.SourceType, sourceID string) (int, error) {
	results, err := surrealdb.Query[[]struct {
		C int `json:"c"`
	}](ctx, c.db,
		`SELECT count() AS c FROM vector_document WHERE source_type = $source_type AND source_id = $source_id GROUP ALL`,
		map[string]any{"source_type": sourceType, "source_id": sourceID})
	if err != nil {
		return 0, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].C, nil
}

// DeleteVectorDocumentsBefore removes vectors older than cutoff for a team.
// Supports tenant offboarding and index rebuilds.
func (c *Client) DeleteVectorDocumentsBefore(ctx context.Context, teamID string, cutoff time.Time) (int, error) {
	results, err := surrealdb.Query[[]models.VectorDocument](ctx, c.db,
		`DELETE vector_document WHERE team_id = $team_id AND created_at <= $cutoff RETURN BEFORE`,
		map[string]any{"team_id": teamID, "cutoff": cutoff})
	if err != nil {
		return 0, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}
