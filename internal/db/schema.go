package db

import "fmt"

// schemaSQL returns the schema definition for the embedding pipeline.
// embedding_job rows are schemaless because the job document nests
// progress/retry/config/results maps; indexes cover the claim scan and
// operator lookups. vector_document carries a unique index on document_id,
// which is what makes sink insertion idempotent.
func schemaSQL(embeddingDimension int) string {
	return fmt.Sprintf(`
		DEFINE TABLE IF NOT EXISTS embedding_job SCHEMALESS;
		DEFINE INDEX IF NOT EXISTS embedding_job_status_idx ON embedding_job FIELDS status;
		DEFINE INDEX IF NOT EXISTS embedding_job_team_idx ON embedding_job FIELDS team_id;
		DEFINE INDEX IF NOT EXISTS embedding_job_scheduled_idx ON embedding_job FIELDS scheduled_for;

		DEFINE TABLE IF NOT EXISTS vector_document SCHEMALESS;
		DEFINE INDEX IF NOT EXISTS vector_document_doc_idx ON vector_document FIELDS document_id UNIQUE;
		DEFINE INDEX IF NOT EXISTS vector_document_source_idx ON vector_document FIELDS source_type, source_id;
		DEFINE INDEX IF NOT EXISTS vector_document_embedding_idx ON vector_document
			FIELDS embedding HNSW DIMENSION %d DIST COSINE;
	`, embeddingDimension)
}
