// Package source fetches raw records from the analytics collections and
// renders them into embedding-ready text.
package source

import (
	"context"
	"errors"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// Sentinel errors for source operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnknownSourceType indicates a source type with no registered renderer.
	ErrUnknownSourceType = errors.New("unknown source type")
)

// Provider fetches raw records for a job. Records missing from the backing
// collection are simply absent from the result; the orchestrator records
// them as per-source failures.
type Provider interface {
	FetchRecords(ctx context.Context, sourceType models.SourceType, ids []string) ([]models.SourceRecord, error)
}
