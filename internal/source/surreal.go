package source

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/cryptique/embedding-pipeline/internal/db"
	"github.com/cryptique/embedding-pipeline/internal/models"
)

// SurrealProvider fetches raw records from the analytics collections in
// SurrealDB. Each source type maps to its backing table via Collection().
type SurrealProvider struct {
	client *db.Client
}

// Compile-time check that SurrealProvider implements Provider.
var _ Provider = (*SurrealProvider)(nil)

// NewSurrealProvider creates a provider on top of an established client.
func NewSurrealProvider(client *db.Client) *SurrealProvider {
	return &SurrealProvider{client: client}
}

// FetchRecords selects the requested rows. IDs with no backing row are
// absent from the result, not an error.
func (p *SurrealProvider) FetchRecords(ctx context.Context, sourceType models.SourceType, ids []string) ([]models.SourceRecord, error) {
	if !sourceType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, sourceType)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	things := make([]surrealmodels.RecordID, len(ids))
	for i, id := range ids {
		things[i] = surrealmodels.NewRecordID(sourceType.Collection(), id)
	}

	results, err := surrealdb.Query[[]map[string]any](ctx, p.client.DB(),
		`SELECT * FROM $things`,
		map[string]any{"things": things})
	if err != nil {
		return nil, fmt.Errorf("fetch %s records: %w", sourceType, err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	rows := (*results)[0].Result
	records := make([]models.SourceRecord, 0, len(rows))
	for _, row := range rows {
		rid, ok := row["id"].(surrealmodels.RecordID)
		if !ok {
			continue
		}
		id, err := db.RecordIDString(rid)
		if err != nil {
			continue
		}
		delete(row, "id")
		records = append(records, models.SourceRecord{
			ID:     id,
			Type:   sourceType,
			Fields: row,
		})
	}
	return records, nil
}
