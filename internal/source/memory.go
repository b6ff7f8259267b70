package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/cryptique/embedding-pipeline/internal/models"
)

// MemoryProvider serves records from a fixture map. Tests and the dry-run
// path use it in place of the database.
type MemoryProvider struct {
	mu      sync.RWMutex
	records map[models.SourceType]map[string]models.SourceRecord

	// FetchErr, when set, is returned by every fetch. Simulates a CRUD
	// layer outage in orchestrator tests.
	FetchErr error
}

// Compile-time check that MemoryProvider implements Provider.
var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty fixture provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		records: make(map[models.SourceType]map[string]models.SourceRecord),
	}
}

// Add registers a fixture record.
func (p *MemoryProvider) Add(record models.SourceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byID, ok := p.records[record.Type]
	if !ok {
		byID = make(map[string]models.SourceRecord)
		p.records[record.Type] = byID
	}
	byID[record.ID] = record
}

// FetchRecords returns the fixture records matching ids, skipping unknowns.
func (p *MemoryProvider) FetchRecords(_ context.Context, sourceType models.SourceType, ids []string) ([]models.SourceRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.FetchErr != nil {
		return nil, p.FetchErr
	}
	if !sourceType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, sourceType)
	}

	byID := p.records[sourceType]
	var out []models.SourceRecord
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
