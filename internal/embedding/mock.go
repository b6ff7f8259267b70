package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// MockEmbedder is a deterministic test double. Identical text always yields
// the identical vector, so idempotency tests can compare stored rows.
// Behavior can be overridden per test via the function fields.
type MockEmbedder struct {
	// EmbedBatchFunc overrides EmbedBatch when set.
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)

	dimension int

	mu        sync.Mutex
	callCount int
}

// Compile-time check that MockEmbedder implements Embedder.
var _ Embedder = (*MockEmbedder)(nil)

// NewMockEmbedder creates a mock producing vectors of the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = DefaultOllamaDimension
	}
	return &MockEmbedder{dimension: dimension}
}

// Embed generates a deterministic embedding based on the text hash.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates deterministic embeddings for multiple texts.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.callCount++
	m.mu.Unlock()

	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = deterministicVector(text, m.dimension)
	}
	return vectors, nil
}

// Model returns a fixed model name for logs and assertions.
func (m *MockEmbedder) Model() string {
	return "mock-embedder"
}

// Dimension returns the configured vector dimension.
func (m *MockEmbedder) Dimension() int {
	return m.dimension
}

// CallCount returns how many embedding calls were made.
func (m *MockEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// deterministicVector seeds a unit-ish vector from the FNV hash of the text.
func deterministicVector(text string, dimension int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dimension)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(math.Sin(float64(seed%10000) / 10000.0))
	}
	return vec
}
