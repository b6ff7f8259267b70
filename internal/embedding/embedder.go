// Package embedding provides text embedding generation with multiple backend support.
package embedding

import (
	"context"
	"fmt"

	"github.com/cryptique/embedding-pipeline/internal/config"
)

// Embedder defines the interface for text embedding providers.
// Implementations cover Ollama (local), OpenAI, Voyage AI and AWS Bedrock.
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	// More efficient than multiple Embed calls for bulk operations.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the embedding vector dimension.
	// Must match the HNSW index dimension in the SurrealDB schema.
	Dimension() int
}

// New creates an Embedder from the daemon configuration.
func New(ctx context.Context, cfg config.Config) (Embedder, error) {
	switch cfg.EmbedProvider {
	case config.ProviderOllama, "":
		return NewLangchainOllama(cfg.EmbedModel, cfg.OllamaHost, cfg.EmbedDimension)

	case config.ProviderOpenAI:
		return NewLangchainOpenAI(cfg.EmbedModel, cfg.OpenAIAPIKey, cfg.EmbedDimension)

	case config.ProviderVoyage:
		return NewVoyageClient(cfg.VoyageAPIKey, cfg.EmbedModel, cfg.EmbedDimension)

	case config.ProviderBedrock:
		return NewBedrockClient(ctx, cfg.BedrockRegion, cfg.EmbedModel, cfg.EmbedDimension)

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.EmbedProvider)
	}
}

// EstimateTokens approximates token usage for cost reporting. Embedding APIs
// that do not return usage counts get the ~4 chars/token heuristic.
func EstimateTokens(texts []string) int {
	total := 0
	for _, t := range texts {
		total += (len(t) + 3) / 4
	}
	return total
}
