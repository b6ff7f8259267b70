// Package config loads pipeline configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Embedding provider identifiers.
const (
	ProviderOpenAI  = "openai"
	ProviderOllama  = "ollama"
	ProviderBedrock = "bedrock"
	ProviderVoyage  = "voyage"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Embedding provider
	EmbedProvider  string
	EmbedModel     string
	EmbedDimension int
	OpenAIAPIKey   string
	VoyageAPIKey   string
	OllamaHost     string
	BedrockRegion  string

	// Worker daemon
	HTTPAddr         string
	OrchestratorFile string // optional YAML with orchestrator tunables

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "cryptique"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "analytics"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		EmbedProvider:  getEnv("PIPELINE_EMBED_PROVIDER", ProviderOllama),
		EmbedModel:     getEnv("PIPELINE_EMBED_MODEL", "all-minilm:l6-v2"),
		EmbedDimension: getEnvInt("PIPELINE_EMBED_DIMENSION", 384),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		VoyageAPIKey:   getEnv("VOYAGE_API_KEY", ""),
		OllamaHost:     getEnv("OLLAMA_HOST", "http://localhost:11434"),
		BedrockRegion:  getEnv("AWS_REGION", "us-east-1"),

		HTTPAddr:         getEnv("PIPELINE_HTTP_ADDR", ":8491"),
		OrchestratorFile: getEnv("PIPELINE_CONFIG_FILE", ""),

		LogFile:  getEnv("PIPELINE_LOG_FILE", "/tmp/embedding-pipeline.log"),
		LogLevel: parseLogLevel(getEnv("PIPELINE_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
