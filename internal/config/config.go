// Package config loads the immutable configuration snapshot every
// component is constructed with. There is no package-level mutable
// config: main() builds one Config and passes it down explicitly,
// following the teacher's cmd/api/main.go Config/loadConfig/envOr
// convention.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-wide settings read once at startup.
type Config struct {
	GraphURI          string
	GraphCandidates    []string
	GraphUser          string
	GraphPassword      string
	GraphPoolSize      int
	GraphConnTimeout   time.Duration
	GraphTxRetryBudget int

	VectorBackend string // "native" or "qdrant"
	QdrantAddr    string
	QdrantCollection string
	EmbeddingDims int

	LLMEndpoint    string
	LLMAPIKey      string
	LLMModelChat      string
	LLMModelReasoning string
	LLMModelEmbedding string
	LLMMaxRetries  int
	LLMBackoffBase time.Duration

	NATSURL string

	HTTPPort    string
	MetricsPort int

	PipelineConfigPath string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Load builds a Config from the environment, applying the same
// fallback-default convention as the teacher's loadConfig.
func Load() Config {
	return Config{
		GraphURI:        envOr("GRAPH_URI", "neo4j://localhost:7687"),
		GraphCandidates: []string{envOr("GRAPH_URI", "neo4j://localhost:7687"), "neo4j://127.0.0.1:7687", "neo4j://graph:7687"},
		GraphUser:       envOr("GRAPH_USER", "neo4j"),
		GraphPassword:   envOr("GRAPH_PASSWORD", "password"),
		GraphPoolSize:   envIntOr("GRAPH_POOL_SIZE", 20),
		GraphConnTimeout: envDurationOr("GRAPH_CONN_TIMEOUT", 10*time.Second),
		GraphTxRetryBudget: envIntOr("GRAPH_TX_RETRY_BUDGET", 5),

		VectorBackend:    envOr("VECTOR_BACKEND", "native"),
		QdrantAddr:       envOr("QDRANT_ADDR", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "ingestforge"),
		EmbeddingDims:    envIntOr("EMBEDDING_DIMS", 768),

		LLMEndpoint:       envOr("LLM_ENDPOINT", "http://localhost:11434"),
		LLMAPIKey:         envOr("LLM_API_KEY", ""),
		LLMModelChat:      envOr("LLM_MODEL_CHAT", "llama3.1"),
		LLMModelReasoning: envOr("LLM_MODEL_REASONING", "llama3.1"),
		LLMModelEmbedding: envOr("LLM_MODEL_EMBEDDING", "nomic-embed-text"),
		LLMMaxRetries:     envIntOr("LLM_MAX_RETRIES", 5),
		LLMBackoffBase:    envDurationOr("LLM_BACKOFF_BASE", time.Second),

		NATSURL: envOr("NATS_URL", "nats://localhost:4222"),

		HTTPPort:    envOr("HTTP_PORT", "8080"),
		MetricsPort: envIntOr("METRICS_PORT", 9090),

		PipelineConfigPath: envOr("PIPELINE_CONFIG", "./pipeline.yaml"),
	}
}
