// Package embedding provides vector embedding generation for semantic search
// and for the centroid selector's menu-candidate scoring. Supports multiple
// backends: Ollama (local), Google GenAI (cloud), a deterministic hash
// fallback, and an external subprocess provider.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/machina/machina/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// EmbeddingEngine generates vector embeddings for text.
type EmbeddingEngine interface {
	// Embed generates embeddings for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for embedding engines that support
// health checks. If an engine implements this interface, the system can
// verify availability before attempting batch operations.
type HealthChecker interface {
	// HealthCheck verifies the embedding service is reachable.
	// Returns nil if healthy, error otherwise.
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// EMBEDDING CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama", "genai", "hash", or "external"
	Provider string `yaml:"provider"`

	// Ollama Configuration
	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "embeddinggemma"

	// GenAI Configuration
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT"
	TaskType string `yaml:"task_type"`

	// HashDimensions controls the output width of the hash fallback provider.
	HashDimensions int `yaml:"hash_dimensions"`

	// ExternalCommand, when Provider is "external", is the subprocess invoked
	// once per Embed/EmbedBatch call; it reads newline-delimited text on
	// stdin and writes one JSON object per line on stdout, carrying a
	// "vector" float32 array or an "error" string.
	ExternalCommand []string      `yaml:"external_command"`
	ExternalTimeout time.Duration `yaml:"external_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "hash", // Default to the dependency-free fallback
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
		TaskType:       "SEMANTIC_SIMILARITY",
		HashDimensions: 256,
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (EmbeddingEngine, error) {
	log := logging.Get(logging.CategoryEmbedding)
	start := time.Now()
	defer func() { log.Debugw("NewEngine timing", "elapsed", time.Since(start)) }()

	log.Infow("creating embedding engine", "provider", cfg.Provider)
	log.Debugw("engine config",
		"provider", cfg.Provider,
		"ollama_endpoint", cfg.OllamaEndpoint,
		"ollama_model", cfg.OllamaModel,
		"genai_model", cfg.GenAIModel,
		"task_type", cfg.TaskType,
	)

	var engine EmbeddingEngine
	var err error

	switch cfg.Provider {
	case "ollama":
		log.Infow("initializing ollama embedding engine", "endpoint", cfg.OllamaEndpoint, "model", cfg.OllamaModel)
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		log.Infow("initializing genai embedding engine", "model", cfg.GenAIModel, "task_type", cfg.TaskType)
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	case "hash", "":
		log.Infow("initializing hash fallback embedding engine", "dimensions", cfg.HashDimensions)
		engine, err = NewHashEngine(cfg.HashDimensions)
	case "external":
		log.Infow("initializing external embedding engine", "command", cfg.ExternalCommand)
		engine, err = NewExternalEngine(cfg.ExternalCommand, cfg.ExternalTimeout)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai', 'hash', or 'external')", cfg.Provider)
		log.Errorw("unsupported embedding provider", "provider", cfg.Provider)
		return nil, err
	}

	if err != nil {
		log.Errorw("failed to create embedding engine", "error", err)
		return nil, err
	}

	log.Infow("embedding engine created", "name", engine.Name(), "dimensions", engine.Dimensions())
	return engine, nil
}

// =============================================================================
// COSINE SIMILARITY UTILITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	log := logging.Get(logging.CategoryEmbedding)
	if len(a) != len(b) {
		log.Errorw("vector dimension mismatch", "len_a", len(a), "len_b", len(b))
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		log.Warnw("zero magnitude vector detected")
		return 0, nil
	}

	result := dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude))
	return result, nil
}

// FindTopK returns the indices of the top K most similar vectors to the query.
// Uses cosine similarity.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	log := logging.Get(logging.CategoryEmbedding)
	start := time.Now()
	defer func() { log.Debugw("FindTopK timing", "elapsed", time.Since(start)) }()

	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skippedCount := 0

	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skippedCount++
			continue
		}

		results = append(results, SimilarityResult{
			Index:      i,
			Similarity: similarity,
		})
	}

	if skippedCount > 0 {
		log.Warnw("FindTopK skipped vectors due to dimension mismatch", "skipped", skippedCount)
	}

	// Sort by similarity descending. Simple selection sort: k is small,
	// corpus sizes here are menu-sized (tens, not millions).
	for i := 0; i < len(results) && i < k; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[i].Similarity {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	if len(results) > k {
		results = results[:k]
	}

	return results, nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}
