package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// =============================================================================
// HASH FALLBACK EMBEDDING ENGINE
// =============================================================================

// HashEngine generates deterministic pseudo-embeddings from repeated SHA-256
// hashing of the input text. It produces no semantic signal, but is always
// available: no network, no model, no API key. The selector pipeline's
// centroid mode falls back to this engine when no configured provider is
// reachable, so menu ranking degrades to a stable, reproducible ordering
// rather than failing outright.
type HashEngine struct {
	dimensions int
}

// NewHashEngine creates a hash-based embedding engine producing vectors of
// the given width. A non-positive width defaults to 256.
func NewHashEngine(dimensions int) (*HashEngine, error) {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEngine{dimensions: dimensions}, nil
}

// Embed generates a unit-normalized pseudo-embedding for a single text.
func (e *HashEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)
	block := []byte(text)
	var idx int
	for idx < e.dimensions {
		sum := sha256.Sum256(block)
		for i := 0; i+4 <= len(sum) && idx < e.dimensions; i += 4 {
			bits := binary.LittleEndian.Uint32(sum[i : i+4])
			// Map to [-1, 1] so the vector behaves like a real embedding.
			vec[idx] = float32(bits)/float32(math.MaxUint32)*2 - 1
			idx++
		}
		block = sum[:]
	}

	var magnitude float64
	for _, v := range vec {
		magnitude += float64(v) * float64(v)
	}
	magnitude = math.Sqrt(magnitude)
	if magnitude > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / magnitude)
		}
	}
	return vec, nil
}

// EmbedBatch generates pseudo-embeddings for multiple texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("hash embed text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the configured vector width.
func (e *HashEngine) Dimensions() int {
	return e.dimensions
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return fmt.Sprintf("hash:%d", e.dimensions)
}

// HealthCheck always succeeds: the hash engine has no external dependency.
func (e *HashEngine) HealthCheck(ctx context.Context) error {
	return nil
}
