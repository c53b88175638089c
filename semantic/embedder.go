package semantic

import (
	"context"
	"errors"
	"math"
)

// Error values for embedder configuration.
var (
	ErrNilEmbedder      = errors.New("embedder is required")
	ErrInvalidDimension = errors.New("embedding dimension must be positive")
)

// Embedder generates embeddings for text.
// Implementations must be deterministic: the same input text always
// yields the same vector.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Cosine returns the cosine similarity between two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
