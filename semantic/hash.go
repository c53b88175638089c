package semantic

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension is the vector length used when none is configured.
const DefaultDimension = 256

// HashEmbedder is a deterministic local embedder. It hashes lowercased
// tokens (and token bigrams, to retain some phrase signal) into a
// fixed-length bag-of-words vector and normalizes it to unit length.
//
// It is not a substitute for a learned embedding model, but it is
// deterministic, dependency-free, and good enough for offline operation
// and for exercising the discovery engine in tests.
type HashEmbedder struct {
	// Dimension is the vector length. Defaults to DefaultDimension.
	Dimension int
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := h.Dimension
	if dim == 0 {
		dim = DefaultDimension
	}
	if dim < 0 {
		return nil, ErrInvalidDimension
	}

	vec := make([]float32, dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		vec[bucket(tok, dim)]++
		if i+1 < len(tokens) {
			vec[bucket(tok+" "+tokens[i+1], dim)]++
		}
	}

	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func bucket(token string, dim int) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32() % uint32(dim))
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
}
