package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalProvider produces deterministic embeddings without any model runtime.
// Each token is hashed into a fixed number of buckets and the result is
// L2-normalized. Retrieval quality is below a learned model's, but vectors are
// stable across processes, which keeps the store consistent during outages.
type LocalProvider struct {
	dim int
}

// NewLocalProvider creates a local provider emitting vectors of length dim.
func NewLocalProvider(dim int) *LocalProvider {
	return &LocalProvider{dim: dim}
}

func (p *LocalProvider) Dimension() int {
	return p.dim
}

func (p *LocalProvider) Embed(_ context.Context, text string) (Vector, error) {
	values := make([]float32, p.dim)

	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		bucket := int(sum % uint32(p.dim))
		// Sign from a high hash bit spreads tokens across both directions,
		// which keeps unrelated texts from all pointing the same way.
		if sum&0x80000000 != 0 {
			values[bucket] -= 1
		} else {
			values[bucket] += 1
		}
	}

	normalize(values)
	return Vector{Values: values, Strategy: StrategyLocal}, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}
