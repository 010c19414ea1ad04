// Package embedding converts chunk text into fixed-length vectors. A remote
// Ollama-backed provider is the primary path; a deterministic local provider
// serves as fallback so that embedding failures never abort report ingestion.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Strategy identifies which provider produced a vector. Stored alongside the
// vector so a store never silently mixes incompatible sources undetected.
type Strategy string

const (
	StrategyRemote Strategy = "ollama"
	StrategyLocal  Strategy = "local"
)

// ErrDimensionMismatch indicates the provider returned a vector whose length
// differs from the configured dimension. This is a configuration error, not a
// transient call failure, and is never masked by fallback.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Vector is a fixed-length embedding plus the strategy that produced it.
type Vector struct {
	Values   []float32
	Strategy Strategy
}

// Provider turns text into an embedding vector of a fixed dimension.
type Provider interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dimension() int
}

// FallbackProvider tries the remote provider first and degrades to the local
// one on transient failure. Dimension mismatches propagate.
type FallbackProvider struct {
	remote Provider
	local  Provider
}

// NewFallback composes remote and local providers. Both must be configured for
// the same dimension; a mismatch here is fatal to construction.
func NewFallback(remote, local Provider) (*FallbackProvider, error) {
	if remote.Dimension() != local.Dimension() {
		return nil, fmt.Errorf("%w: remote %d vs local %d",
			ErrDimensionMismatch, remote.Dimension(), local.Dimension())
	}
	return &FallbackProvider{remote: remote, local: local}, nil
}

func (f *FallbackProvider) Dimension() int {
	return f.remote.Dimension()
}

// Embed returns the remote embedding when available, otherwise the local one.
// Remote failures are logged, not surfaced: they only degrade retrieval quality.
func (f *FallbackProvider) Embed(ctx context.Context, text string) (Vector, error) {
	vec, err := f.remote.Embed(ctx, text)
	if err == nil {
		return vec, nil
	}
	if errors.Is(err, ErrDimensionMismatch) {
		return Vector{}, err
	}
	slog.Warn("remote embedding failed, using local fallback", "error", err)
	return f.local.Embed(ctx, text)
}

// EmbedBatch embeds multiple texts concurrently through p, preserving order.
// Returns nil (not error) for empty input.
func EmbedBatch(ctx context.Context, p Provider, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([]Vector, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the backend.

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := p.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
