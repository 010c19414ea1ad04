package embedding

import (
	"context"
	"fmt"

	"github.com/aivara/medcore/internal/engine"
)

// OllamaProvider embeds text through the Ollama engine's embedding model.
type OllamaProvider struct {
	engine engine.Engine
	model  string
	dim    int
}

// NewOllamaProvider creates a remote provider using the given engine and model.
// dim is the dimension the deployment is configured for; vectors of any other
// length are rejected as ErrDimensionMismatch.
func NewOllamaProvider(e engine.Engine, model string, dim int) *OllamaProvider {
	return &OllamaProvider{engine: e, model: model, dim: dim}
}

func (p *OllamaProvider) Dimension() int {
	return p.dim
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) (Vector, error) {
	values, err := p.engine.Embed(ctx, p.model, text)
	if err != nil {
		return Vector{}, fmt.Errorf("remote embedding: %w", err)
	}
	if len(values) != p.dim {
		return Vector{}, fmt.Errorf("%w: model %s returned %d values, configured for %d",
			ErrDimensionMismatch, p.model, len(values), p.dim)
	}
	return Vector{Values: values, Strategy: StrategyRemote}, nil
}
