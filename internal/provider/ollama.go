package provider

import (
	"context"
	"fmt"

	"modelpool/internal/ollama"
	"modelpool/pkg/types"
)

// Pool grants admitted access to a serving instance able to run a model
// with the given capability. The returned release func must be called once
// the call completes, successful or not.
type Pool interface {
	Admit(ctx context.Context, model, capability string) (types.InstanceConfig, func(), error)
}

// OllamaEmbedder routes embedding batches through the instance pool: pick
// the least-loaded capable instance, hold its admission permit for the
// duration of the call.
type OllamaEmbedder struct {
	pool   Pool
	client *ollama.Client
}

// NewOllamaEmbedder returns an embedder backed by the pool.
func NewOllamaEmbedder(pool Pool, client *ollama.Client) *OllamaEmbedder {
	return &OllamaEmbedder{pool: pool, client: client}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, model string, input []string) (Embedding, error) {
	inst, release, err := e.pool.Admit(ctx, model, "embedding")
	if err != nil {
		return Embedding{}, fmt.Errorf("admit %s: %w", model, err)
	}
	defer release()

	out, err := e.client.Embed(ctx, inst, model, input)
	if err != nil {
		return Embedding{}, err
	}
	return Embedding{Vectors: out.Embeddings, TotalTokens: out.PromptEvalCount}, nil
}
