package provider

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder calls a hosted OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
}

// NewOpenAIEmbedder returns an embedder for the hosted API. baseURL may be
// empty for the default endpoint, or point at a compatible gateway.
func NewOpenAIEmbedder(apiKey, baseURL string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg)}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, model string, input []string) (Embedding, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: input,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return Embedding{}, fmt.Errorf("openai embeddings %s: %w", model, err)
	}
	if len(resp.Data) != len(input) {
		return Embedding{}, fmt.Errorf("openai embeddings %s: got %d vectors for %d inputs", model, len(resp.Data), len(input))
	}
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return Embedding{Vectors: vectors, TotalTokens: resp.Usage.TotalTokens}, nil
}
