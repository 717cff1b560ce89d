// Package provider dispatches embedding calls to the backend that serves a
// given provider type: the local instance pool for ollama, hosted APIs for
// openai. One implementation per provider type, selected by discriminator.
package provider

import (
	"context"
	"fmt"

	"modelpool/pkg/types"
)

// Embedding is the result of one provider call: one vector per input text,
// in input order, plus the token usage reported by the backend.
type Embedding struct {
	Vectors     [][]float32
	TotalTokens int
}

// Embedder generates embeddings for a batch of texts with a named model.
type Embedder interface {
	Embed(ctx context.Context, model string, input []string) (Embedding, error)
}

type unknownProviderError struct {
	provider types.ProviderType
}

func (e *unknownProviderError) Error() string {
	return fmt.Sprintf("no embedder registered for provider %q", e.provider)
}

// IsUnknownProvider reports whether err came from asking the registry for a
// provider type that has no registered embedder.
func IsUnknownProvider(err error) bool {
	_, ok := err.(*unknownProviderError)
	return ok
}

// Registry maps provider discriminators to their embedder implementation.
type Registry struct {
	embedders map[types.ProviderType]Embedder
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{embedders: make(map[types.ProviderType]Embedder)}
}

// Register installs the embedder for a provider type, replacing any
// previous registration.
func (r *Registry) Register(t types.ProviderType, e Embedder) {
	r.embedders[t] = e
}

// ForProvider returns the embedder registered for the provider type.
func (r *Registry) ForProvider(t types.ProviderType) (Embedder, error) {
	e, ok := r.embedders[t]
	if !ok {
		return nil, &unknownProviderError{provider: t}
	}
	return e, nil
}
