package chat

import (
	"context"
	"fmt"

	"modelpool/pkg/types"
)

// Streamer is one provider's streaming chat implementation.
type Streamer interface {
	Chat(ctx context.Context, opts Options) (Response, error)
}

// OCRer runs prompt-plus-images generation. The pool-backed client
// implements it; hosted providers need not.
type OCRer interface {
	OCR(ctx context.Context, opts OCROptions) (Response, error)
}

type unsupportedProviderError struct {
	provider types.ProviderType
	op       string
}

func (e *unsupportedProviderError) Error() string {
	return fmt.Sprintf("no %s implementation registered for provider %q", e.op, e.provider)
}

// IsUnsupportedProvider reports whether err came from routing to a provider
// type with no registered implementation for the requested operation.
func IsUnsupportedProvider(err error) bool {
	_, ok := err.(*unsupportedProviderError)
	return ok
}

// Router dispatches chat calls by the provider discriminator: one
// implementation per provider type, ollama when unspecified.
type Router struct {
	streamers map[types.ProviderType]Streamer
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{streamers: make(map[types.ProviderType]Streamer)}
}

// Register installs the streamer for a provider type, replacing any previous
// registration.
func (r *Router) Register(t types.ProviderType, s Streamer) {
	r.streamers[t] = s
}

func (r *Router) forProvider(t types.ProviderType) (Streamer, types.ProviderType, bool) {
	if t == "" {
		t = types.ProviderOllama
	}
	s, ok := r.streamers[t]
	return s, t, ok
}

// Chat routes one streaming call to the provider's implementation.
func (r *Router) Chat(ctx context.Context, opts Options) (Response, error) {
	s, t, ok := r.forProvider(opts.Provider)
	if !ok {
		return Response{}, &unsupportedProviderError{provider: t, op: "chat"}
	}
	return s.Chat(ctx, opts)
}

// OCR routes one generation call. Providers whose streamer does not support
// image generation reject the request.
func (r *Router) OCR(ctx context.Context, opts OCROptions) (Response, error) {
	s, t, ok := r.forProvider(opts.Provider)
	if !ok {
		return Response{}, &unsupportedProviderError{provider: t, op: "ocr"}
	}
	o, ok := s.(OCRer)
	if !ok {
		return Response{}, &unsupportedProviderError{provider: t, op: "ocr"}
	}
	return o.OCR(ctx, opts)
}
