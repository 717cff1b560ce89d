package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"modelpool/internal/ollama"
	"modelpool/pkg/types"
)

type stubPool struct {
	inst     types.InstanceConfig
	err      error
	admitted int
	released int
}

func (p *stubPool) Admit(ctx context.Context, model, capability string) (types.InstanceConfig, func(), error) {
	if p.err != nil {
		return types.InstanceConfig{}, nil, p.err
	}
	p.admitted++
	return p.inst, func() { p.released++ }, nil
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	o := &OllamaEmbedder{}
	r.Register(types.ProviderOllama, o)

	got, err := r.ForProvider(types.ProviderOllama)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != Embedder(o) {
		t.Fatalf("wrong embedder returned")
	}

	_, err = r.ForProvider(types.ProviderOpenAI)
	if !IsUnknownProvider(err) {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestOllamaEmbedderHoldsPermitForCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embeddings":[[0.1],[0.2]],"prompt_eval_count":9}`)
	}))
	defer srv.Close()

	pool := &stubPool{inst: types.InstanceConfig{ID: "i1", URL: srv.URL, Type: types.ProviderOllama}}
	e := NewOllamaEmbedder(pool, ollama.New(time.Second))

	out, err := e.Embed(context.Background(), "nomic-embed-text", []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(out.Vectors) != 2 || out.TotalTokens != 9 {
		t.Fatalf("unexpected embedding: %+v", out)
	}
	if pool.admitted != 1 || pool.released != 1 {
		t.Fatalf("permit not held/released exactly once: admitted=%d released=%d", pool.admitted, pool.released)
	}
}

func TestOllamaEmbedderReleasesOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	pool := &stubPool{inst: types.InstanceConfig{ID: "i1", URL: srv.URL, Type: types.ProviderOllama}}
	e := NewOllamaEmbedder(pool, ollama.New(time.Second))

	if _, err := e.Embed(context.Background(), "missing", []string{"a"}); err == nil {
		t.Fatalf("expected error from backend")
	}
	if pool.released != 1 {
		t.Fatalf("permit leaked on error: released=%d", pool.released)
	}
}

func TestOllamaEmbedderAdmitFailure(t *testing.T) {
	pool := &stubPool{err: fmt.Errorf("no instance available")}
	e := NewOllamaEmbedder(pool, ollama.New(time.Second))
	if _, err := e.Embed(context.Background(), "m", []string{"a"}); err == nil {
		t.Fatalf("expected admit error to propagate")
	}
}
