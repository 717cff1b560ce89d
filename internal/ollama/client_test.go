package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"modelpool/pkg/types"
)

func testInstance(url string) types.InstanceConfig {
	return types.InstanceConfig{ID: "test", URL: url, Type: types.ProviderOllama}
}

func TestTagsParsesDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[
			{"name":"llama3.1","size":4920753328,"digest":"abc","details":{"parameter_size":"8.0B","quantization_level":"Q4_0","family":"llama"}},
			{"name":"nomic-embed-text","size":274302450}
		]}`)
	}))
	defer srv.Close()

	c := New(time.Second)
	out, err := c.Tags(context.Background(), testInstance(srv.URL))
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	if len(out.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(out.Models))
	}
	if out.Models[0].Details == nil || out.Models[0].Details.ParameterSize != "8.0B" {
		t.Fatalf("details not parsed: %+v", out.Models[0])
	}
	// Optional details must tolerate absence.
	if out.Models[1].Details != nil {
		t.Fatalf("expected nil details for second model")
	}
}

func TestTagsSendsAPIKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	c := New(time.Second)
	inst := testInstance(srv.URL)
	inst.APIKey = "secret"
	if _, err := c.Tags(context.Background(), inst); err != nil {
		t.Fatalf("tags: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
}

func TestPSAndVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ps":
			fmt.Fprint(w, `{"models":[{"name":"llama3.1","size":5000,"size_vram":4800,"expires_at":"2026-01-01T00:00:00Z"}]}`)
		case "/api/version":
			fmt.Fprint(w, `{"version":"0.6.2"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(time.Second)
	ps, err := c.PS(context.Background(), testInstance(srv.URL))
	if err != nil {
		t.Fatalf("ps: %v", err)
	}
	if len(ps.Models) != 1 || ps.Models[0].SizeVRAM != 4800 {
		t.Fatalf("unexpected ps: %+v", ps)
	}
	v, err := c.Version(context.Background(), testInstance(srv.URL))
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != "0.6.2" {
		t.Fatalf("unexpected version %q", v)
	}
}

func TestEmbedVectorCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embeddings":[[0.1,0.2]],"prompt_eval_count":7}`)
	}))
	defer srv.Close()

	c := New(time.Second)
	if _, err := c.Embed(context.Background(), testInstance(srv.URL), "nomic-embed-text", []string{"a", "b"}); err == nil {
		t.Fatalf("expected mismatch error for 1 vector / 2 inputs")
	}
}

func TestEmbedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		vectors := make([][]float32, len(req.Input))
		for i := range vectors {
			vectors[i] = []float32{float32(i), 0.5}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors, "prompt_eval_count": 11})
	}))
	defer srv.Close()

	c := New(time.Second)
	out, err := c.Embed(context.Background(), testInstance(srv.URL), "nomic-embed-text", []string{"x", "y", "z"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(out.Embeddings) != 3 || out.PromptEvalCount != 11 {
		t.Fatalf("unexpected embed response: %+v", out)
	}
}

func TestUnreachableInstance(t *testing.T) {
	c := New(200 * time.Millisecond)
	_, err := c.Tags(context.Background(), testInstance("http://127.0.0.1:1"))
	if err == nil {
		t.Fatalf("expected error for unreachable instance")
	}
}

func TestChatStreamReadsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"llama3.1","message":{"role":"assistant","content":"Hello"}}`)
		fmt.Fprintln(w, `not-json`)
		fmt.Fprintln(w, `{"model":"llama3.1","message":{"role":"assistant","content":" world"}}`)
		fmt.Fprintln(w, `{"model":"llama3.1","done":true,"prompt_eval_count":4,"eval_count":2}`)
	}))
	defer srv.Close()

	c := New(time.Second)
	stream, err := c.Chat(context.Background(), testInstance(srv.URL), "llama3.1", []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	defer stream.Close()

	var content string
	var sawDone bool
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if chunk.Message != nil {
			content += chunk.Message.Content
		}
		if chunk.Done {
			sawDone = true
			if chunk.EvalCount != 2 {
				t.Fatalf("usage not captured: %+v", chunk)
			}
		}
	}
	if content != "Hello world" {
		t.Fatalf("unexpected content %q", content)
	}
	if !sawDone {
		t.Fatalf("terminal chunk not observed")
	}
}

func TestUnload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if ka, ok := req["keep_alive"]; !ok || ka != float64(0) {
			t.Errorf("expected keep_alive=0, got %v", req)
		}
		fmt.Fprint(w, `{"done":true,"done_reason":"unload"}`)
	}))
	defer srv.Close()

	c := New(time.Second)
	if err := c.Unload(context.Background(), testInstance(srv.URL), "llama3.1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
}
