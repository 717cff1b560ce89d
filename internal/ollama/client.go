// Package ollama is a thin client for the Ollama-style HTTP API exposed by
// local GPU serving instances: model listings (/api/tags), running models
// (/api/ps), version, embeddings (/api/embed) and the streaming chat
// endpoint (/api/chat).
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modelpool/pkg/types"
)

// Client issues requests against one or more Ollama instances. The zero
// value is not usable; construct with New.
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// New returns a Client with the given request timeout applied to probe and
// embed calls. Chat streams manage their own deadlines and are exempt.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "ollama-client").Logger(),
	}
}

// ModelDetails mirrors the optional details object in /api/tags entries.
// All fields tolerate absence.
type ModelDetails struct {
	ParameterSize     string   `json:"parameter_size,omitempty"`
	QuantizationLevel string   `json:"quantization_level,omitempty"`
	Family            string   `json:"family,omitempty"`
	Families          []string `json:"families,omitempty"`
}

// TagModel is one entry from /api/tags.
type TagModel struct {
	Name    string        `json:"name"`
	Model   string        `json:"model,omitempty"`
	Size    int64         `json:"size,omitempty"`
	Digest  string        `json:"digest,omitempty"`
	Details *ModelDetails `json:"details,omitempty"`
}

// TagsResponse is the /api/tags payload.
type TagsResponse struct {
	Models []TagModel `json:"models"`
}

// PSModel is one entry from /api/ps: a model currently loaded in memory.
type PSModel struct {
	Name      string `json:"name"`
	Model     string `json:"model,omitempty"`
	Size      int64  `json:"size,omitempty"`
	SizeVRAM  int64  `json:"size_vram,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// PSResponse is the /api/ps payload.
type PSResponse struct {
	Models []PSModel `json:"models"`
}

type versionResponse struct {
	Version string `json:"version"`
}

// EmbedResponse is the /api/embed payload: one vector per input, in input
// order, plus the prompt token count.
type EmbedResponse struct {
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
}

// ChatMessage is one turn in a chat request. Images are base64 encoded and
// used for vision/OCR calls.
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// GenerateResponse is the non-streaming /api/generate payload.
type GenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response,omitempty"`
	Done            bool   `json:"done,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

func (c *Client) get(ctx context.Context, inst types.InstanceConfig, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL+endpoint, nil)
	if err != nil {
		return err
	}
	if inst.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+inst.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", endpoint, inst.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Warn().Str("endpoint", endpoint).Str("url", inst.URL).Int("status", resp.StatusCode).Msg("probe failed")
		return fmt.Errorf("%s %s: unexpected status %d: %s", endpoint, inst.URL, resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, inst types.InstanceConfig, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.URL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if inst.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+inst.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", endpoint, inst.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Warn().Str("endpoint", endpoint).Str("url", inst.URL).Int("status", resp.StatusCode).Msg("request failed")
		return fmt.Errorf("%s %s: unexpected status %d: %s", endpoint, inst.URL, resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Tags lists the models available on the instance.
func (c *Client) Tags(ctx context.Context, inst types.InstanceConfig) (TagsResponse, error) {
	var out TagsResponse
	err := c.get(ctx, inst, "/api/tags", &out)
	return out, err
}

// PS lists the models currently loaded on the instance.
func (c *Client) PS(ctx context.Context, inst types.InstanceConfig) (PSResponse, error) {
	var out PSResponse
	err := c.get(ctx, inst, "/api/ps", &out)
	return out, err
}

// Version returns the server version string.
func (c *Client) Version(ctx context.Context, inst types.InstanceConfig) (string, error) {
	var out versionResponse
	if err := c.get(ctx, inst, "/api/version", &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Embed generates one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, inst types.InstanceConfig, model string, input []string) (EmbedResponse, error) {
	var out EmbedResponse
	err := c.post(ctx, inst, "/api/embed", map[string]any{"model": model, "input": input}, &out)
	if err != nil {
		return out, err
	}
	if len(out.Embeddings) != len(input) {
		return out, fmt.Errorf("embed %s: got %d vectors for %d inputs", model, len(out.Embeddings), len(input))
	}
	return out, nil
}

// Generate runs a non-streaming completion, used by OCR-style calls that
// pass images alongside a prompt.
func (c *Client) Generate(ctx context.Context, inst types.InstanceConfig, model, prompt string, images []string) (GenerateResponse, error) {
	var out GenerateResponse
	err := c.post(ctx, inst, "/api/generate",
		map[string]any{"model": model, "prompt": prompt, "images": images, "stream": false}, &out)
	return out, err
}

// Unload asks the instance to evict a loaded model by issuing a chat call
// with keep_alive zero.
func (c *Client) Unload(ctx context.Context, inst types.InstanceConfig, model string) error {
	var out struct {
		Done bool `json:"done"`
	}
	if err := c.post(ctx, inst, "/api/chat", map[string]any{"model": model, "keep_alive": 0}, &out); err != nil {
		return err
	}
	if !out.Done {
		return fmt.Errorf("unload %s: not completed", model)
	}
	return nil
}
