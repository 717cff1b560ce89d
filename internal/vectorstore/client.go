// Package vectorstore is a thin REST client for a Qdrant-style vector
// database: collection ensure with named per-model vectors, and idempotent
// point upserts. The store is treated as an opaque upsert/query service.
package vectorstore

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
)

// VectorParams describes one named vector space inside a collection.
type VectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

// Point is one stored embedding plus its retrieval metadata. Vectors is
// keyed by model name so a chunk can carry embeddings from several models.
type Point struct {
	ID      string               `json:"id"`
	Vectors map[string][]float32 `json:"vector"`
	Payload map[string]any       `json:"payload"`
}

// ChunkPayload builds the standard payload stored with an embedded chunk.
func ChunkPayload(workspaceID, libraryID, fileID string, chunkIndex int, text string) map[string]any {
	return map[string]any{
		"workspaceId": workspaceID,
		"libraryId":   libraryID,
		"fileId":      fileID,
		"chunkIndex":  chunkIndex,
		"text":        text,
		"status":      "completed",
		"updatedAt":   time.Now().UTC().Format(time.RFC3339),
	}
}

// Client talks to one vector store endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// New returns a Client for the store at baseURL. apiKey may be empty.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "vectorstore").Logger(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Exists reports whether the collection already exists.
func (c *Client) Exists(ctx context.Context, collection string) (bool, error) {
	var out struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+collection+"/exists", nil, &out); err != nil {
		return false, err
	}
	return out.Result.Exists, nil
}

// Ensure creates the collection with the given named vector spaces if it
// does not exist yet. Existing collections are left untouched, so calling
// Ensure again with a different size is a no-op rather than a migration.
func (c *Client) Ensure(ctx context.Context, collection string, vectorModels map[string]VectorParams) error {
	exists, err := c.Exists(ctx, collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	c.log.Info().Str("collection", collection).Int("models", len(vectorModels)).Msg("creating collection")
	body := map[string]any{"vectors": vectorModels}
	return c.do(ctx, http.MethodPut, "/collections/"+collection, body, nil)
}

// Upsert writes the points into the collection, replacing any existing
// points with the same ids. Waits for the write to be applied.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]any{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

// DeleteByFile removes every point belonging to the given file from the
// collection, used when a file leaves a library.
func (c *Client) DeleteByFile(ctx context.Context, collection, fileID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "fileId", "match": map[string]any{"value": fileID}},
			},
		},
	}
	return c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}
