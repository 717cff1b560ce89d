package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"modelpool/pkg/types"
)

// StreamChunk is one JSON line from the streaming /api/chat response.
// Error-only chunks may omit every other field.
type StreamChunk struct {
	Model   string `json:"model,omitempty"`
	Message *struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	} `json:"message,omitempty"`
	Error           string `json:"error,omitempty"`
	Done            bool   `json:"done,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// ChatStream reads chunks off a streaming chat response. Close must be
// called to release the underlying connection.
type ChatStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next parsed chunk. Lines that fail to parse are skipped;
// io.EOF signals the end of the stream.
func (s *ChatStream) Next() (StreamChunk, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk StreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return StreamChunk{}, err
	}
	return StreamChunk{}, io.EOF
}

// Close releases the response body.
func (s *ChatStream) Close() error { return s.body.Close() }

// maxStreamLine bounds a single NDJSON line; chat deltas are tiny but a
// terminal chunk can carry a full context array.
const maxStreamLine = 1 << 20

// Chat opens a streaming chat completion against the instance. The returned
// stream must be closed by the caller. Cancellation of ctx aborts the read.
func (c *Client) Chat(ctx context.Context, inst types.InstanceConfig, model string, messages []ChatMessage) (*ChatStream, error) {
	payload, err := json.Marshal(map[string]any{"model": model, "stream": true, "messages": messages})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.URL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if inst.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+inst.APIKey)
	}

	// Streams run until done or canceled; the client-level timeout would
	// sever long generations, so use the transport directly.
	httpClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", inst.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("chat %s: unexpected status %d: %s", inst.URL, resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	return &ChatStream{body: resp.Body, scanner: scanner}, nil
}
