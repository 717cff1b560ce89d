package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"modelpool/internal/ollama"
)

// sseServer replays pre-built SSE data payloads on /v1/chat/completions,
// recording the request body, optionally pausing between events.
func sseServer(t *testing.T, events []string, delay time.Duration) (*httptest.Server, *[]byte) {
	t.Helper()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
			if delay > 0 {
				time.Sleep(delay)
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

func deltaEvent(text string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":%q}}]}`, text)
}

const usageEvent = `{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`

func TestOpenAIChatAccumulatesStream(t *testing.T) {
	srv, body := sseServer(t, []string{
		deltaEvent("Hello"),
		deltaEvent(" world"),
		usageEvent,
	}, 0)
	c := NewOpenAI("test-key", srv.URL+"/v1")

	var deltas []string
	resp, err := c.Chat(context.Background(), Options{
		Model:    "gpt-4o",
		Messages: []ollama.ChatMessage{{Role: "user", Content: "hi"}},
		OnChunk:  func(d string) { deltas = append(deltas, d) },
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !resp.Success || resp.Content != "Hello world" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.PromptTokens != 9 || resp.CompletionTokens != 3 {
		t.Fatalf("usage not captured: %+v", resp)
	}
	if len(deltas) != 2 {
		t.Fatalf("progress callback calls: %d", len(deltas))
	}
	if resp.InstanceURL != srv.URL+"/v1" {
		t.Fatalf("instance url: %q", resp.InstanceURL)
	}

	var req struct {
		Stream        bool `json:"stream"`
		StreamOptions struct {
			IncludeUsage bool `json:"include_usage"`
		} `json:"stream_options"`
	}
	if err := json.Unmarshal(*body, &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if !req.Stream || !req.StreamOptions.IncludeUsage {
		t.Fatalf("usage tracking not requested: %s", *body)
	}
}

func TestOpenAIChatRepetitionIsHardError(t *testing.T) {
	events := []string{deltaEvent("line 0")}
	for i := 1; i < 15; i++ {
		events = append(events, deltaEvent(fmt.Sprintf("\nline %d", i)))
	}
	for i := 0; i < 6; i++ {
		events = append(events, deltaEvent("\nI hope this helps!"))
	}
	srv, _ := sseServer(t, events, 0)
	c := NewOpenAI("test-key", srv.URL+"/v1")

	resp, err := c.Chat(context.Background(), Options{
		Model:                     "gpt-4o",
		Messages:                  []ollama.ChatMessage{{Role: "user", Content: "hi"}},
		AbortOnConsecutiveRepeats: 5,
	})
	if !IsRepetition(err) {
		t.Fatalf("expected repetition error, got %v", err)
	}
	if resp.Success {
		t.Fatalf("looping output must not be reported as success")
	}
}

func TestOpenAIChatTimeoutReturnsPartial(t *testing.T) {
	events := []string{deltaEvent("part one")}
	for i := 0; i < 20; i++ {
		events = append(events, deltaEvent(" more"))
	}
	srv, _ := sseServer(t, events, 50*time.Millisecond)
	c := NewOpenAI("test-key", srv.URL+"/v1")

	resp, err := c.Chat(context.Background(), Options{
		Model:    "gpt-4o",
		Messages: []ollama.ChatMessage{{Role: "user", Content: "hi"}},
		Timeout:  120 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if !resp.Success || !resp.Issues.Timeout || !resp.Issues.PartialResult {
		t.Fatalf("expected partial success with timeout flag: %+v", resp)
	}
	if !strings.HasPrefix(resp.Content, "part one") {
		t.Fatalf("partial content lost: %q", resp.Content)
	}
}

func TestOpenAIMessagesCarryImages(t *testing.T) {
	msgs := toOpenAIMessages([]ollama.ChatMessage{
		{Role: "user", Content: "read this page", Images: []string{"aGVsbG8="}},
		{Role: "user", Content: "plain"},
	})
	if len(msgs[0].MultiContent) != 2 {
		t.Fatalf("expected text+image parts, got %d", len(msgs[0].MultiContent))
	}
	if !strings.HasSuffix(msgs[0].MultiContent[1].ImageURL.URL, "aGVsbG8=") {
		t.Fatalf("image payload lost: %q", msgs[0].MultiContent[1].ImageURL.URL)
	}
	if msgs[1].Content != "plain" || msgs[1].MultiContent != nil {
		t.Fatalf("plain message mangled: %+v", msgs[1])
	}
}
