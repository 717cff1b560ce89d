package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"modelpool/internal/ollama"
)

// OpenAI streams chat completions from a hosted OpenAI-compatible API. It
// consumes the SSE stream of choices[0].delta.content fragments and the
// terminal usage object, with the same timeout, cancellation and repetition
// semantics as the pool-backed client.
type OpenAI struct {
	client  *openai.Client
	baseURL string
	log     zerolog.Logger
}

// NewOpenAI returns a hosted-API chat client. baseURL may be empty for the
// default endpoint, or point at a compatible gateway.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(cfg),
		baseURL: cfg.BaseURL,
		log:     log.With().Str("component", "openai-chat").Logger(),
	}
}

// toOpenAIMessages converts pool-style messages. Attached images become
// data-URL image parts so vision calls survive the translation.
func toOpenAIMessages(messages []ollama.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msg := openai.ChatCompletionMessage{Role: m.Role}
		if len(m.Images) == 0 {
			msg.Content = m.Content
			out[i] = msg
			continue
		}
		parts := []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: m.Content},
		}
		for _, img := range m.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: "data:image/png;base64," + img},
			})
		}
		msg.MultiContent = parts
		out[i] = msg
	}
	return out
}

// Chat streams one hosted completion. Usage reporting requires the
// include_usage stream option; the totals arrive in the terminal chunk.
func (c *OpenAI) Chat(ctx context.Context, opts Options) (Response, error) {
	start := time.Now()
	resp := Response{InstanceURL: c.baseURL}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         opts.Model,
		Messages:      toOpenAIMessages(opts.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		resp.TimeElapsed = time.Since(start)
		return resp, fmt.Errorf("openai chat %s: %w", opts.Model, err)
	}
	defer stream.Close()

	var content strings.Builder
	aborted := false

	finish := func(success bool) Response {
		resp.Content = content.String()
		resp.Success = success
		resp.Issues.PartialResult = (aborted || resp.Issues.Timeout) && content.Len() > 0
		resp.TimeElapsed = time.Since(start)
		return resp
	}

	for {
		if ctx.Err() != nil {
			aborted = true
			return finish(true), nil
		}
		if opts.Timeout > 0 && time.Since(start) > opts.Timeout {
			resp.Issues.Timeout = true
			c.log.Warn().Str("model", opts.Model).Dur("elapsed", time.Since(start)).Msg("chat timeout, returning partial result")
			return finish(true), nil
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return finish(true), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				aborted = true
				return finish(true), nil
			}
			resp2 := finish(false)
			return resp2, fmt.Errorf("openai stream %s: %w", opts.Model, err)
		}

		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				content.WriteString(delta)
				if opts.AbortOnConsecutiveRepeats > 0 &&
					CheckLineRepetition(strings.Split(content.String(), "\n"), opts.AbortOnConsecutiveRepeats) {
					c.log.Warn().Str("model", opts.Model).Int("content_length", content.Len()).
						Msg("line repetition detected, aborting stream")
					resp2 := finish(false)
					return resp2, repetitionError{maxRepeats: opts.AbortOnConsecutiveRepeats}
				}
				if opts.OnChunk != nil {
					opts.OnChunk(delta)
				}
			}
		}
		if chunk.Usage != nil {
			resp.PromptTokens = chunk.Usage.PromptTokens
			resp.CompletionTokens = chunk.Usage.CompletionTokens
		}
	}
}
