// Package chat consumes streaming chat completions from the instance pool,
// with cooperative timeout/cancellation and degenerate-output detection.
// Vision (OCR-style) calls go through the same path by attaching images to
// a message.
package chat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modelpool/internal/ollama"
	"modelpool/internal/provider"
	"modelpool/pkg/types"
)

// repetitionError signals a detected output loop, a hard error rather than
// a degraded success.
type repetitionError struct{ maxRepeats int }

func (e repetitionError) Error() string {
	return fmt.Sprintf("aborted due to detected line repetition in response: max allowed repetitions of %d exceeded", e.maxRepeats)
}

// IsRepetition reports whether err came from the repetition detector.
func IsRepetition(err error) bool {
	_, ok := err.(repetitionError)
	return ok
}

// Options controls one streaming chat call.
type Options struct {
	Model    string
	Messages []ollama.ChatMessage

	// Provider selects the backend implementation; empty means ollama.
	Provider types.ProviderType

	// Timeout bounds total elapsed time, checked before each chunk.
	// Zero disables the check.
	Timeout time.Duration

	// OnChunk, when set, is invoked with every non-empty content delta.
	OnChunk func(delta string)

	// AbortOnConsecutiveRepeats enables the repetition detector with the
	// given threshold. Zero disables it.
	AbortOnConsecutiveRepeats int
}

// Issues flags degradations on an otherwise successful response.
type Issues struct {
	Timeout       bool `json:"timeout"`
	PartialResult bool `json:"partial_result"`
}

// Response is the accumulated result of one streaming call. Content may be
// partial when Issues says so.
type Response struct {
	Content          string        `json:"content"`
	Success          bool          `json:"success"`
	Issues           Issues        `json:"issues"`
	InstanceURL      string        `json:"instance_url,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	TimeElapsed      time.Duration `json:"time_elapsed"`
}

// Client runs chat calls against pool-admitted instances.
type Client struct {
	pool   provider.Pool
	client *ollama.Client
	log    zerolog.Logger
}

// New returns a chat Client.
func New(pool provider.Pool, client *ollama.Client) *Client {
	return &Client{
		pool:   pool,
		client: client,
		log:    log.With().Str("component", "chat").Logger(),
	}
}

// capability derives the admission capability from the request shape:
// messages carrying images need a vision model.
func capability(messages []ollama.ChatMessage) string {
	for _, m := range messages {
		if len(m.Images) > 0 {
			return "vision"
		}
	}
	return "chat"
}

// OCROptions controls one non-streaming generation call that passes images
// alongside a prompt.
type OCROptions struct {
	Model  string
	Prompt string
	// Images are base64 encoded page scans.
	Images []string

	// Provider selects the backend implementation; empty means ollama.
	Provider types.ProviderType
}

// OCR extracts text from images: admit a vision-capable instance, run a
// single /api/generate round trip with the images attached.
func (c *Client) OCR(ctx context.Context, opts OCROptions) (Response, error) {
	start := time.Now()
	resp := Response{}

	inst, release, err := c.pool.Admit(ctx, opts.Model, "vision")
	if err != nil {
		resp.TimeElapsed = time.Since(start)
		return resp, err
	}
	defer release()
	resp.InstanceURL = inst.URL

	out, err := c.client.Generate(ctx, inst, opts.Model, opts.Prompt, opts.Images)
	resp.TimeElapsed = time.Since(start)
	if err != nil {
		return resp, err
	}
	resp.Content = out.Response
	resp.Success = true
	resp.PromptTokens = out.PromptEvalCount
	resp.CompletionTokens = out.EvalCount
	return resp, nil
}

// Chat streams one completion. Cancellation and the elapsed timeout are
// checked cooperatively before each chunk; both return the accumulated
// partial content flagged in Issues rather than an error. Repetition
// detection is a hard error.
func (c *Client) Chat(ctx context.Context, opts Options) (Response, error) {
	start := time.Now()
	resp := Response{}

	inst, release, err := c.pool.Admit(ctx, opts.Model, capability(opts.Messages))
	if err != nil {
		resp.TimeElapsed = time.Since(start)
		return resp, err
	}
	defer release()
	resp.InstanceURL = inst.URL

	stream, err := c.client.Chat(ctx, inst, opts.Model, opts.Messages)
	if err != nil {
		resp.TimeElapsed = time.Since(start)
		return resp, err
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

		chunk, err := stream.Next()
		if err == io.EOF {
			return finish(true), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				aborted = true
				return finish(true), nil
			}
			resp2 := finish(false)
			return resp2, err
		}
		if chunk.Error != "" {
			resp2 := finish(false)
			return resp2, fmt.Errorf("error chunk received from instance %s: %s", inst.URL, chunk.Error)
		}

		if chunk.Message != nil && chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if opts.AbortOnConsecutiveRepeats > 0 &&
				CheckLineRepetition(strings.Split(content.String(), "\n"), opts.AbortOnConsecutiveRepeats) {
				c.log.Warn().Str("model", opts.Model).Int("content_length", content.Len()).
					Msg("line repetition detected, aborting stream")
				resp2 := finish(false)
				return resp2, repetitionError{maxRepeats: opts.AbortOnConsecutiveRepeats}
			}
			if opts.OnChunk != nil {
				opts.OnChunk(chunk.Message.Content)
			}
		}
		if chunk.Done {
			resp.PromptTokens = chunk.PromptEvalCount
			resp.CompletionTokens = chunk.EvalCount
		}
	}
}
