// Package classify maps model names to capability sets. Routing uses it to
// filter candidate models per request type; embedding requests must only
// target embedding-capable models.
package classify

import (
	"regexp"
	"strings"
)

// Confidence grades how certain the name-based classification is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Classification is the capability set derived from a model name.
type Classification struct {
	IsEmbedding bool
	IsChat      bool
	IsVision    bool
	Confidence  Confidence
}

var strongEmbeddingPatterns = compile(
	`^nomic-embed`,
	`^mxbai-embed`,
	`^bge-`,
	`^e5-`,
	`text-embedding-3`,
	`text-embedding-ada`,
	`^all-minilm`,
	`^embeddinggemma`,
	`^snowflake-arctic-embed`,
	`^qwen.*embedding`,
	`^granite-embedding`,
)

var mediumEmbeddingPatterns = compile(
	`embed`,
	`embedding`,
	`sentence`,
	`paraphrase`,
)

var strongChatPatterns = compile(
	`^llama`,
	`^mistral`,
	`^mixtral`,
	`^codellama`,
	`^qwen`,
	`^gemma`,
	`^deepseek`,
	`^granite`,
	`^glm`,
	`^falcon`,
	`^yi`,
	`^jamba`,
	`^nemotron`,
	`^dolphin`,
	`^vicuna`,
	`^alpaca`,
	`^chat`,
	`^gpt-4`,
	`^gpt-3\.5-turbo`,
	`^o1-preview$`,
	`^o1-mini$`,
	`^o[134]($|-|:)`,
	`instruct`,
)

var mediumChatPatterns = compile(
	`^phi`,
	`^tinyllama`,
	`^neural`,
)

var strongVisionPatterns = compile(
	`^qwen.*vl`,
	`^qwen.*omni`,
	`^gemma3`,
	`^llama3\.2.*vision`,
	`^llama4.*vision`,
	`^llava`,
	`^minicpm-v`,
	`^internvl`,
	`^cogvlm`,
	`^pixtral`,
	`^mistral-small`,
	`^granite.*vision`,
	`^moondream`,
	`^deepseek.*janus`,
	`janus-pro`,
	`^yi.*vl`,
	`^glm.*v[-\d]`,
	`^falcon.*vlm`,
	`^phi-4-multimodal`,
	`^gpt-4o`,
	`^gpt-4\.1`,
	`^gpt-4-turbo`,
	`^o1($|:|-\d)`,
	`^o3`,
	`^o4`,
	`vision`,
)

var mediumVisionPatterns = compile(
	`^phi.*vision`,
	`vl$`,
	`-v\d`,
	`multimodal`,
)

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, name string) bool {
	for _, p := range patterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// Classify is total and deterministic: every name produces a result, with
// chat/low-confidence as the default. Precedence is evaluated in order,
// first match wins; vision models are also flagged chat-capable.
func Classify(modelName string) Classification {
	name := strings.ToLower(modelName)

	if anyMatch(strongVisionPatterns, name) {
		return Classification{IsChat: true, IsVision: true, Confidence: ConfidenceHigh}
	}
	if anyMatch(strongEmbeddingPatterns, name) {
		return Classification{IsEmbedding: true, Confidence: ConfidenceHigh}
	}
	if anyMatch(strongChatPatterns, name) {
		return Classification{IsChat: true, Confidence: ConfidenceHigh}
	}
	if anyMatch(mediumVisionPatterns, name) {
		return Classification{IsChat: true, IsVision: true, Confidence: ConfidenceMedium}
	}
	if anyMatch(mediumEmbeddingPatterns, name) {
		return Classification{IsEmbedding: true, Confidence: ConfidenceMedium}
	}
	if anyMatch(mediumChatPatterns, name) {
		return Classification{IsChat: true, Confidence: ConfidenceMedium}
	}
	return Classification{IsChat: true, Confidence: ConfidenceLow}
}

// Capabilities returns the capability strings used in model listings.
// Code capability is keyed off the name directly; the classifier itself does
// not track it.
func Capabilities(modelName string) []string {
	c := Classify(modelName)
	caps := make([]string, 0, 4)
	if c.IsChat {
		caps = append(caps, "chat")
	}
	if c.IsEmbedding {
		caps = append(caps, "embedding")
	}
	if c.IsVision {
		caps = append(caps, "vision")
	}
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "code") || strings.Contains(lower, "coder") || strings.Contains(lower, "starcoder") {
		caps = append(caps, "code")
	}
	return caps
}

// IsEmbeddingModel reports whether the model should serve embedding requests.
func IsEmbeddingModel(modelName string) bool { return Classify(modelName).IsEmbedding }

// IsChatModel reports whether the model should serve chat requests.
func IsChatModel(modelName string) bool { return Classify(modelName).IsChat }

// IsVisionModel reports whether the model can handle image inputs.
func IsVisionModel(modelName string) bool { return Classify(modelName).IsVision }
