// Package gen provides the structured-generation capability used by
// the specialist agents: produce text given a system and user prompt.
// Backends exist for OpenAI and Anthropic; the local backend returns an
// error so callers always exercise their deterministic fallbacks.
package gen

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// Generator produces a completion for a prompt pair.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// New selects a backend by provider name. Unknown providers and "local"
// return the local generator.
func New(provider, openaiKey, anthropicKey, model string) Generator {
	switch provider {
	case "openai":
		if openaiKey != "" {
			return NewOpenAI(openaiKey, model)
		}
	case "anthropic":
		if anthropicKey != "" {
			return NewAnthropic(anthropicKey, model)
		}
	}
	return Local{}
}

// Local is the no-model backend. Every call fails fast, which routes
// the agents onto their rule-based estimators.
type Local struct{}

// Generate implements Generator.
func (Local) Generate(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("local generator has no model")
}

// OpenAI generates completions through the OpenAI chat API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an OpenAI-backed generator.
func NewOpenAI(apiKey, model string) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: openai.NewClient(apiKey), model: model}
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	response, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("openai completion: empty response")
	}
	return response.Choices[0].Message.Content, nil
}

// Anthropic generates completions through the Anthropic messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic-backed generator.
func NewAnthropic(apiKey, model string) *Anthropic {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &Anthropic{client: anthropic.NewClient(option.WithAPIKey(apiKey)), model: model}
}

// Generate implements Generator.
func (a *Anthropic) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic completion: no text content")
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSON pulls the first JSON object out of a model response,
// stripping markdown code fences when present.
func ExtractJSON(response string) (string, error) {
	text := strings.TrimSpace(response)
	if idx := strings.Index(text, "```json"); idx >= 0 {
		text = text[idx+len("```json"):]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	} else if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+len("```"):]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	match := jsonObjectRe.FindString(text)
	if match == "" {
		return "", fmt.Errorf("no JSON object in response")
	}
	return match, nil
}
