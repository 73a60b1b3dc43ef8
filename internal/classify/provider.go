package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type Prompt struct {
	System string
	User   string
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

type Completion struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Provider is an opaque text-in, text-out model capability.
type Provider interface {
	Complete(ctx context.Context, prompt Prompt) (Completion, error)
}

const DefaultAnthropicModel = "claude-3-5-haiku-latest"

type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	BaseURL   string
}

type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, prompt Prompt) (Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}
	if strings.TrimSpace(prompt.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic messages: %w", err)
	}
	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return Completion{Text: block.Text, Usage: usage}, nil
		}
	}
	return Completion{Usage: usage}, errors.New("no text content in anthropic response")
}
