package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultClaudeModel = anthropic.ModelClaudeSonnet4_20250514

// ClaudeProvider completes through the Anthropic Messages API.
type ClaudeProvider struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClaudeProvider builds a ClaudeProvider. model may be empty to use the
// default.
func NewClaudeProvider(apiKey, model string) *ClaudeProvider {
	m := defaultClaudeModel
	if model != "" {
		m = anthropic.Model(model)
	}
	return &ClaudeProvider{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     m,
		maxTokens: 4096,
	}
}

func (p *ClaudeProvider) Name() string { return "claude" }

func (p *ClaudeProvider) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	start := time.Now()

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return "", Usage{}, &ProviderError{StatusCode: apierr.StatusCode, Message: apierr.Error()}
		}
		return "", Usage{}, err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	usage := Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		Latency:      time.Since(start),
	}
	return sb.String(), usage, nil
}
