// Package openai implements the aiconnector.Connector port against the
// OpenAI chat completions API or any endpoint compatible with it.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Strob0t/agentdesk/internal/domain/control"
	"github.com/Strob0t/agentdesk/internal/port/aiconnector"
)

const (
	connectorName    = "openai"
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 1000
)

func init() {
	aiconnector.Register(connectorName, func(s aiconnector.Settings) (aiconnector.Connector, error) {
		return New(s)
	})
}

// Connector asks a chat completion model for the next browser action.
type Connector struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// New creates an OpenAI connector. An API key is required; BaseURL is optional.
func New(s aiconnector.Settings) (*Connector, error) {
	if s.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(s.APIKey),
		// Retries belong to the caller's backoff policy.
		option.WithMaxRetries(0),
	}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}

	c := &Connector{
		client:    openai.NewClient(opts...),
		model:     s.Model,
		maxTokens: int64(s.MaxTokens),
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}
	return c, nil
}

// Name returns "openai".
func (c *Connector) Name() string { return connectorName }

// Decide sends one completion request and parses the reply into an action.
func (c *Connector) Decide(ctx context.Context, dc control.DecisionContext) (control.Action, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(control.SystemPrompt),
			openai.UserMessage(control.BuildPrompt(dc)),
		},
		MaxTokens:   openai.Int(c.maxTokens),
		Temperature: openai.Float(0),
	})
	if err != nil {
		return control.Action{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return control.Action{}, errors.New("openai: empty completion")
	}
	return control.ParseAction(resp.Choices[0].Message.Content, dc.AvailableActions), nil
}
