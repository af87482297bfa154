// Package litellm implements the aiconnector.Connector port against a LiteLLM
// proxy. The proxy fronts any provider it is configured for, so one connector
// covers Anthropic, Gemini, Ollama and the rest behind a single model alias.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/agentdesk/internal/domain/control"
	"github.com/Strob0t/agentdesk/internal/port/aiconnector"
)

const (
	connectorName    = "litellm"
	defaultBaseURL   = "http://localhost:4000"
	defaultModel     = "claude-3-5-sonnet"
	defaultMaxTokens = 1000
)

func init() {
	aiconnector.Register(connectorName, func(s aiconnector.Settings) (aiconnector.Connector, error) {
		return NewClient(s), nil
	})
}

// Client talks to the LiteLLM proxy chat completions endpoint.
type Client struct {
	baseURL    string
	masterKey  string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewClient creates a new LiteLLM connector. Settings.APIKey is sent as the
// proxy master key when set.
func NewClient(s aiconnector.Settings) *Client {
	c := &Client{
		baseURL:   s.BaseURL,
		masterKey: s.APIKey,
		model:     s.Model,
		maxTokens: s.MaxTokens,
		// Per-attempt deadlines come from the caller's context.
		httpClient: &http.Client{},
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}
	return c
}

// Name returns "litellm".
func (c *Client) Name() string { return connectorName }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Decide sends one chat completion request through the proxy.
func (c *Client) Decide(ctx context.Context, dc control.DecisionContext) (control.Action, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: control.SystemPrompt},
			{Role: "user", Content: control.BuildPrompt(dc)},
		},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return control.Action{}, fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return control.Action{}, fmt.Errorf("chat completion: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return control.Action{}, fmt.Errorf("unmarshal chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return control.Action{}, errors.New("litellm: empty completion")
	}
	return control.ParseAction(out.Choices[0].Message.Content, dc.AvailableActions), nil
}

// Health checks if the LiteLLM proxy is reachable.
func (c *Client) Health(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err == nil, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.masterKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("litellm API error %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
