package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nmtri/pencraft/internal/config"
	"github.com/nmtri/pencraft/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a client for the Anthropic Messages API. It serves
// as the backup provider, so it is deliberately minimal: single user
// message, no streaming, no tools.
type AnthropicClient struct {
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	creds Credentials
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(creds Credentials, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Model responses can take significant time before sending headers
	// (long prompts, large outputs). Use a custom transport with a
	// generous response header timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiURL: anthropicAPIURL,
		creds:  creds,
		logger: logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// No global timeout; article generation can be long-lived.
			// Per-call deadlines come from Complete's timeout argument.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Anthropic request/response types

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Name implements Client.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Reconfigure implements Client.
func (c *AnthropicClient) Reconfigure(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	c.logger.Info("credentials reconfigured", "model", creds.Model)
}

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string, maxTokens int, timeout time.Duration) (*Completion, error) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()

	if creds.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key missing")
	}

	req := anthropicRequest{
		Model:     creds.Model,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", creds.Model,
		"max_tokens", maxTokens,
		"timeout", timeout,
		"prompt_len", len(prompt),
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	return completeWithTimeout(ctx, timeout, func(ctx context.Context) (*Completion, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", creds.APIKey)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{Provider: c.Name(), Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errBody := httpkit.ReadErrorBody(resp.Body, 4096)
			c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
			return nil, &APIError{Provider: c.Name(), Status: resp.StatusCode, Body: errBody}
		}

		var apiResp anthropicResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}

		var text string
		for _, block := range apiResp.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}

		result := &Completion{
			Text:         text,
			Model:        apiResp.Model,
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		}

		c.logger.Debug("response received",
			"model", result.Model,
			"input_tokens", result.InputTokens,
			"output_tokens", result.OutputTokens,
			"stop_reason", apiResp.StopReason,
		)
		c.logger.Log(ctx, config.LevelTrace, "response content", "content", result.Text)

		return result, nil
	})
}
