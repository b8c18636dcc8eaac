package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nmtri/pencraft/internal/config"
)

// OpenAIClient calls an OpenAI-compatible chat completions endpoint via
// the official openai-go SDK. A custom BaseURL points it at compatible
// gateways.
type OpenAIClient struct {
	logger *slog.Logger

	mu    sync.RWMutex
	creds Credentials
}

// NewOpenAIClient creates an OpenAI-compatible client.
func NewOpenAIClient(creds Credentials, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		logger: logger.With("provider", "openai"),
		creds:  creds,
	}
}

// Name implements Client.
func (c *OpenAIClient) Name() string { return "openai" }

// Reconfigure implements Client. In-flight calls keep the credentials
// they started with; the next Complete picks up the new ones.
func (c *OpenAIClient) Reconfigure(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	c.logger.Info("credentials reconfigured", "model", creds.Model)
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, maxTokens int, timeout time.Duration) (*Completion, error) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()

	if creds.APIKey == "" {
		return nil, fmt.Errorf("openai api key missing")
	}

	// Retries live in the router, where failover can kick in; the SDK's
	// own retry loop would stack on top of it.
	opts := []option.RequestOption{
		option.WithAPIKey(creds.APIKey),
		option.WithMaxRetries(0),
	}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	client := openai.NewClient(opts...)

	c.logger.Debug("preparing request",
		"model", creds.Model,
		"max_tokens", maxTokens,
		"timeout", timeout,
		"prompt_len", len(prompt),
	)
	c.logger.Log(ctx, config.LevelTrace, "request prompt", "prompt", prompt)

	return completeWithTimeout(ctx, timeout, func(ctx context.Context) (*Completion, error) {
		resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(creds.Model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
			MaxTokens: openai.Int(int64(maxTokens)),
		})
		if err != nil {
			return nil, c.classify(err)
		}
		if len(resp.Choices) == 0 {
			return nil, &ParseError{Err: fmt.Errorf("openai: empty choices")}
		}

		result := &Completion{
			Text:         resp.Choices[0].Message.Content,
			Model:        resp.Model,
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		}

		c.logger.Debug("response received",
			"model", result.Model,
			"input_tokens", result.InputTokens,
			"output_tokens", result.OutputTokens,
		)
		c.logger.Log(ctx, config.LevelTrace, "response content", "content", result.Text)

		return result, nil
	})
}

// classify maps SDK errors into the shared taxonomy so the router's
// transient-failure check can key off error types.
func (c *OpenAIClient) classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		c.logger.Error("API error", "status", apierr.StatusCode)
		return &APIError{
			Provider: c.Name(),
			Status:   apierr.StatusCode,
			Body:     truncate(apierr.Error(), 512),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &TransportError{Provider: c.Name(), Err: err}
}
