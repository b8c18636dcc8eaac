// Package telegram implements the messaging transport: a Bot API client
// over long polling, and a poller that fans inbound updates out to the
// dialogue controller.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nmtri/pencraft/internal/config"
	"github.com/nmtri/pencraft/internal/httpkit"
)

const defaultAPIBase = "https://api.telegram.org"

// apiResponse is the Bot API envelope around every method result.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// APIError is a Bot API rejection (ok=false).
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s error %d: %s", e.Method, e.Code, e.Description)
}

// Client is a Bot API client. The token is fixed at construction;
// changing it requires building a new client and reconnecting the
// poller.
type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Bot API client for the given token.
func NewClient(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	// Long polls outlive any sane global timeout; per-call deadlines
	// come from the request contexts.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 0

	return &Client{
		token:   token,
		apiBase: defaultAPIBase,
		logger:  logger.With("component", "telegram"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// call invokes one Bot API method with a JSON body and decodes the
// result envelope.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Log(ctx, config.LevelTrace, "api call", "method", method, "params", string(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return &APIError{Method: method, Code: envelope.ErrorCode, Description: envelope.Description}
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// GetMe verifies the token by fetching the bot's own account. Suitable
// as a startup probe.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for inbound updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	// Give the HTTP round trip headroom beyond the server-side hold.
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage delivers text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.sendMessage(ctx, chatID, text, nil)
}

// SendMessageWithKeyboard delivers text along with the fixed reply
// keyboard menu.
func (c *Client) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, kb *ReplyKeyboardMarkup) error {
	return c.sendMessage(ctx, chatID, text, kb)
}

func (c *Client) sendMessage(ctx context.Context, chatID int64, text string, kb *ReplyKeyboardMarkup) error {
	params := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if kb != nil {
		params["reply_markup"] = kb
	}
	if err := c.call(ctx, "sendMessage", params, nil); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator in a chat. Best-effort; callers
// log failures rather than abort.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	params := map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}
	if err := c.call(ctx, "sendChatAction", params, nil); err != nil {
		return fmt.Errorf("telegram sendChatAction: %w", err)
	}
	return nil
}
