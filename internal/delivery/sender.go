// Package delivery posts finished artifacts (outlines and articles) to
// the external automation endpoint. Delivery is best-effort: failures
// are retried a fixed number of times, then reported to the user, but
// never propagate to the triggering flow.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nmtri/pencraft/internal/httpkit"
	"github.com/nmtri/pencraft/internal/pipeline"
)

// maxAttempts and retryDelay define the fixed-spacing retry policy (no
// backoff growth).
const (
	maxAttempts = 3
	retryDelay  = 3 * time.Second
)

// Payload is the JSON body posted to the automation endpoint. Type
// discriminates the two shapes ("outline", "article").
type Payload struct {
	Type      string `json:"type"`
	Data      Data   `json:"data"`
	UserID    string `json:"userId"`
	ChatID    int64  `json:"chatId"`
	RequestID string `json:"requestId,omitempty"`
}

// Data carries the type-appropriate artifact. ContentHTML accompanies
// articles so downstream automation can publish without its own
// Markdown converter.
type Data struct {
	Outline     *pipeline.Outline `json:"outline,omitempty"`
	Article     *pipeline.Article `json:"article,omitempty"`
	ContentHTML string            `json:"contentHtml,omitempty"`
}

// Validate checks the payload shape before any transmission attempt. A
// validation failure is a programming error upstream, reported to the
// user as an internal error and never retried.
func (p *Payload) Validate() error {
	switch p.Type {
	case "outline":
		if p.Data.Outline == nil {
			return fmt.Errorf("outline payload has no outline data")
		}
	case "article":
		if p.Data.Article == nil {
			return fmt.Errorf("article payload has no article data")
		}
	default:
		return fmt.Errorf("unrecognized payload type %q", p.Type)
	}
	if p.UserID == "" {
		return fmt.Errorf("payload has no user correlation identifier")
	}
	// Group and supergroup chats carry negative identifiers; only
	// zero is malformed.
	if p.ChatID == 0 {
		return fmt.Errorf("payload has no chat identifier")
	}
	return nil
}

// NotifyFunc delivers a user-facing message about a delivery outcome.
type NotifyFunc func(ctx context.Context, chatID int64, text string)

// Sender posts payloads to the automation endpoint with bounded retries.
type Sender struct {
	// endpoint is an accessor rather than a value so config reloads
	// take effect on the next delivery.
	endpoint func() string

	httpClient *http.Client
	logger     *slog.Logger
	notify     NotifyFunc

	// sleep is replaced in tests to observe retry spacing.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSender creates a delivery sender. notify may be nil, in which case
// failures are only logged.
func NewSender(endpoint func() string, notify NotifyFunc, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		endpoint:   endpoint,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		logger:     logger.With("component", "delivery"),
		notify:     notify,
		sleep:      sleepCtx,
	}
}

// Deliver validates and posts the payload, retrying transmission up to
// maxAttempts times at fixed retryDelay spacing. All failure modes are
// absorbed here: the user is notified exactly once and the caller's
// flow completes regardless.
func (s *Sender) Deliver(ctx context.Context, p Payload, label string) {
	logger := s.logger.With(
		"label", label,
		"type", p.Type,
		"user_id", p.UserID,
		"chat_id", p.ChatID,
	)

	if err := p.Validate(); err != nil {
		logger.Error("payload failed validation, not sending", "error", err)
		s.notifyUser(ctx, p.ChatID, fmt.Sprintf("⚠️ Không thể gửi %s: lỗi nội bộ khi chuẩn bị dữ liệu.", label))
		return
	}

	endpoint := s.endpoint()
	if endpoint == "" {
		logger.Warn("no delivery endpoint configured, skipping")
		return
	}

	body, err := json.Marshal(&p)
	if err != nil {
		logger.Error("payload marshal failed", "error", err)
		s.notifyUser(ctx, p.ChatID, fmt.Sprintf("⚠️ Không thể gửi %s: lỗi nội bộ khi chuẩn bị dữ liệu.", label))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = s.post(ctx, endpoint, body)
		if lastErr == nil {
			logger.Info("delivered", "endpoint", endpoint, "attempt", attempt)
			return
		}

		logger.Warn("delivery attempt failed",
			"endpoint", endpoint,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == maxAttempts {
			break
		}
		if err := s.sleep(ctx, retryDelay); err != nil {
			break
		}
	}

	logger.Error("delivery exhausted all attempts",
		"endpoint", endpoint,
		"attempts", maxAttempts,
		"error", lastErr,
	)
	s.notifyUser(ctx, p.ChatID, fmt.Sprintf(
		"⚠️ Không gửi được %s tới %s sau %d lần thử. Lỗi cuối: %v",
		label, endpoint, maxAttempts, lastErr,
	))
}

func (s *Sender) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) notifyUser(ctx context.Context, chatID int64, text string) {
	if s.notify == nil {
		return
	}
	s.notify(ctx, chatID, text)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
