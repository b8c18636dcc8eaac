package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testAnthropic(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewAnthropicClient(Credentials{APIKey: "ak-test", Model: "claude-3-5-haiku-20241022"}, nil)
	c.apiURL = srv.URL
	return c
}

func TestAnthropicComplete(t *testing.T) {
	var gotReq anthropicRequest
	var gotKey, gotVersion string
	c := testAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			Model: "claude-3-5-haiku-20241022",
			Content: []anthropicContent{
				{Type: "text", Text: "phần một "},
				{Type: "tool_use"},
				{Type: "text", Text: "phần hai"},
			},
			Usage: anthropicUsage{InputTokens: 12, OutputTokens: 34},
		})
	})

	got, err := c.Complete(context.Background(), "viết tiêu đề", 512, 5*time.Second)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Text != "phần một phần hai" {
		t.Errorf("Text = %q, want text blocks concatenated", got.Text)
	}
	if got.InputTokens != 12 || got.OutputTokens != 34 {
		t.Errorf("usage = %d/%d", got.InputTokens, got.OutputTokens)
	}

	if gotKey != "ak-test" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotVersion != anthropicAPIVersion {
		t.Errorf("anthropic-version = %q", gotVersion)
	}
	if gotReq.MaxTokens != 512 {
		t.Errorf("max_tokens = %d", gotReq.MaxTokens)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
}

func TestAnthropicAPIError(t *testing.T) {
	c := testAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"type": "rate_limit_error"}}`))
	})

	_, err := c.Complete(context.Background(), "p", 100, 5*time.Second)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.Provider != "anthropic" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestAnthropicTimeoutAuthoritative(t *testing.T) {
	release := make(chan struct{})
	c := testAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	start := time.Now()
	_, err := c.Complete(context.Background(), "p", 100, 50*time.Millisecond)
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeoutErr.After != 50*time.Millisecond {
		t.Errorf("After = %v", timeoutErr.After)
	}
	if elapsed > 2*time.Second {
		t.Errorf("caller waited %v, deadline must be authoritative", elapsed)
	}
}

func TestAnthropicMissingKey(t *testing.T) {
	c := NewAnthropicClient(Credentials{Model: "claude-3-5-haiku-20241022"}, nil)
	if _, err := c.Complete(context.Background(), "p", 100, time.Second); err == nil {
		t.Fatal("expected error without an api key")
	}
}

func TestAnthropicReconfigure(t *testing.T) {
	var gotKey string
	c := testAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContent{{Type: "text", Text: "ok"}},
		})
	})

	c.Reconfigure(Credentials{APIKey: "ak-rotated", Model: "claude-sonnet-4-20250514"})
	if _, err := c.Complete(context.Background(), "p", 100, 5*time.Second); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotKey != "ak-rotated" {
		t.Errorf("x-api-key = %q, want rotated key", gotKey)
	}
}

func TestCompleteWithTimeoutPassesResultThrough(t *testing.T) {
	want := &Completion{Text: "xong"}
	got, err := completeWithTimeout(context.Background(), time.Second, func(ctx context.Context) (*Completion, error) {
		return want, nil
	})
	if err != nil {
		t.Fatalf("completeWithTimeout: %v", err)
	}
	if got != want {
		t.Errorf("got = %+v", got)
	}
}

func TestCompleteWithTimeoutCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := completeWithTimeout(ctx, time.Minute, func(ctx context.Context) (*Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
