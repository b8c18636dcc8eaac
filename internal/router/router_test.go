package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nmtri/pencraft/internal/llm"
)

// fakeClient plays back a scripted sequence of outcomes.
type fakeClient struct {
	name   string
	script []outcome

	mu    sync.Mutex
	calls int
}

type outcome struct {
	text string
	err  error
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Reconfigure(llm.Credentials) {}

func (f *fakeClient) Complete(ctx context.Context, prompt string, maxTokens int, timeout time.Duration) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.script) {
		return nil, fmt.Errorf("unexpected call %d to %s", f.calls+1, f.name)
	}
	o := f.script[f.calls]
	f.calls++
	if o.err != nil {
		return nil, o.err
	}
	return &llm.Completion{Text: o.text, InputTokens: 10, OutputTokens: 20}, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testSettings(backupEnabled bool) Settings {
	return Settings{
		BackupEnabled:  backupEnabled,
		DefaultTimeout: time.Minute,
		Tasks: map[Task]TaskPolicy{
			TaskTitles: {MaxTokens: 512, Timeout: 30 * time.Second},
		},
	}
}

// newTestRouter builds a router with an instant sleep that records the
// requested delays.
func newTestRouter(primary, backup *fakeClient, backupEnabled bool) (*Router, *[]time.Duration) {
	r := New(primary, backup, testSettings(backupEnabled), nil)
	delays := &[]time.Duration{}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return r, delays
}

func TestPrimarySuccessNoRetry(t *testing.T) {
	primary := &fakeClient{name: "openai", script: []outcome{{text: "ok"}}}
	backup := &fakeClient{name: "anthropic"}
	r, delays := newTestRouter(primary, backup, true)

	res, err := r.Generate(context.Background(), TaskTitles, "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", res.Provider)
	}
	if res.TokensUsed != 30 {
		t.Errorf("TokensUsed = %d, want 30", res.TokensUsed)
	}
	if res.Cached {
		t.Error("Cached should always be false")
	}
	if len(*delays) != 0 {
		t.Errorf("delays = %v, want none", *delays)
	}
	if backup.callCount() != 0 {
		t.Error("backup should not be called")
	}
}

func TestTransientFailureRetriesOnceWithFixedDelay(t *testing.T) {
	primary := &fakeClient{name: "openai", script: []outcome{
		{err: &llm.APIError{Provider: "openai", Status: 429}},
		{text: "ok"},
	}}
	r, delays := newTestRouter(primary, &fakeClient{name: "anthropic"}, true)

	res, err := r.Generate(context.Background(), TaskTitles, "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", res.Provider)
	}
	if primary.callCount() != 2 {
		t.Errorf("primary calls = %d, want 2", primary.callCount())
	}
	if len(*delays) != 1 || (*delays)[0] != 2*time.Second {
		t.Errorf("delays = %v, want [2s]", *delays)
	}
}

func TestNonTransientFailureGoesStraightToBackup(t *testing.T) {
	primary := &fakeClient{name: "openai", script: []outcome{
		{err: &llm.APIError{Provider: "openai", Status: 400}},
	}}
	backup := &fakeClient{name: "anthropic", script: []outcome{{text: "ok"}}}
	r, delays := newTestRouter(primary, backup, true)

	res, err := r.Generate(context.Background(), TaskTitles, "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if primary.callCount() != 1 {
		t.Errorf("primary calls = %d, want 1 (no retry on terminal failure)", primary.callCount())
	}
	if res.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", res.Provider)
	}
	if len(*delays) != 0 {
		t.Errorf("delays = %v, want none", *delays)
	}
}

func TestBackupRetriesWithExponentialBackoff(t *testing.T) {
	primary := &fakeClient{name: "openai", script: []outcome{
		{err: &llm.APIError{Provider: "openai", Status: 400}},
	}}
	backup := &fakeClient{name: "anthropic", script: []outcome{
		{err: &llm.TimeoutError{After: time.Minute}},
		{err: &llm.APIError{Provider: "anthropic", Status: 500}},
		{text: "ok"},
	}}
	r, delays := newTestRouter(primary, backup, true)

	res, err := r.Generate(context.Background(), TaskTitles, "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", res.Provider)
	}
	if backup.callCount() != 3 {
		t.Errorf("backup calls = %d, want 3", backup.callCount())
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*delays) != 2 || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
}

func TestBothPathsExhaustedCombinedError(t *testing.T) {
	primary := &fakeClient{name: "openai", script: []outcome{
		{err: &llm.APIError{Provider: "openai", Status: 400}},
	}}
	backup := &fakeClient{name: "anthropic", script: []outcome{
		{err: &llm.APIError{Provider: "anthropic", Status: 500}},
		{err: &llm.APIError{Provider: "anthropic", Status: 500}},
		{err: &llm.APIError{Provider: "anthropic", Status: 500}},
	}}
	r, _ := newTestRouter(primary, backup, true)

	_, err := r.Generate(context.Background(), TaskTitles, "p")
	if err == nil {
		t.Fatal("expected error when both paths exhaust")
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %T, want *ExhaustedError", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "anthropic") {
		t.Errorf("combined error should name both providers: %q", msg)
	}
}

func TestBackupDisabledPropagatesPrimaryError(t *testing.T) {
	primaryErr := &llm.APIError{Provider: "openai", Status: 401}
	primary := &fakeClient{name: "openai", script: []outcome{{err: primaryErr}}}
	backup := &fakeClient{name: "anthropic", script: []outcome{{text: "ok"}}}
	r, _ := newTestRouter(primary, backup, false)

	_, err := r.Generate(context.Background(), TaskTitles, "p")
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		t.Fatalf("err = %v, want the primary's error unchanged", err)
	}
	if backup.callCount() != 0 {
		t.Error("backup must not run when disabled")
	}
}

func TestTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"http 429", &llm.APIError{Status: 429}, true},
		{"http 500", &llm.APIError{Status: 500}, true},
		{"http 503", &llm.APIError{Status: 503}, true},
		{"http 400", &llm.APIError{Status: 400}, false},
		{"http 401", &llm.APIError{Status: 401}, false},
		{"conn reset errno", &llm.TransportError{Err: syscall.ECONNRESET}, true},
		{"broken pipe errno", &llm.TransportError{Err: syscall.EPIPE}, true},
		{"conn reset text", &llm.TransportError{Err: errors.New("read tcp: connection reset by peer")}, true},
		{"dns failure", &llm.TransportError{Err: errors.New("no such host")}, false},
		{"timeout", &llm.TimeoutError{After: time.Minute}, false},
		{"parse", &llm.ParseError{Err: errors.New("bad json")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatsAccumulate(t *testing.T) {
	primary := &fakeClient{name: "openai", script: []outcome{{text: "a"}, {text: "b"}}}
	r, _ := newTestRouter(primary, &fakeClient{name: "anthropic"}, true)

	_, _ = r.Generate(context.Background(), TaskTitles, "p")
	_, _ = r.Generate(context.Background(), TaskTitles, "p")

	stats := r.Stats()
	if stats.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", stats.TotalRequests)
	}
	if stats.ProviderCounts["openai"] != 2 {
		t.Errorf("ProviderCounts[openai] = %d, want 2", stats.ProviderCounts["openai"])
	}
	if stats.TokensUsed != 60 {
		t.Errorf("TokensUsed = %d, want 60", stats.TokensUsed)
	}
}
