// Package router selects between the primary and backup model backends,
// applying distinct retry policies to each. The primary path gets a
// single retry for transient failures; the backup path (when enabled)
// gets a bounded exponential backoff for any failure kind. Results carry
// the identity of the provider that actually served them, since cost
// accounting and trust differ by provider.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nmtri/pencraft/internal/llm"
)

// Task identifies a generation stage. Each task carries its own token
// budget and timeout.
type Task string

// Generation stages.
const (
	TaskTitles  Task = "titles"
	TaskOutline Task = "outline"
	TaskArticle Task = "article"
)

// primaryRetryDelay is the fixed pause before the primary's single
// transient retry.
const primaryRetryDelay = 2 * time.Second

// backupAttempts bounds the backup path. Delays between attempts grow as
// 2^attempt seconds (2s, 4s).
const backupAttempts = 3

// TaskPolicy is one stage's token budget and timeout.
type TaskPolicy struct {
	MaxTokens int
	Timeout   time.Duration
}

// Settings holds the hot-reloadable routing configuration.
type Settings struct {
	BackupEnabled  bool
	DefaultTimeout time.Duration
	Tasks          map[Task]TaskPolicy
}

// policy resolves the effective policy for a task, falling back to the
// global default timeout when the task has none.
func (s Settings) policy(task Task) TaskPolicy {
	p := s.Tasks[task]
	if p.Timeout <= 0 {
		p.Timeout = s.DefaultTimeout
	}
	if p.Timeout <= 0 {
		p.Timeout = 60 * time.Second
	}
	return p
}

// Result is the provider-tagged response envelope returned on success.
type Result struct {
	Text           string
	Provider       string
	RequestID      string
	InputTokens    int
	OutputTokens   int
	TokensUsed     int
	Cached         bool // always false; no caching layer
	ProcessingTime time.Duration
}

// Stats tracks routing outcomes for the ops endpoint and /stats.
type Stats struct {
	TotalRequests  int64            `json:"total_requests"`
	ProviderCounts map[string]int64 `json:"provider_counts"`
	Failures       int64            `json:"failures"`
	TokensUsed     int64            `json:"tokens_used"`
}

// Router routes generation requests to the primary backend with failover
// to the backup.
type Router struct {
	primary llm.Client
	backup  llm.Client
	logger  *slog.Logger

	// sleep is replaced in tests to observe retry delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	settings Settings
	stats    Stats
}

// New creates a Router. backup may be nil only if settings never enable it.
func New(primary, backup llm.Client, settings Settings, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		primary:  primary,
		backup:   backup,
		logger:   logger.With("component", "router"),
		sleep:    sleepCtx,
		settings: settings,
		stats:    Stats{ProviderCounts: make(map[string]int64)},
	}
}

// UpdateSettings swaps in new routing configuration. Applies to the next
// Generate call; in-flight requests keep the settings they started with.
func (r *Router) UpdateSettings(settings Settings) {
	r.mu.Lock()
	r.settings = settings
	r.mu.Unlock()
}

// Stats returns a copy of the accumulated routing statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.stats
	out.ProviderCounts = make(map[string]int64, len(r.stats.ProviderCounts))
	for k, v := range r.stats.ProviderCounts {
		out.ProviderCounts[k] = v
	}
	return out
}

// Generate runs one prompt through the failover state machine:
// primary (up to 2 attempts, transient-only retry) then, if enabled,
// backup (up to 3 attempts, any failure retried). Exhausting both paths
// yields a combined error carrying each provider's final failure.
func (r *Router) Generate(ctx context.Context, task Task, prompt string) (*Result, error) {
	r.mu.RLock()
	settings := r.settings
	r.mu.RUnlock()

	pol := settings.policy(task)
	requestID := uuid.NewString()
	logger := r.logger.With("request_id", requestID, "task", string(task))
	start := time.Now()

	primaryErr := r.tryPrimary(ctx, logger, prompt, pol)
	if primaryErr.result != nil {
		return r.finish(requestID, start, primaryErr.result, r.primary.Name()), nil
	}

	if !settings.BackupEnabled || r.backup == nil {
		r.recordFailure()
		return nil, primaryErr.err
	}

	logger.Warn("primary exhausted, failing over",
		"provider", r.primary.Name(),
		"error", primaryErr.err,
	)

	completion, backupErr := r.tryBackup(ctx, logger, prompt, pol)
	if completion != nil {
		return r.finish(requestID, start, completion, r.backup.Name()), nil
	}

	r.recordFailure()
	return nil, &ExhaustedError{
		Primary:    r.primary.Name(),
		PrimaryErr: primaryErr.err,
		Backup:     r.backup.Name(),
		BackupErr:  backupErr,
	}
}

type primaryOutcome struct {
	result *llm.Completion
	err    error
}

// tryPrimary makes up to 2 attempts against the primary backend. The
// second attempt happens only for transient failures, after a fixed
// 2-second delay.
func (r *Router) tryPrimary(ctx context.Context, logger *slog.Logger, prompt string, pol TaskPolicy) primaryOutcome {
	completion, err := r.primary.Complete(ctx, prompt, pol.MaxTokens, pol.Timeout)
	if err == nil {
		return primaryOutcome{result: completion}
	}

	if !Transient(err) {
		logger.Debug("primary failed terminally", "error", err)
		return primaryOutcome{err: err}
	}

	logger.Warn("primary transient failure, retrying once",
		"delay", primaryRetryDelay,
		"error", err,
	)
	if serr := r.sleep(ctx, primaryRetryDelay); serr != nil {
		return primaryOutcome{err: err}
	}

	completion, err = r.primary.Complete(ctx, prompt, pol.MaxTokens, pol.Timeout)
	if err == nil {
		return primaryOutcome{result: completion}
	}
	return primaryOutcome{err: err}
}

// tryBackup makes up to backupAttempts attempts against the backup
// backend with exponential backoff. Any failure kind is retried until
// the attempt budget runs out.
func (r *Router) tryBackup(ctx context.Context, logger *slog.Logger, prompt string, pol TaskPolicy) (*llm.Completion, error) {
	var lastErr error
	for attempt := 1; attempt <= backupAttempts; attempt++ {
		completion, err := r.backup.Complete(ctx, prompt, pol.MaxTokens, pol.Timeout)
		if err == nil {
			return completion, nil
		}
		lastErr = err

		if attempt == backupAttempts {
			break
		}
		delay := time.Duration(1<<attempt) * time.Second // 2s, 4s
		logger.Warn("backup attempt failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if serr := r.sleep(ctx, delay); serr != nil {
			break
		}
	}
	return nil, lastErr
}

func (r *Router) finish(requestID string, start time.Time, completion *llm.Completion, provider string) *Result {
	result := &Result{
		Text:           completion.Text,
		Provider:       provider,
		RequestID:      requestID,
		InputTokens:    completion.InputTokens,
		OutputTokens:   completion.OutputTokens,
		TokensUsed:     completion.InputTokens + completion.OutputTokens,
		ProcessingTime: time.Since(start),
	}

	r.mu.Lock()
	r.stats.TotalRequests++
	r.stats.ProviderCounts[provider]++
	r.stats.TokensUsed += int64(result.TokensUsed)
	r.mu.Unlock()

	r.logger.Debug("generation complete",
		"request_id", requestID,
		"provider", provider,
		"tokens_used", result.TokensUsed,
		"duration", result.ProcessingTime,
	)
	return result
}

func (r *Router) recordFailure() {
	r.mu.Lock()
	r.stats.TotalRequests++
	r.stats.Failures++
	r.mu.Unlock()
}

// ExhaustedError reports that both provider paths ran out of attempts.
type ExhaustedError struct {
	Primary    string
	PrimaryErr error
	Backup     string
	BackupErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed: %s: %v; %s: %v",
		e.Primary, e.PrimaryErr, e.Backup, e.BackupErr)
}

// Transient reports whether a failure is likely to succeed on immediate
// retry: connection resets and abrupt socket termination, HTTP 429, and
// HTTP 5xx. Timeouts and parse errors are terminal for the attempt.
func Transient(err error) bool {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}

	var transportErr *llm.TransportError
	if errors.As(err, &transportErr) {
		inner := transportErr.Err
		if errors.Is(inner, syscall.ECONNRESET) || errors.Is(inner, syscall.EPIPE) {
			return true
		}
		if errors.Is(inner, io.ErrUnexpectedEOF) {
			return true
		}
		// Wrapped errors from the SDK don't always expose the errno.
		msg := inner.Error()
		return strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "broken pipe") ||
			strings.Contains(msg, "unexpected EOF")
	}

	return false
}

// sleepCtx pauses for d or until ctx is cancelled.
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
