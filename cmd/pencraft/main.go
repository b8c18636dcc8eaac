// Pencraft is a Telegram content-generation assistant.
//
// A user supplies a topic, the bot proposes 10 title candidates, the
// user picks one by number, and the bot generates a structured outline
// and then a full article, forwarding both artifacts to an external
// automation endpoint. Generation runs against a primary model backend
// with failover to a backup.
//
// Usage:
//
//	pencraft serve      Start the bot
//	pencraft init [dir] Write a starter config file (default: .)
//	pencraft version    Print version and build information
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]) and reloaded on
// SIGHUP or POST /config/reload.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nmtri/pencraft/internal/buildinfo"
	"github.com/nmtri/pencraft/internal/config"
	"github.com/nmtri/pencraft/internal/convo"
	"github.com/nmtri/pencraft/internal/delivery"
	"github.com/nmtri/pencraft/internal/dialogue"
	"github.com/nmtri/pencraft/internal/llm"
	"github.com/nmtri/pencraft/internal/pipeline"
	"github.com/nmtri/pencraft/internal/ratelimit"
	"github.com/nmtri/pencraft/internal/router"
	"github.com/nmtri/pencraft/internal/telegram"
	"github.com/nmtri/pencraft/internal/web"
)

// main is intentionally minimal: it constructs the OS-level environment
// and delegates to [run], keeping os.Exit and os.Args out of the
// application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, args []string) error {
	fs := flag.NewFlagSet("pencraft", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	logLevel := fs.String("log-level", "", "override log level (trace, debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cmd := fs.Arg(0)
	if cmd == "" {
		cmd = "serve"
	}

	switch cmd {
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "serve":
		return serve(ctx, *configPath, *logLevel)
	case "init":
		dir := fs.Arg(1)
		if dir == "" {
			dir = "."
		}
		return runInit(stdout, dir)
	default:
		return fmt.Errorf("unknown command %q (valid: serve, init, version)", cmd)
	}
}

func serve(ctx context.Context, configPath, logLevelOverride string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	levelStr := cfg.LogLevel
	if logLevelOverride != "" {
		levelStr = logLevelOverride
	}
	level, err := config.ParseLogLevel(levelStr)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting", "version", buildinfo.String(), "config", path)

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token missing; set telegram.token in %s", path)
	}

	manager := config.NewManager(path, cfg, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Model backends and the failover router.
	primary := llm.NewOpenAIClient(credentials(cfg.Providers.Primary), logger)
	backup := llm.NewAnthropicClient(credentials(cfg.Providers.Backup), logger)
	rtr := router.New(primary, backup, routerSettings(cfg), logger)

	store := convo.NewStore(logger)
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute)
	stages := pipeline.NewGenerator(rtr, logger)

	// reconnect carries a signal to the poller loop when the transport
	// token changed. activeToken tracks the token the running poller
	// was built with, so reloads from any source (SIGHUP or the ops
	// endpoint) are detected uniformly.
	reconnect := make(chan struct{}, 1)
	var activeToken atomic.Value
	activeToken.Store(cfg.Telegram.Token)

	// Hot-reload: credentials, routing budgets, and the rate limit
	// apply on the next operation.
	manager.OnReload(func(next *config.Config) {
		primary.Reconfigure(credentials(next.Providers.Primary))
		backup.Reconfigure(credentials(next.Providers.Backup))
		rtr.UpdateSettings(routerSettings(next))
		limiter.SetLimit(next.RateLimit.RequestsPerMinute)

		if next.Telegram.Token != activeToken.Load().(string) {
			select {
			case reconnect <- struct{}{}:
			default:
			}
		}
	})

	go watchSighup(ctx, manager, logger)

	go store.RunSweeper(ctx)
	go limiter.RunSweeper(ctx)

	ops := web.NewServer(manager, store, limiter, rtr, logger)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
		if err := ops.Run(ctx, addr); err != nil {
			logger.Error("ops server failed", "error", err)
		}
	}()

	// The controller outlives transport reconnects so per-user stats
	// survive token changes; it talks to the current client through a
	// swappable reference.
	ref := &clientRef{}
	sender := delivery.NewSender(
		func() string { return manager.Snapshot().Delivery.Endpoint },
		func(ctx context.Context, chatID int64, text string) {
			if err := ref.SendMessage(ctx, chatID, text); err != nil {
				logger.Warn("delivery notification failed", "chat_id", chatID, "error", err)
			}
		},
		logger,
	)
	controller := dialogue.NewController(dialogue.Config{
		Store:     store,
		Limiter:   limiter,
		Stages:    stages,
		Sender:    sender,
		Messenger: ref,
		Logger:    logger,
	})

	// The poller loop rebuilds the transport client whenever the token
	// changes; everything downstream of the controller is reused.
	for ctx.Err() == nil {
		snap := manager.Snapshot()
		activeToken.Store(snap.Telegram.Token)
		client := telegram.NewClient(snap.Telegram.Token, logger)

		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		me, err := client.GetMe(probeCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("telegram token probe failed, retrying", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Second):
			}
			continue
		}
		logger.Info("connected to telegram", "bot", me.Username)

		ref.set(client)
		poller := telegram.NewPoller(client, controller,
			time.Duration(snap.Telegram.PollTimeoutSec)*time.Second, logger)

		pollCtx, cancelPoll := context.WithCancel(ctx)
		go func() {
			select {
			case <-reconnect:
				logger.Info("telegram token changed, reconnecting transport")
				cancelPoll()
			case <-pollCtx.Done():
			}
		}()

		poller.Run(pollCtx)
		cancelPoll()
	}

	logger.Info("shutdown complete")
	return nil
}

// clientRef is a swappable handle on the active Telegram client,
// implementing [dialogue.Messenger]. The poller loop replaces the
// client on token reconnects without rebuilding the controller.
type clientRef struct {
	v atomic.Value // dialogue.Messenger
}

func (r *clientRef) set(m dialogue.Messenger) { r.v.Store(m) }

func (r *clientRef) current() dialogue.Messenger { return r.v.Load().(dialogue.Messenger) }

func (r *clientRef) SendMessage(ctx context.Context, chatID int64, text string) error {
	return r.current().SendMessage(ctx, chatID, text)
}

func (r *clientRef) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, kb *telegram.ReplyKeyboardMarkup) error {
	return r.current().SendMessageWithKeyboard(ctx, chatID, text, kb)
}

func (r *clientRef) SendTyping(ctx context.Context, chatID int64) error {
	return r.current().SendTyping(ctx, chatID)
}

// watchSighup reloads configuration on SIGHUP. Reconnect signaling is
// handled by the OnReload callback so the ops endpoint takes the same
// path.
func watchSighup(ctx context.Context, manager *config.Manager, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := manager.Reload(); err != nil {
				logger.Error("config reload failed", "error", err)
			}
		}
	}
}

func credentials(p config.ProviderConfig) llm.Credentials {
	return llm.Credentials{
		APIKey:  p.APIKey,
		Model:   p.Model,
		BaseURL: p.BaseURL,
	}
}

func routerSettings(cfg *config.Config) router.Settings {
	def := time.Duration(cfg.Tasks.DefaultTimeoutSec) * time.Second
	return router.Settings{
		BackupEnabled:  cfg.Providers.BackupEnabled,
		DefaultTimeout: def,
		Tasks: map[router.Task]router.TaskPolicy{
			router.TaskTitles: {
				MaxTokens: cfg.Tasks.Titles.MaxTokens,
				Timeout:   cfg.Tasks.Titles.Timeout(def),
			},
			router.TaskOutline: {
				MaxTokens: cfg.Tasks.Outline.MaxTokens,
				Timeout:   cfg.Tasks.Outline.Timeout(def),
			},
			router.TaskArticle: {
				MaxTokens: cfg.Tasks.Article.MaxTokens,
				Timeout:   cfg.Tasks.Article.Timeout(def),
			},
		},
	}
}
