package telegram

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// pollErrorBackoff is the pause after a failed getUpdates call before
// trying again.
const pollErrorBackoff = 3 * time.Second

// Handler consumes one inbound update. The real implementation is the
// dialogue controller.
type Handler interface {
	HandleUpdate(ctx context.Context, upd Update)
}

// Poller long-polls the Bot API and dispatches each update on its own
// goroutine, so multiple users' messages are in flight simultaneously.
type Poller struct {
	client      *Client
	handler     Handler
	logger      *slog.Logger
	pollTimeout time.Duration
}

// NewPoller creates an update poller.
func NewPoller(client *Client, handler Handler, pollTimeout time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Poller{
		client:      client,
		handler:     handler,
		logger:      logger.With("component", "poller"),
		pollTimeout: pollTimeout,
	}
}

// Run polls until ctx is cancelled, then waits for in-flight update
// handlers to finish.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("telegram poller started", "poll_timeout", p.pollTimeout)

	var wg sync.WaitGroup
	var offset int64

	for ctx.Err() == nil {
		updates, err := p.client.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			if upd.Message == nil || upd.Message.From == nil || upd.Message.Text == "" {
				p.logger.Debug("ignoring non-text update", "update_id", upd.UpdateID)
				continue
			}

			wg.Add(1)
			go func(upd Update) {
				defer wg.Done()
				p.dispatch(ctx, upd)
			}(upd)
		}
	}

	wg.Wait()
	p.logger.Info("telegram poller stopped")
}

// dispatch runs the handler with a panic guard. An unanticipated panic
// in a single update must never take the process down; it is logged and
// converted to a generic apology.
func (p *Poller) dispatch(ctx context.Context, upd Update) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic handling update",
				"update_id", upd.UpdateID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if err := p.client.SendMessage(ctx, upd.Message.Chat.ID,
				"Xin lỗi, đã có lỗi xảy ra. Vui lòng thử lại sau."); err != nil {
				p.logger.Warn("apology send failed", "error", err)
			}
		}
	}()

	p.handler.HandleUpdate(ctx, upd)
}
