// Package dialogue interprets inbound chat messages against the
// conversation state machine and drives the content pipeline. It owns
// the lock discipline: every generation stage runs under the
// conversation's exclusive processing lock, released unconditionally on
// every exit path.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nmtri/pencraft/internal/convo"
	"github.com/nmtri/pencraft/internal/delivery"
	"github.com/nmtri/pencraft/internal/llm"
	"github.com/nmtri/pencraft/internal/markdown"
	"github.com/nmtri/pencraft/internal/pipeline"
	"github.com/nmtri/pencraft/internal/ratelimit"
	"github.com/nmtri/pencraft/internal/telegram"
)

// handleTimeout bounds one inbound message's full processing, including
// the chained outline and article stages.
const handleTimeout = 15 * time.Minute

// Topic length bounds (in runes, after trimming).
const (
	topicMinLen = 5
	topicMaxLen = 200
)

// Messenger abstracts the transport for testability. The real
// implementation is *telegram.Client.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, kb *telegram.ReplyKeyboardMarkup) error
	SendTyping(ctx context.Context, chatID int64) error
}

// StageRunner abstracts the content pipeline for testability. The real
// implementation is *pipeline.Generator.
type StageRunner interface {
	GenerateTitles(ctx context.Context, topic string) (*pipeline.TitlesResult, error)
	GenerateOutline(ctx context.Context, title string) (*pipeline.OutlineResult, error)
	GenerateArticle(ctx context.Context, title string, outline *pipeline.Outline) (*pipeline.ArticleResult, error)
}

// Deliverer abstracts the delivery sender for testability.
type Deliverer interface {
	Deliver(ctx context.Context, p delivery.Payload, label string)
}

// userStats accumulates per-user totals surfaced by /stats.
type userStats struct {
	completed    int
	tokensByTask map[convo.Task]int
	lastProvider string
}

// Controller is the dialogue state machine driver.
type Controller struct {
	store     *convo.Store
	limiter   *ratelimit.Limiter
	stages    StageRunner
	sender    Deliverer
	messenger Messenger
	logger    *slog.Logger

	statsMu sync.Mutex
	stats   map[string]*userStats
}

// Config holds the controller's collaborators.
type Config struct {
	Store     *convo.Store
	Limiter   *ratelimit.Limiter
	Stages    StageRunner
	Sender    Deliverer
	Messenger Messenger
	Logger    *slog.Logger
}

// NewController wires up a dialogue controller.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     cfg.Store,
		limiter:   cfg.Limiter,
		stages:    cfg.Stages,
		sender:    cfg.Sender,
		messenger: cfg.Messenger,
		logger:    logger.With("component", "dialogue"),
		stats:     make(map[string]*userStats),
	}
}

// menuKeyboard is the fixed reply-keyboard menu.
func menuKeyboard() *telegram.ReplyKeyboardMarkup {
	return &telegram.ReplyKeyboardMarkup{
		Keyboard: [][]telegram.KeyboardButton{
			{{Text: "/generate"}},
			{{Text: "/cancel"}, {Text: "/stats"}},
			{{Text: "/help"}},
		},
		ResizeKeyboard: true,
		IsPersistent:   true,
	}
}

// HandleUpdate processes one inbound text message. Implements
// [telegram.Handler].
func (c *Controller) HandleUpdate(ctx context.Context, upd telegram.Update) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	msg := upd.Message
	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID
	key := convo.Key{UserID: userID, ChatID: chatID}
	text := strings.TrimSpace(msg.Text)

	logger := c.logger.With("user_id", userID, "chat_id", chatID)

	if strings.HasPrefix(text, "/") {
		c.handleCommand(ctx, logger, key, text)
		return
	}

	// Admission control: content turns pass the per-user rate check
	// before any state is touched.
	if ok, retryAfter := c.limiter.Allow(userID); !ok {
		logger.Warn("rate limited", "retry_after", retryAfter)
		c.reply(ctx, chatID, fmt.Sprintf(
			"⏳ Bạn gửi quá nhiều yêu cầu. Thử lại sau %d giây.",
			int(retryAfter.Seconds())+1,
		))
		return
	}

	state := c.store.GetOrCreate(key)
	switch state.Step {
	case convo.StepWaitingTopic:
		c.handleTopic(ctx, logger, key, text)
	case convo.StepWaitingTitleSelection:
		c.handleSelection(ctx, logger, key, text, state)
	case convo.StepOutlineGenerated:
		// Transient step while the article chain runs.
		c.reply(ctx, chatID, "⚙️ Bài viết đang được tạo, vui lòng đợi.")
	default:
		c.reply(ctx, chatID, "Gửi /generate để bắt đầu tạo bài viết mới.")
	}
}

// handleCommand dispatches /-commands independently of the conversation
// step.
func (c *Controller) handleCommand(ctx context.Context, logger *slog.Logger, key convo.Key, text string) {
	cmd := strings.ToLower(strings.Fields(text)[0])
	// Strip a @botname suffix sent from group chats.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		c.replyMenu(ctx, key.ChatID,
			"👋 Chào bạn! Mình là trợ lý tạo nội dung.\n\n"+
				"Gửi /generate rồi nhập chủ đề, mình sẽ đề xuất 10 tiêu đề, "+
				"lập dàn ý và viết bài hoàn chỉnh cho bạn.")

	case "/help":
		c.replyMenu(ctx, key.ChatID,
			"Các lệnh:\n"+
				"/generate — bắt đầu tạo bài viết mới\n"+
				"/cancel — hủy phiên hiện tại\n"+
				"/stats — thống kê sử dụng\n"+
				"/help — trợ giúp\n\n"+
				"Quy trình: chủ đề → chọn 1 trong 10 tiêu đề → dàn ý → bài viết.")

	case "/generate":
		if task, busy := c.store.Processing(key); busy {
			c.reply(ctx, key.ChatID, busyMessage(task))
			return
		}
		c.store.Update(key, func(cv *convo.Conversation) {
			cv.Step = convo.StepWaitingTopic
			cv.Topic = ""
			cv.SelectedTitle = ""
			cv.GeneratedTitles = nil
			cv.Outline = nil
		})
		c.reply(ctx, key.ChatID, fmt.Sprintf(
			"📝 Nhập chủ đề bạn muốn viết (%d-%d ký tự):", topicMinLen, topicMaxLen))

	case "/cancel":
		// Unconditional reset, even mid-processing. An in-flight stage
		// finishes against its own deadline and its result is discarded.
		c.store.Reset(key)
		logger.Info("conversation cancelled")
		c.reply(ctx, key.ChatID, "❌ Đã hủy phiên hiện tại. Gửi /generate để bắt đầu lại.")

	case "/stats":
		c.reply(ctx, key.ChatID, c.statsMessage(key.UserID))

	default:
		c.reply(ctx, key.ChatID, "Lệnh không hợp lệ. Gửi /help để xem danh sách lệnh.")
	}
}

// handleTopic validates and sanitizes a topic, then runs the title
// stage under the processing lock.
func (c *Controller) handleTopic(ctx context.Context, logger *slog.Logger, key convo.Key, text string) {
	topic := sanitizeTopic(text)
	if n := utf8.RuneCountInString(topic); n < topicMinLen || n > topicMaxLen {
		// Validation failures never mutate the conversation step.
		c.reply(ctx, key.ChatID, fmt.Sprintf(
			"⚠️ Chủ đề phải dài %d-%d ký tự (hiện tại: %d). Vui lòng nhập lại.",
			topicMinLen, topicMaxLen, n))
		return
	}

	gen, ok := c.store.TryAcquireLock(key, convo.TaskTitles)
	if !ok {
		task, _ := c.store.Processing(key)
		c.reply(ctx, key.ChatID, busyMessage(task))
		return
	}
	defer c.store.ReleaseLock(key, gen)

	c.typing(ctx, key.ChatID)
	logger.Info("title stage started", "topic", topic)

	result, err := c.stages.GenerateTitles(ctx, topic)
	if err != nil {
		c.reportStageError(ctx, logger, key, "tiêu đề", err)
		return
	}

	titles := make([]convo.Title, len(result.Titles))
	for i, t := range result.Titles {
		titles[i] = convo.Title{Index: i + 1, Text: t}
	}
	applied := c.store.UpdateExisting(key, gen, func(cv *convo.Conversation) {
		cv.Topic = topic
		cv.GeneratedTitles = titles
		cv.Step = convo.StepWaitingTitleSelection
	})
	if !applied {
		// The conversation was reset mid-flight; discard the result.
		logger.Info("title result discarded, conversation gone")
		return
	}

	c.recordStats(key.UserID, convo.TaskTitles, result.Meta.TokensUsed, result.Meta.Provider)

	var sb strings.Builder
	fmt.Fprintf(&sb, "✨ %d tiêu đề cho chủ đề của bạn (nguồn: %s):\n\n", len(titles), result.Meta.Provider)
	for _, t := range titles {
		fmt.Fprintf(&sb, "%d. %s\n", t.Index, t.Text)
	}
	fmt.Fprintf(&sb, "\nTrả lời bằng một số từ 1 đến %d để chọn tiêu đề.", len(titles))
	c.reply(ctx, key.ChatID, sb.String())
}

// handleSelection resolves a title pick, runs the outline stage, then
// chains straight into the article stage within the same logical turn.
func (c *Controller) handleSelection(ctx context.Context, logger *slog.Logger, key convo.Key, text string, state convo.Conversation) {
	idx, err := strconv.Atoi(text)
	if err != nil || idx < 1 || idx > 10 {
		c.reply(ctx, key.ChatID, "⚠️ Vui lòng trả lời bằng một số từ 1 đến 10.")
		return
	}
	if idx > len(state.GeneratedTitles) {
		// A selection referencing a title that was never generated means
		// the stored list is out of sync with the user's view.
		c.store.Reset(key)
		c.reply(ctx, key.ChatID, "⚠️ Lựa chọn không khớp với danh sách tiêu đề. Phiên đã được đặt lại, gửi /generate để bắt đầu lại.")
		return
	}
	title := state.GeneratedTitles[idx-1].Text

	// Outline stage.
	gen, ok := c.store.TryAcquireLock(key, convo.TaskOutline)
	if !ok {
		task, _ := c.store.Processing(key)
		c.reply(ctx, key.ChatID, busyMessage(task))
		return
	}

	outline, delivered := c.runOutlineStage(ctx, logger, key, gen, title)
	if !delivered {
		return
	}

	// Article stage chains automatically; no confirmation step.
	gen2, ok := c.store.TryAcquireLock(key, convo.TaskArticle)
	if !ok {
		task, _ := c.store.Processing(key)
		c.reply(ctx, key.ChatID, busyMessage(task))
		return
	}
	defer c.store.ReleaseLock(key, gen2)

	c.typing(ctx, key.ChatID)
	logger.Info("article stage started", "title", title)

	artResult, err := c.stages.GenerateArticle(ctx, title, outline)
	if err != nil {
		c.reportStageError(ctx, logger, key, "bài viết", err)
		// Return to the selection step so the user can retry the pick.
		// After a timeout the conversation was already reset and this
		// is a no-op.
		c.store.UpdateExisting(key, gen2, func(cv *convo.Conversation) {
			cv.Step = convo.StepWaitingTitleSelection
		})
		return
	}

	c.recordStats(key.UserID, convo.TaskArticle, artResult.Meta.TokensUsed, artResult.Meta.Provider)
	c.deliverArticle(ctx, logger, key, artResult)

	c.reply(ctx, key.ChatID, fmt.Sprintf(
		"✅ Bài viết hoàn tất (%d từ, nguồn: %s). Gửi /generate để tạo bài mới.",
		artResult.Article.WordCount, artResult.Meta.Provider))

	// The pipeline for this topic is done; return to the idle baseline.
	c.store.Reset(key)
}

// runOutlineStage generates, stores, and delivers the outline. Returns
// the outline and whether the flow should continue into the article
// stage. The lock acquired by the caller is always released here.
func (c *Controller) runOutlineStage(ctx context.Context, logger *slog.Logger, key convo.Key, gen uint64, title string) (*pipeline.Outline, bool) {
	defer c.store.ReleaseLock(key, gen)

	c.typing(ctx, key.ChatID)
	logger.Info("outline stage started", "title", title)

	result, err := c.stages.GenerateOutline(ctx, title)
	if err != nil {
		c.reportStageError(ctx, logger, key, "dàn ý", err)
		return nil, false
	}

	applied := c.store.UpdateExisting(key, gen, func(cv *convo.Conversation) {
		cv.SelectedTitle = title
		cv.Outline = result.Outline
		cv.Step = convo.StepOutlineGenerated
	})
	if !applied {
		logger.Info("outline result discarded, conversation gone")
		return nil, false
	}

	c.recordStats(key.UserID, convo.TaskOutline, result.Meta.TokensUsed, result.Meta.Provider)

	var sb strings.Builder
	fmt.Fprintf(&sb, "🧩 Dàn ý cho \"%s\" (nguồn: %s):\n\n", title, result.Meta.Provider)
	for i, sec := range result.Outline.Sections {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, sec.Heading)
	}
	sb.WriteString("\n⚙️ Đang viết bài hoàn chỉnh, quá trình này có thể mất vài phút...")
	c.reply(ctx, key.ChatID, sb.String())

	c.sender.Deliver(ctx, delivery.Payload{
		Type:      "outline",
		Data:      delivery.Data{Outline: result.Outline},
		UserID:    key.UserID,
		ChatID:    key.ChatID,
		RequestID: result.Meta.RequestID,
	}, "dàn ý")

	return result.Outline, true
}

// deliverArticle posts the finished article, including a pre-rendered
// HTML body for downstream automation.
func (c *Controller) deliverArticle(ctx context.Context, logger *slog.Logger, key convo.Key, result *pipeline.ArticleResult) {
	html, err := markdown.Render(result.Article.Content)
	if err != nil {
		// The raw Markdown still goes out; HTML is a convenience.
		logger.Warn("article html render failed", "error", err)
	}

	c.sender.Deliver(ctx, delivery.Payload{
		Type:      "article",
		Data:      delivery.Data{Article: result.Article, ContentHTML: html},
		UserID:    key.UserID,
		ChatID:    key.ChatID,
		RequestID: result.Meta.RequestID,
	}, "bài viết")
}

// reportStageError maps a stage failure onto the user-facing error
// policy: timeouts reset the conversation to idle; other failures keep
// the step so the user can retry their last input.
func (c *Controller) reportStageError(ctx context.Context, logger *slog.Logger, key convo.Key, label string, err error) {
	logger.Error("stage failed", "stage", label, "error", err)

	var timeoutErr *llm.TimeoutError
	if errors.As(err, &timeoutErr) {
		c.store.Reset(key)
		c.reply(ctx, key.ChatID, fmt.Sprintf(
			"⏱ Tạo %s quá thời gian cho phép (%ds). Phiên đã được đặt lại, gửi /generate để thử lại.",
			label, int(timeoutErr.After.Seconds())))
		return
	}

	var parseErr *llm.ParseError
	if errors.As(err, &parseErr) {
		c.reply(ctx, key.ChatID, fmt.Sprintf(
			"⚠️ Không đọc được kết quả %s từ mô hình. Vui lòng thử lại.", label))
		return
	}

	c.reply(ctx, key.ChatID, fmt.Sprintf(
		"⚠️ Tạo %s thất bại: %v\nVui lòng thử lại.", label, err))
}

func busyMessage(task convo.Task) string {
	names := map[convo.Task]string{
		convo.TaskTitles:  "tiêu đề",
		convo.TaskOutline: "dàn ý",
		convo.TaskArticle: "bài viết",
	}
	name, ok := names[task]
	if !ok {
		name = "yêu cầu trước"
	}
	return fmt.Sprintf("⚙️ Đang xử lý %s, vui lòng đợi hoàn tất.", name)
}

// sanitizeTopic strips zero-width characters, drops invalid UTF-8, and
// collapses interior whitespace.
func sanitizeTopic(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func (c *Controller) recordStats(userID string, task convo.Task, tokens int, provider string) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	st, ok := c.stats[userID]
	if !ok {
		st = &userStats{tokensByTask: make(map[convo.Task]int)}
		c.stats[userID] = st
	}
	st.tokensByTask[task] += tokens
	st.lastProvider = provider
	if task == convo.TaskArticle {
		st.completed++
	}
}

func (c *Controller) statsMessage(userID string) string {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	st, ok := c.stats[userID]
	if !ok {
		return "📊 Bạn chưa tạo bài viết nào. Gửi /generate để bắt đầu."
	}

	var sb strings.Builder
	sb.WriteString("📊 Thống kê của bạn:\n")
	fmt.Fprintf(&sb, "- Bài viết hoàn thành: %d\n", st.completed)
	fmt.Fprintf(&sb, "- Token tiêu đề: %d\n", st.tokensByTask[convo.TaskTitles])
	fmt.Fprintf(&sb, "- Token dàn ý: %d\n", st.tokensByTask[convo.TaskOutline])
	fmt.Fprintf(&sb, "- Token bài viết: %d\n", st.tokensByTask[convo.TaskArticle])
	if st.lastProvider != "" {
		fmt.Fprintf(&sb, "- Nguồn gần nhất: %s\n", st.lastProvider)
	}
	return sb.String()
}

// reply sends a plain message, logging delivery failures.
func (c *Controller) reply(ctx context.Context, chatID int64, text string) {
	if err := c.messenger.SendMessage(ctx, chatID, text); err != nil {
		c.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

// replyMenu sends a message with the fixed keyboard menu attached.
func (c *Controller) replyMenu(ctx context.Context, chatID int64, text string) {
	if err := c.messenger.SendMessageWithKeyboard(ctx, chatID, text, menuKeyboard()); err != nil {
		c.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

// typing shows the typing indicator; best-effort.
func (c *Controller) typing(ctx context.Context, chatID int64) {
	if err := c.messenger.SendTyping(ctx, chatID); err != nil {
		c.logger.Debug("typing indicator failed", "chat_id", chatID, "error", err)
	}
}
