package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nmtri/pencraft/internal/convo"
	"github.com/nmtri/pencraft/internal/delivery"
	"github.com/nmtri/pencraft/internal/llm"
	"github.com/nmtri/pencraft/internal/pipeline"
	"github.com/nmtri/pencraft/internal/ratelimit"
	"github.com/nmtri/pencraft/internal/router"
	"github.com/nmtri/pencraft/internal/telegram"
)

// fakeMessenger records outbound messages.
type fakeMessenger struct {
	mu       sync.Mutex
	messages []string
	typings  int
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	return nil
}

func (m *fakeMessenger) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, kb *telegram.ReplyKeyboardMarkup) error {
	return m.SendMessage(ctx, chatID, text)
}

func (m *fakeMessenger) SendTyping(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typings++
	return nil
}

func (m *fakeMessenger) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return ""
	}
	return m.messages[len(m.messages)-1]
}

func (m *fakeMessenger) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

// fakeStages serves canned pipeline results and counts stage calls.
type fakeStages struct {
	mu          sync.Mutex
	titleCalls  int
	outlineErr  error
	articleErr  error
	titlesErr   error
	outlineRuns int
	articleRuns int
}

func meta(provider string) *router.Result {
	return &router.Result{Provider: provider, RequestID: "req-1", TokensUsed: 100}
}

func tenTitles() []string {
	return []string{
		"Cách làm bánh mì Việt Nam giòn rụm tại nhà",
		"Bí quyết nhồi bột bánh mì chuẩn vị",
		"Bánh mì Việt Nam: từ lò nướng đến bàn ăn",
		"Hướng dẫn làm bánh mì cho người mới bắt đầu",
		"5 lỗi thường gặp khi làm bánh mì",
		"Bánh mì thủ công: công thức truyền thống",
		"Làm bánh mì không cần máy trộn",
		"Bánh mì vỏ giòn ruột xốp: toàn bộ quy trình",
		"Từ bột mì đến bánh mì: hành trình 4 tiếng",
		"Bánh mì Việt trong căn bếp nhỏ",
	}
}

func sampleOutline() *pipeline.Outline {
	return &pipeline.Outline{
		Inference: pipeline.Inference{
			TargetKeyword:  "cách làm bánh mì",
			TargetAudience: "người mới vào bếp",
			ContentPurpose: "hướng dẫn",
		},
		Sections: []pipeline.Section{
			{Heading: "Chuẩn bị nguyên liệu"},
			{Heading: "Nhồi và ủ bột"},
			{Heading: "Nướng bánh"},
		},
	}
}

func (f *fakeStages) GenerateTitles(ctx context.Context, topic string) (*pipeline.TitlesResult, error) {
	f.mu.Lock()
	f.titleCalls++
	f.mu.Unlock()
	if f.titlesErr != nil {
		return nil, f.titlesErr
	}
	return &pipeline.TitlesResult{Titles: tenTitles(), Meta: meta("openai")}, nil
}

func (f *fakeStages) GenerateOutline(ctx context.Context, title string) (*pipeline.OutlineResult, error) {
	f.mu.Lock()
	f.outlineRuns++
	f.mu.Unlock()
	if f.outlineErr != nil {
		return nil, f.outlineErr
	}
	return &pipeline.OutlineResult{Outline: sampleOutline(), Meta: meta("openai")}, nil
}

func (f *fakeStages) GenerateArticle(ctx context.Context, title string, outline *pipeline.Outline) (*pipeline.ArticleResult, error) {
	f.mu.Lock()
	f.articleRuns++
	f.mu.Unlock()
	if f.articleErr != nil {
		return nil, f.articleErr
	}
	return &pipeline.ArticleResult{
		Article: &pipeline.Article{
			Content:         "# Cách làm bánh mì\n\nNội dung đầy đủ của bài viết.",
			MetaDescription: "Hướng dẫn làm bánh mì.",
			WordCount:       1500,
			SuggestedTags:   []string{"bánh mì"},
		},
		Meta: meta("anthropic"),
	}, nil
}

// fakeDeliverer records delivered payloads.
type fakeDeliverer struct {
	mu       sync.Mutex
	payloads []delivery.Payload
}

func (d *fakeDeliverer) Deliver(ctx context.Context, p delivery.Payload, label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, p)
}

func (d *fakeDeliverer) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.payloads))
	for i, p := range d.payloads {
		out[i] = p.Type
	}
	return out
}

type fixture struct {
	controller *Controller
	store      *convo.Store
	messenger  *fakeMessenger
	stages     *fakeStages
	deliverer  *fakeDeliverer
	limiter    *ratelimit.Limiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     convo.NewStore(nil),
		messenger: &fakeMessenger{},
		stages:    &fakeStages{},
		deliverer: &fakeDeliverer{},
		limiter:   ratelimit.New(0), // disabled unless a test opts in
	}
	f.controller = NewController(Config{
		Store:     f.store,
		Limiter:   f.limiter,
		Stages:    f.stages,
		Sender:    f.deliverer,
		Messenger: f.messenger,
	})
	return f
}

func update(text string) telegram.Update {
	return telegram.Update{Message: &telegram.Message{
		From: &telegram.User{ID: 42},
		Chat: telegram.Chat{ID: 42},
		Text: text,
	}}
}

func (f *fixture) send(text string) {
	f.controller.HandleUpdate(context.Background(), update(text))
}

var testKey = convo.Key{UserID: "42", ChatID: 42}

func TestFullGenerationFlow(t *testing.T) {
	f := newFixture(t)

	f.send("/generate")
	if st := f.store.GetOrCreate(testKey); st.Step != convo.StepWaitingTopic {
		t.Fatalf("step after /generate = %v", st.Step)
	}

	f.send("cách làm bánh mì Việt Nam")
	st := f.store.GetOrCreate(testKey)
	if st.Step != convo.StepWaitingTitleSelection {
		t.Fatalf("step after topic = %v", st.Step)
	}
	if len(st.GeneratedTitles) != 10 {
		t.Fatalf("titles stored = %d, want 10", len(st.GeneratedTitles))
	}
	if !strings.Contains(f.messenger.last(), "1.") || !strings.Contains(f.messenger.last(), "10.") {
		t.Error("title list reply should number candidates 1 through 10")
	}

	f.send("3")

	// Outline and article were both generated and delivered, then the
	// conversation returned to the idle baseline with no lock held.
	if got := f.deliverer.types(); len(got) != 2 || got[0] != "outline" || got[1] != "article" {
		t.Fatalf("delivered payload types = %v, want [outline article]", got)
	}
	if f.stages.outlineRuns != 1 || f.stages.articleRuns != 1 {
		t.Errorf("stage runs outline=%d article=%d, want 1 each", f.stages.outlineRuns, f.stages.articleRuns)
	}
	st = f.store.GetOrCreate(testKey)
	if st.Step != convo.StepIdle {
		t.Errorf("final step = %v, want idle", st.Step)
	}
	if st.IsProcessing {
		t.Error("no processing lock may remain after the flow completes")
	}
	if !strings.Contains(f.messenger.last(), "1500") {
		t.Errorf("completion message should carry the word count: %q", f.messenger.last())
	}

	// The article payload carries the rendered HTML body.
	f.deliverer.mu.Lock()
	article := f.deliverer.payloads[1]
	f.deliverer.mu.Unlock()
	if !strings.Contains(article.Data.ContentHTML, "<h1") {
		t.Errorf("article ContentHTML = %q, want rendered heading", article.Data.ContentHTML)
	}
	if article.RequestID == "" {
		t.Error("article payload should carry the request id")
	}
}

func TestTopicTooShortKeepsStepWithoutModelCall(t *testing.T) {
	f := newFixture(t)
	f.send("/generate")
	f.send("abc")

	if f.stages.titleCalls != 0 {
		t.Error("invalid topic must not reach the title stage")
	}
	st := f.store.GetOrCreate(testKey)
	if st.Step != convo.StepWaitingTopic {
		t.Errorf("step = %v, want to stay waiting for a topic", st.Step)
	}
	if !strings.Contains(f.messenger.last(), "5-200") {
		t.Errorf("rejection should state the bounds: %q", f.messenger.last())
	}
}

func TestTopicSanitization(t *testing.T) {
	f := newFixture(t)
	f.send("/generate")
	f.send("  cách   làm​   bánh mì  ")

	st := f.store.GetOrCreate(testKey)
	if st.Topic != "cách làm bánh mì" {
		t.Errorf("stored topic = %q", st.Topic)
	}
}

func TestSelectionOutOfRangeRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.send("/generate")
	f.send("cách làm bánh mì Việt Nam")

	for _, bad := range []string{"0", "11", "ba", "-1"} {
		f.send(bad)
		st := f.store.GetOrCreate(testKey)
		if st.Step != convo.StepWaitingTitleSelection {
			t.Errorf("after %q step = %v, want selection unchanged", bad, st.Step)
		}
	}
	if f.stages.outlineRuns != 0 {
		t.Error("rejected selections must not start the outline stage")
	}
}

func TestSelectionBeyondStoredTitlesResets(t *testing.T) {
	f := newFixture(t)
	f.send("/generate")
	f.send("cách làm bánh mì Việt Nam")

	// Shrink the stored list to simulate desync with the user's view.
	f.store.Update(testKey, func(cv *convo.Conversation) {
		cv.GeneratedTitles = cv.GeneratedTitles[:4]
	})

	f.send("7")
	st := f.store.GetOrCreate(testKey)
	if st.Step != convo.StepIdle {
		t.Errorf("step = %v, want reset to idle", st.Step)
	}
	if f.stages.outlineRuns != 0 {
		t.Error("desynced selection must not start the outline stage")
	}
}

func TestBusyConversationRejectsNewTopic(t *testing.T) {
	f := newFixture(t)
	f.send("/generate")

	// Simulate a stage already holding the lock.
	gen, ok := f.store.TryAcquireLock(testKey, convo.TaskOutline)
	if !ok {
		t.Fatal("setup: lock acquisition failed")
	}
	defer f.store.ReleaseLock(testKey, gen)

	f.send("cách làm bánh mì Việt Nam")
	if f.stages.titleCalls != 0 {
		t.Error("locked conversation must not start a new stage")
	}
	if !strings.Contains(f.messenger.last(), "dàn ý") {
		t.Errorf("busy message should name the running task: %q", f.messenger.last())
	}
}

func TestGenerateWhileProcessingRejected(t *testing.T) {
	f := newFixture(t)
	gen, _ := f.store.TryAcquireLock(testKey, convo.TaskArticle)
	defer f.store.ReleaseLock(testKey, gen)

	f.send("/generate")
	st := f.store.GetOrCreate(testKey)
	if st.Step == convo.StepWaitingTopic {
		t.Error("busy conversation must not transition to waiting_topic")
	}
	if !strings.Contains(f.messenger.last(), "bài viết") {
		t.Errorf("busy message should name the running task: %q", f.messenger.last())
	}
}

func TestCancelResetsEvenMidProcessing(t *testing.T) {
	f := newFixture(t)
	f.send("/generate")
	f.store.TryAcquireLock(testKey, convo.TaskTitles)

	f.send("/cancel")
	st := f.store.GetOrCreate(testKey)
	if st.Step != convo.StepIdle || st.IsProcessing {
		t.Errorf("after /cancel: step=%v processing=%v, want idle and unlocked", st.Step, st.IsProcessing)
	}
}

func TestRateLimitBlocksContentTurnsNotCommands(t *testing.T) {
	f := newFixture(t)
	f.limiter.SetLimit(1)

	f.send("/generate")
	f.send("cách làm bánh mì Việt Nam") // consumes the single slot

	f.send("một tin nhắn khác")
	if !strings.Contains(f.messenger.last(), "quá nhiều yêu cầu") {
		t.Errorf("second content turn should be rate limited: %q", f.messenger.last())
	}

	// Commands bypass admission control entirely.
	f.send("/stats")
	if strings.Contains(f.messenger.last(), "quá nhiều yêu cầu") {
		t.Error("/stats must bypass the rate limiter")
	}
}

func TestTimeoutResetsConversation(t *testing.T) {
	f := newFixture(t)
	f.stages.titlesErr = &llm.TimeoutError{After: 60 * time.Second}

	f.send("/generate")
	f.send("cách làm bánh mì Việt Nam")

	st := f.store.GetOrCreate(testKey)
	if st.Step != convo.StepIdle {
		t.Errorf("step after timeout = %v, want idle", st.Step)
	}
	if !strings.Contains(f.messenger.last(), "60") {
		t.Errorf("timeout message should state the limit in seconds: %q", f.messenger.last())
	}
}

func TestParseErrorKeepsStepForRetry(t *testing.T) {
	f := newFixture(t)
	f.stages.titlesErr = &llm.ParseError{Sample: "xin chào"}

	f.send("/generate")
	f.send("cách làm bánh mì Việt Nam")

	st := f.store.GetOrCreate(testKey)
	if st.Step != convo.StepWaitingTopic {
		t.Errorf("step after parse failure = %v, want waiting_topic for retry", st.Step)
	}
	if st.IsProcessing {
		t.Error("lock must be released after a failed stage")
	}
}

func TestOutlineFailureStopsChain(t *testing.T) {
	f := newFixture(t)
	f.stages.outlineErr = &llm.ParseError{Sample: "không phải json"}

	f.send("/generate")
	f.send("cách làm bánh mì Việt Nam")
	f.send("1")

	if f.stages.articleRuns != 0 {
		t.Error("article stage must not run when the outline stage fails")
	}
	if len(f.deliverer.types()) != 0 {
		t.Errorf("no payloads should be delivered, got %v", f.deliverer.types())
	}
	st := f.store.GetOrCreate(testKey)
	if st.IsProcessing {
		t.Error("lock must be released after a failed stage")
	}
}

func TestArticleFailureReturnsToSelection(t *testing.T) {
	f := newFixture(t)
	f.stages.articleErr = errors.New("backend exhausted")

	f.send("/generate")
	f.send("cách làm bánh mì Việt Nam")
	f.send("1")

	st := f.store.GetOrCreate(testKey)
	if st.Step != convo.StepWaitingTitleSelection {
		t.Errorf("step after article failure = %v, want waiting_title_selection for retry", st.Step)
	}
	if st.IsProcessing {
		t.Error("lock must be released after a failed stage")
	}

	// The retry goes through the selection handler again, not the
	// outline-in-progress reply.
	f.stages.articleErr = nil
	f.send("1")
	if f.stages.articleRuns != 2 {
		t.Errorf("articleRuns = %d, want 2 after retrying the pick", f.stages.articleRuns)
	}
	if got := f.deliverer.types(); len(got) == 0 || got[len(got)-1] != "article" {
		t.Errorf("delivered types = %v, want article last", got)
	}
}

func TestStatsLifecycle(t *testing.T) {
	f := newFixture(t)

	f.send("/stats")
	if !strings.Contains(f.messenger.last(), "chưa tạo bài viết nào") {
		t.Errorf("empty stats message: %q", f.messenger.last())
	}

	f.send("/generate")
	f.send("cách làm bánh mì Việt Nam")
	f.send("2")

	f.send("/stats")
	msg := f.messenger.last()
	if !strings.Contains(msg, "Bài viết hoàn thành: 1") {
		t.Errorf("stats should count the completed article: %q", msg)
	}
	if !strings.Contains(msg, "anthropic") {
		t.Errorf("stats should name the last provider: %q", msg)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	f.send("/frobnicate")
	if !strings.Contains(f.messenger.last(), "/help") {
		t.Errorf("unknown command should point at /help: %q", f.messenger.last())
	}
}

func TestCommandWithBotSuffix(t *testing.T) {
	f := newFixture(t)
	f.send("/generate@pencraft_bot")
	st := f.store.GetOrCreate(testKey)
	if st.Step != convo.StepWaitingTopic {
		t.Errorf("step = %v, want waiting_topic from suffixed command", st.Step)
	}
}

func TestIdleFreeTextPromptsGenerate(t *testing.T) {
	f := newFixture(t)
	f.send("xin chào")
	if !strings.Contains(f.messenger.last(), "/generate") {
		t.Errorf("idle free text should point at /generate: %q", f.messenger.last())
	}
}
