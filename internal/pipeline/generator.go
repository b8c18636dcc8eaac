package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nmtri/pencraft/internal/llm"
	"github.com/nmtri/pencraft/internal/router"
)

// TextGenerator abstracts the provider router for testability. The real
// implementation is *router.Router.
type TextGenerator interface {
	Generate(ctx context.Context, task router.Task, prompt string) (*router.Result, error)
}

// Generator composes prompts with user input and shapes router output
// into stage result types.
type Generator struct {
	router TextGenerator
	logger *slog.Logger
}

// NewGenerator creates a content pipeline on top of the given router.
func NewGenerator(r TextGenerator, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		router: r,
		logger: logger.With("component", "pipeline"),
	}
}

// GenerateTitles produces up to titleCount title candidates for a topic.
func (g *Generator) GenerateTitles(ctx context.Context, topic string) (*TitlesResult, error) {
	res, err := g.router.Generate(ctx, router.TaskTitles, buildTitlesPrompt(topic))
	if err != nil {
		return nil, fmt.Errorf("titles stage: %w", err)
	}

	raw, err := llm.ParseInto[[]string](res.Text)
	if err != nil {
		return nil, fmt.Errorf("titles stage: %w", err)
	}

	titles := make([]string, 0, titleCount)
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		titles = append(titles, t)
		if len(titles) == titleCount {
			break
		}
	}
	if len(titles) == 0 {
		return nil, &llm.ParseError{
			Sample: res.Text[:min(len(res.Text), 200)],
			Err:    fmt.Errorf("model produced no usable titles"),
		}
	}

	g.logger.Debug("titles generated",
		"count", len(titles),
		"provider", res.Provider,
	)
	return &TitlesResult{Titles: titles, Meta: res}, nil
}

// GenerateOutline produces a structured outline for the selected title.
func (g *Generator) GenerateOutline(ctx context.Context, title string) (*OutlineResult, error) {
	res, err := g.router.Generate(ctx, router.TaskOutline, buildOutlinePrompt(title))
	if err != nil {
		return nil, fmt.Errorf("outline stage: %w", err)
	}

	outline, err := llm.ParseInto[Outline](res.Text)
	if err != nil {
		return nil, fmt.Errorf("outline stage: %w", err)
	}
	if err := ValidateOutline(&outline); err != nil {
		return nil, fmt.Errorf("outline stage: model output invalid: %w", err)
	}

	g.logger.Debug("outline generated",
		"sections", len(outline.Sections),
		"keyword", outline.Inference.TargetKeyword,
		"provider", res.Provider,
	)
	return &OutlineResult{Outline: &outline, Meta: res}, nil
}

// GenerateArticle produces the full article from the title and outline.
// The outline's structural shape is validated before spending a model
// call; a malformed outline is rejected up front.
func (g *Generator) GenerateArticle(ctx context.Context, title string, outline *Outline) (*ArticleResult, error) {
	if err := ValidateOutline(outline); err != nil {
		return nil, fmt.Errorf("article stage: %w", err)
	}

	res, err := g.router.Generate(ctx, router.TaskArticle, buildArticlePrompt(title, outline))
	if err != nil {
		return nil, fmt.Errorf("article stage: %w", err)
	}

	article, err := llm.ParseInto[Article](res.Text)
	if err != nil {
		return nil, fmt.Errorf("article stage: %w", err)
	}
	if strings.TrimSpace(article.Content) == "" {
		return nil, &llm.ParseError{
			Sample: res.Text[:min(len(res.Text), 200)],
			Err:    fmt.Errorf("model produced an empty article body"),
		}
	}
	if article.WordCount == 0 {
		article.WordCount = len(strings.Fields(article.Content))
	}

	g.logger.Debug("article generated",
		"word_count", article.WordCount,
		"tags", len(article.SuggestedTags),
		"provider", res.Provider,
	)
	return &ArticleResult{Article: &article, Meta: res}, nil
}
