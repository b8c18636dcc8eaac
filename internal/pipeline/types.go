// Package pipeline orchestrates the three generation stages: title
// candidates from a topic, a structured outline from a chosen title, and
// a full article from the outline. Each stage builds a prompt, runs it
// through the provider router, and shapes the parsed output.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/nmtri/pencraft/internal/router"
)

// titleCount is how many title candidates a titles run produces.
const titleCount = 10

// minSections is the smallest outline the article stage accepts.
const minSections = 3

// Inference is the outline's metadata block: what the model inferred
// about the content target before structuring sections.
type Inference struct {
	TargetKeyword      string `json:"targetKeyword"`
	TargetAudience     string `json:"targetAudience"`
	ContentPurpose     string `json:"contentPurpose"`
	EstimatedWordCount int    `json:"estimatedWordCount"`
}

// Section is one outline entry.
type Section struct {
	Heading     string   `json:"heading"`
	Subheadings []string `json:"subheadings,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// Outline is the structured outline produced by the outline stage.
type Outline struct {
	Inference Inference `json:"inference"`
	Sections  []Section `json:"outline"`
}

// Article is the finished artifact produced by the article stage.
type Article struct {
	Content         string   `json:"content"`
	MetaDescription string   `json:"metaDescription"`
	WordCount       int      `json:"wordCount"`
	SuggestedTags   []string `json:"suggestedTags"`
}

// TitlesResult is the title stage output with its provider envelope.
type TitlesResult struct {
	Titles []string
	Meta   *router.Result
}

// OutlineResult is the outline stage output with its provider envelope.
type OutlineResult struct {
	Outline *Outline
	Meta    *router.Result
}

// ArticleResult is the article stage output with its provider envelope.
type ArticleResult struct {
	Article *Article
	Meta    *router.Result
}

// ValidateOutline checks the structural shape the article stage relies
// on: non-empty keyword/audience/purpose inference fields and at least
// three sections, each with a non-empty heading. Malformed outlines are
// rejected before spending a model call.
func ValidateOutline(o *Outline) error {
	if o == nil {
		return fmt.Errorf("outline is nil")
	}
	if strings.TrimSpace(o.Inference.TargetKeyword) == "" {
		return fmt.Errorf("outline inference missing target keyword")
	}
	if strings.TrimSpace(o.Inference.TargetAudience) == "" {
		return fmt.Errorf("outline inference missing target audience")
	}
	if strings.TrimSpace(o.Inference.ContentPurpose) == "" {
		return fmt.Errorf("outline inference missing content purpose")
	}
	if len(o.Sections) < minSections {
		return fmt.Errorf("outline has %d sections, need at least %d", len(o.Sections), minSections)
	}
	for i, sec := range o.Sections {
		if strings.TrimSpace(sec.Heading) == "" {
			return fmt.Errorf("outline section %d has an empty heading", i+1)
		}
	}
	return nil
}
