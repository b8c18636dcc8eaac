package pipeline

import (
	"fmt"
	"strings"
)

// buildTitlesPrompt asks for exactly titleCount SEO title candidates as
// a JSON array of strings.
func buildTitlesPrompt(topic string) string {
	var sb strings.Builder
	sb.WriteString("Bạn là chuyên gia content SEO tiếng Việt.\n")
	fmt.Fprintf(&sb, "Hãy tạo đúng %d tiêu đề bài viết hấp dẫn, chuẩn SEO cho chủ đề sau:\n\n", titleCount)
	fmt.Fprintf(&sb, "Chủ đề: %s\n\n", topic)
	sb.WriteString("Yêu cầu:\n")
	sb.WriteString("- Mỗi tiêu đề dài 50-70 ký tự, chứa từ khóa chính.\n")
	sb.WriteString("- Đa dạng dạng tiêu đề: hướng dẫn, danh sách, câu hỏi, so sánh.\n")
	sb.WriteString("- Không đánh số, không giải thích thêm.\n\n")
	sb.WriteString("Chỉ trả về một mảng JSON gồm các chuỗi, ví dụ:\n")
	sb.WriteString(`["Tiêu đề 1", "Tiêu đề 2"]`)
	return sb.String()
}

// buildOutlinePrompt asks for a structured outline with inference
// metadata for the selected title.
func buildOutlinePrompt(title string) string {
	var sb strings.Builder
	sb.WriteString("Bạn là chuyên gia content SEO tiếng Việt.\n")
	sb.WriteString("Hãy lập dàn ý chi tiết cho bài viết với tiêu đề sau:\n\n")
	fmt.Fprintf(&sb, "Tiêu đề: %s\n\n", title)
	sb.WriteString("Yêu cầu:\n")
	sb.WriteString("- Phân tích từ khóa chính, đối tượng độc giả và mục đích nội dung.\n")
	sb.WriteString("- Ít nhất 5 phần chính, mỗi phần có thể có các mục con và ghi chú triển khai.\n")
	sb.WriteString("- Ước lượng tổng số từ của bài viết.\n\n")
	sb.WriteString("Chỉ trả về JSON theo đúng cấu trúc sau, không thêm giải thích:\n")
	sb.WriteString(`{
  "inference": {
    "targetKeyword": "...",
    "targetAudience": "...",
    "contentPurpose": "...",
    "estimatedWordCount": 1500
  },
  "outline": [
    {"heading": "...", "subheadings": ["..."], "notes": "..."}
  ]
}`)
	return sb.String()
}

// buildArticlePrompt asks for the full article following the outline.
func buildArticlePrompt(title string, outline *Outline) string {
	var sb strings.Builder
	sb.WriteString("Bạn là chuyên gia content SEO tiếng Việt.\n")
	sb.WriteString("Hãy viết bài viết hoàn chỉnh bằng Markdown theo tiêu đề và dàn ý sau.\n\n")
	fmt.Fprintf(&sb, "Tiêu đề: %s\n\n", title)
	fmt.Fprintf(&sb, "Từ khóa chính: %s\n", outline.Inference.TargetKeyword)
	fmt.Fprintf(&sb, "Độc giả mục tiêu: %s\n", outline.Inference.TargetAudience)
	fmt.Fprintf(&sb, "Mục đích nội dung: %s\n", outline.Inference.ContentPurpose)
	if outline.Inference.EstimatedWordCount > 0 {
		fmt.Fprintf(&sb, "Độ dài mục tiêu: khoảng %d từ.\n", outline.Inference.EstimatedWordCount)
	}
	sb.WriteString("\nDàn ý:\n")
	for i, sec := range outline.Sections {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, sec.Heading)
		for _, sub := range sec.Subheadings {
			fmt.Fprintf(&sb, "   - %s\n", sub)
		}
		if sec.Notes != "" {
			fmt.Fprintf(&sb, "   (Ghi chú: %s)\n", sec.Notes)
		}
	}
	sb.WriteString("\nYêu cầu:\n")
	sb.WriteString("- Viết đầy đủ mọi phần trong dàn ý, dùng heading Markdown.\n")
	sb.WriteString("- Giọng văn tự nhiên, chuẩn SEO, không nhồi nhét từ khóa.\n")
	sb.WriteString("- Kèm meta description 150-160 ký tự và 3-5 thẻ tag gợi ý.\n\n")
	sb.WriteString("Chỉ trả về JSON theo đúng cấu trúc sau, không thêm giải thích:\n")
	sb.WriteString(`{
  "content": "# Tiêu đề\n\n...",
  "metaDescription": "...",
  "wordCount": 1500,
  "suggestedTags": ["..."]
}`)
	return sb.String()
}
