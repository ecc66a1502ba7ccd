package portal

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Markdown renders model answers to HTML. Raw HTML in the source is dropped.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates a GitHub-flavoured markdown renderer
func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Render converts text to HTML. A nil renderer returns "" so templates fall
// back to plain text.
func (m *Markdown) Render(text string) template.HTML {
	if m == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return template.HTML(buf.String())
}
