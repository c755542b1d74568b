// Package export renders a persisted conversation as Markdown or as a standalone HTML page.
package export

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Exporter converts transcripts. The zero value is not usable; use New.
type Exporter struct {
	md goldmark.Markdown
}

// Options tune the rendered output.
type Options struct {
	// Style is the chroma style used for fenced code blocks.
	Style string
	// Reasoning includes reasoning text and the step timeline.
	Reasoning bool
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 52rem; margin: 2rem auto; line-height: 1.5; }
pre { padding: .75rem; overflow-x: auto; }
details { margin: .5rem 0; color: #555; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// New creates an exporter.
func New(opts Options) *Exporter {
	style := opts.Style
	if style == "" {
		style = "github"
	}
	return &Exporter{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle(style)),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Markdown writes the conversation as a Markdown document.
func Markdown(w io.Writer, chat models.ChatDetail, reasoning bool) error {
	var b strings.Builder

	title := chat.Title
	if title == "" {
		title = "Untitled chat"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if chat.Model != "" {
		fmt.Fprintf(&b, "_Model: %s_\n\n", chat.Model)
	}

	for _, msg := range chat.Messages {
		fmt.Fprintf(&b, "## %s", roleLabel(msg.Role))
		if !msg.CreatedAt.IsZero() {
			fmt.Fprintf(&b, " · %s", msg.CreatedAt.Format(time.DateTime))
		}
		b.WriteString("\n\n")

		if reasoning {
			writeTimeline(&b, msg)
		}
		if msg.Content != "" {
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		}
		if msg.Role == models.RoleAssistant && (msg.PromptTokens > 0 || msg.CompletionTokens > 0) {
			fmt.Fprintf(&b, "_%d prompt / %d completion tokens", msg.PromptTokens, msg.CompletionTokens)
			if msg.Cost > 0 {
				fmt.Fprintf(&b, ", $%.6f", msg.Cost)
			}
			b.WriteString("_\n\n")
		}
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write markdown: %w", err)
	}
	return nil
}

// HTML writes the conversation as a standalone HTML page.
func (e *Exporter) HTML(w io.Writer, chat models.ChatDetail, reasoning bool) error {
	var src bytes.Buffer
	if err := Markdown(&src, chat, reasoning); err != nil {
		return err
	}

	var body bytes.Buffer
	if err := e.md.Convert(src.Bytes(), &body); err != nil {
		return fmt.Errorf("failed to render markdown: %w", err)
	}

	title := chat.Title
	if title == "" {
		title = "Untitled chat"
	}
	err := pageTemplate.Execute(w, struct {
		Title string
		Body  template.HTML
	}{
		Title: title,
		// goldmark drops raw HTML from the source unless html.WithUnsafe is set.
		Body: template.HTML(body.String()), //nolint:gosec
	})
	if err != nil {
		return fmt.Errorf("failed to render page: %w", err)
	}
	return nil
}

func writeTimeline(b *strings.Builder, msg models.Message) {
	if len(msg.Steps) == 0 {
		if msg.ReasoningContent != "" {
			writeQuote(b, "Reasoning", msg.ReasoningContent)
		}
		return
	}

	for _, st := range msg.Steps {
		switch st.Type {
		case models.StepTypeReasoning:
			writeQuote(b, fmt.Sprintf("Reasoning (%s)", time.Duration(st.DurationMs)*time.Millisecond), st.Content)
		case models.StepTypeToolCall:
			fmt.Fprintf(b, "**Tool `%s`**", st.ToolName)
			if st.ToolArguments != "" {
				fmt.Fprintf(b, " `%s`", st.ToolArguments)
			}
			b.WriteString("\n\n")
			if st.Content != "" {
				fmt.Fprintf(b, "```\n%s\n```\n\n", st.Content)
			}
		}
	}
}

func writeQuote(b *strings.Builder, label, text string) {
	fmt.Fprintf(b, "> **%s**\n>\n", label)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintf(b, "> %s\n", line)
	}
	b.WriteString("\n")
}

func roleLabel(r models.Role) string {
	switch r {
	case models.RoleUser:
		return "User"
	case models.RoleAssistant:
		return "Assistant"
	case models.RoleSystem:
		return "System"
	case models.RoleTool:
		return "Tool"
	}
	return string(r)
}
