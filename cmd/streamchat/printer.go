package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/stream"
	"github.com/fatih/color"
)

// livePrinter writes a streaming turn to w as its state grows. It follows the first conversation it sees
// unless chatID is set.
type livePrinter struct {
	w             io.Writer
	showReasoning bool

	mu        sync.Mutex
	chatID    string
	reasoning int
	content   int
	open      bool
	calls     map[string]bool
	results   map[string]bool
}

func newLivePrinter(w io.Writer, chatID string, showReasoning bool) *livePrinter {
	return &livePrinter{
		w:             w,
		chatID:        chatID,
		showReasoning: showReasoning,
		calls:         map[string]bool{},
		results:       map[string]bool{},
	}
}

func (p *livePrinter) observe(ch stream.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.chatID == "" {
		p.chatID = ch.ChatID
	}
	if ch.ChatID != p.chatID || ch.Removed {
		return
	}
	st := ch.State

	if p.showReasoning && len(st.Reasoning) > p.reasoning {
		fmt.Fprint(p.w, color.HiBlackString(st.Reasoning[p.reasoning:]))
		p.reasoning = len(st.Reasoning)
		p.open = true
	}

	for _, tc := range st.ToolCalls {
		if p.calls[tc.ID] {
			continue
		}
		p.calls[tc.ID] = true
		p.breakLine()
		fmt.Fprintf(p.w, "%s %s(%s)\n", color.YellowString("⚙"), tc.Name, tc.Arguments)
	}
	for _, tc := range st.ToolCalls {
		res, ok := st.ToolResults[tc.ID]
		if !ok || p.results[tc.ID] {
			continue
		}
		p.results[tc.ID] = true
		fmt.Fprintf(p.w, "  %s %s\n", color.YellowString("→"), res)
	}

	if len(st.Content) > p.content {
		p.breakLine()
		fmt.Fprint(p.w, st.Content[p.content:])
		p.content = len(st.Content)
	}
}

// breakLine ends a reasoning block that is still open on the current line.
func (p *livePrinter) breakLine() {
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}

// wrote reports whether any answer text was printed.
func (p *livePrinter) wrote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content > 0
}

func printStats(w io.Writer, t stream.Totals) {
	parts := []string{fmt.Sprintf("%d tokens", t.Usage.TotalTokens)}
	if t.Cost > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", t.Cost))
	}
	if t.Model != "" {
		parts = append(parts, t.Model)
	}
	fmt.Fprintln(w, color.HiBlackString(strings.Join(parts, " · ")))
}

func printChats(w io.Writer, chats []models.Chat) {
	if len(chats) == 0 {
		fmt.Fprintln(w, color.HiBlackString("No chats yet"))
		return
	}
	for _, c := range chats {
		title := c.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			color.CyanString(c.ID),
			title,
			color.HiBlackString(c.UpdatedAt.Local().Format(time.DateTime)))
	}
}

func printModels(w io.Writer, list []models.ModelInfo, recent []string) {
	for _, id := range recent {
		fmt.Fprintf(w, "%s %s\n", color.GreenString("*"), id)
	}
	for _, m := range list {
		if slices.Contains(recent, m.ID) {
			continue
		}
		line := "  " + m.ID
		if m.OwnedBy != "" {
			line += " " + color.HiBlackString("("+m.OwnedBy+")")
		}
		fmt.Fprintln(w, line)
	}
}

func printTranscript(w io.Writer, chat models.ChatDetail, showReasoning bool) {
	title := chat.Title
	if title == "" {
		title = "Untitled chat"
	}
	fmt.Fprintln(w, color.New(color.FgCyan, color.Bold).Sprint(title))
	fmt.Fprintln(w)

	for _, msg := range chat.Messages {
		if msg.Role == models.RoleUser {
			fmt.Fprintln(w, color.GreenString("You"))
			fmt.Fprintln(w, msg.Content)
			fmt.Fprintln(w)
			continue
		}

		fmt.Fprintln(w, color.CyanString("Assistant"))
		for _, st := range msg.Steps {
			switch st.Type {
			case models.StepTypeReasoning:
				d := time.Duration(st.DurationMs) * time.Millisecond
				fmt.Fprintln(w, color.HiBlackString("▸ Thought for %s", d.Round(100*time.Millisecond)))
				if showReasoning {
					fmt.Fprintln(w, color.HiBlackString(st.Content))
				}
			case models.StepTypeToolCall:
				fmt.Fprintf(w, "%s %s(%s) → %s\n", color.YellowString("⚙"), st.ToolName, st.ToolArguments, st.Content)
			}
		}
		if len(msg.Steps) == 0 && showReasoning && msg.ReasoningContent != "" {
			fmt.Fprintln(w, color.HiBlackString(msg.ReasoningContent))
		}
		fmt.Fprintln(w, msg.Content)
		printStats(w, stream.TotalsOf([]models.Message{msg}))
		fmt.Fprintln(w)
	}
}
