// Package tui provides a terminal chat client on top of stream.Controller using Bubble Tea.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/stream"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Background(lipgloss.Color("236")).
			Padding(0, 1)
)

const (
	sidebarWidth = 28
	chromeHeight = 6
)

// Options tunes the messages the TUI sends.
type Options struct {
	Model         string
	Effort        string
	ShowReasoning bool
}

type noticeMsg stream.Notice

type sendDoneMsg struct {
	err error
}

type openDoneMsg struct {
	err error
}

// Model is the Bubble Tea model of the chat client. All conversation state lives in the controller; the
// model only keeps what is needed to draw it.
type Model struct {
	ctx  context.Context
	ctrl *stream.Controller
	opts Options

	spinner  spinner.Model
	input    textinput.Model
	viewport viewport.Model

	width     int
	height    int
	ready     bool
	listFocus bool
	cursor    int
	err       error
	now       func() time.Time
}

// New creates the model. ctx bounds every request the model starts.
func New(ctx context.Context, ctrl *stream.Controller, opts Options) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	ti := textinput.New()
	ti.Placeholder = "Send a message (tab: chats, ctrl+n: new, ctrl+s: stop, ctrl+c: quit)"
	ti.Prompt = "› "
	ti.Focus()

	return Model{
		ctx:     ctx,
		ctrl:    ctrl,
		opts:    opts,
		spinner: s,
		input:   ti,
		now:     time.Now,
	}
}

// Run starts the TUI and blocks until the user quits or ctx is done.
func Run(ctx context.Context, ctrl *stream.Controller, opts Options) error {
	p := tea.NewProgram(New(ctx, ctrl, opts), tea.WithAltScreen(), tea.WithContext(ctx))

	// Notices only trigger a redraw, so their order does not matter. Sending from a separate goroutine
	// keeps the writer that raised them from waiting on the UI loop.
	unsubscribe := ctrl.Subscribe(func(n stream.Notice) {
		go p.Send(noticeMsg(n))
	})
	defer unsubscribe()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		m.refreshChats(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.ctrl.Close()
			return m, tea.Quit

		case "tab":
			m.listFocus = !m.listFocus
			if m.listFocus {
				m.input.Blur()
			} else {
				cmds = append(cmds, m.input.Focus())
			}

		case "ctrl+n":
			m.err = nil
			m.ctrl.Focus("")

		case "ctrl+s", "esc":
			m.ctrl.Stop(m.ctrl.Current())

		case "up", "k":
			if m.listFocus && m.cursor > 0 {
				m.cursor--
			}

		case "down", "j":
			if m.listFocus && m.cursor < len(m.ctrl.Chats())-1 {
				m.cursor++
			}

		case "enter":
			if m.listFocus {
				chats := m.ctrl.Chats()
				if m.cursor < len(chats) {
					m.listFocus = false
					m.err = nil
					cmds = append(cmds, m.input.Focus(), m.open(chats[m.cursor].ID))
				}
				break
			}

			content := strings.TrimSpace(m.input.Value())
			if content == "" {
				break
			}
			m.input.Reset()
			m.err = nil
			m.refreshView()
			return m, m.send(content)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.viewportSize()
		if !m.ready {
			m.viewport = viewport.New(w, h)
			m.ready = true
		} else {
			m.viewport.Width = w
			m.viewport.Height = h
		}
		m.input.Width = w - 2

	case noticeMsg:
		if msg.Kind == stream.NoticeError && msg.Err != nil {
			m.err = msg.Err
		}

	case sendDoneMsg:
		if msg.err != nil {
			m.err = msg.err
		}

	case openDoneMsg:
		if msg.err != nil {
			m.err = msg.err
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if !m.listFocus {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.refreshView()
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n  %s Loading...", m.spinner.View())
	}

	sidebar := boxStyle.
		Width(sidebarWidth).
		Height(m.height - chromeHeight + 2).
		Render(m.viewChats())

	main := lipgloss.JoinVertical(lipgloss.Left,
		boxStyle.Width(m.viewport.Width+2).Render(m.viewport.View()),
		m.input.View(),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, sidebar, main),
		m.viewStatus(),
	)
}

func (m Model) viewChats() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Chats"))
	b.WriteString("\n\n")

	current := m.ctrl.Current()
	for i, chat := range m.ctrl.Chats() {
		title := chat.Title
		if title == "" {
			title = "Untitled"
		}
		title = truncate(title, sidebarWidth-6)

		marker := "  "
		if chat.ID == current {
			marker = "▶ "
		}
		line := marker + title
		if m.ctrl.IsGenerating(chat.ID) {
			line += " " + m.spinner.View()
		}

		switch {
		case m.listFocus && i == m.cursor:
			line = activeStyle.Render(line)
		case chat.ID == current:
			line = userStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewStatus() string {
	current := m.ctrl.Current()
	if m.err != nil {
		return errorStyle.Render("error: " + m.err.Error())
	}

	phase := string(m.ctrl.Phase(current))
	if current == "" {
		phase = "new chat"
	}
	stats := m.ctrl.Stats()
	status := fmt.Sprintf("%s · %d tokens · $%.4f", phase, stats.Usage.TotalTokens, stats.Cost)
	if stats.Model != "" {
		status += " · " + stats.Model
	}
	if n := len(m.ctrl.Store().Active()); n > 0 {
		status += fmt.Sprintf(" · %d generating", n)
	}
	return statusBarStyle.Render(status)
}

func (m Model) viewportSize() (int, int) {
	w := m.width - sidebarWidth - 8
	if w < 20 {
		w = 20
	}
	h := m.height - chromeHeight
	if h < 3 {
		h = 3
	}
	return w, h
}

func (m *Model) refreshView() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(RenderMessages(m.ctrl.Visible(), m.viewport.Width, m.opts.ShowReasoning, m.now()))
	m.viewport.GotoBottom()
}

func (m Model) send(content string) tea.Cmd {
	req := stream.SendRequest{
		ChatID:  m.ctrl.Current(),
		Content: content,
		Model:   m.opts.Model,
	}
	if m.opts.Effort != "" {
		req.Reasoning = &models.ReasoningConfig{Effort: m.opts.Effort}
	}
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		_, err := ctrl.Send(ctx, req)
		return sendDoneMsg{err: err}
	}
}

func (m Model) open(chatID string) tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		return openDoneMsg{err: ctrl.Open(ctx, chatID)}
	}
}

func (m Model) refreshChats() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		return openDoneMsg{err: ctrl.RefreshChats(ctx)}
	}
}

// RenderMessages draws a transcript. The streaming placeholder is marked as in progress.
func RenderMessages(msgs []models.Message, width int, showReasoning bool, now time.Time) string {
	body := lipgloss.NewStyle().Width(width)

	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			b.WriteString(userStyle.Render("You"))
		default:
			header := "Assistant"
			if msg.ID == stream.StreamingMessageID {
				header += " …"
			}
			b.WriteString(titleStyle.Render(header))
		}
		b.WriteString("\n")

		if msg.Role == models.RoleAssistant {
			writeSteps(&b, msg, body, showReasoning)
		}
		if msg.Content != "" {
			b.WriteString(body.Render(msg.Content))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeSteps(b *strings.Builder, msg models.Message, body lipgloss.Style, showReasoning bool) {
	if len(msg.Steps) == 0 && msg.ReasoningContent != "" && showReasoning {
		b.WriteString(infoStyle.Render(body.Render(msg.ReasoningContent)))
		b.WriteString("\n")
		return
	}

	for _, st := range msg.Steps {
		switch st.Type {
		case models.StepTypeReasoning:
			label := "Thinking…"
			if st.IsComplete {
				label = fmt.Sprintf("Thought for %s", formatDuration(st.DurationMs))
			}
			b.WriteString(infoStyle.Render("▸ " + label))
			b.WriteString("\n")
			if showReasoning && st.Content != "" {
				b.WriteString(infoStyle.Render(body.Render(st.Content)))
				b.WriteString("\n")
			}

		case models.StepTypeToolCall:
			line := fmt.Sprintf("⚙ %s(%s)", st.ToolName, st.ToolArguments)
			if st.IsComplete {
				line += " → " + truncate(st.Content, 80)
			} else {
				line += " …"
			}
			b.WriteString(toolStyle.Render(line))
			b.WriteString("\n")
		}
	}
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
