package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/stream"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const fallbackTitleLength = 40

// HandleCreateChat creates an empty chat bound to the requested model, or to the default model when the
// body names none, and broadcasts it to chat list subscribers.
func (m Main) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req models.NewChatRequest
	// The body is optional.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		m.httpError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Model == "" {
		req.Model = m.defaultModel
	}

	now := m.now()
	chat := models.Chat{
		ID:        uuid.New().String(),
		Model:     req.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := m.store.AddChat(r.Context(), chat)
	if err != nil {
		m.httpError(w, http.StatusInternalServerError, "Failed to add chat", err)
		return
	}
	chat.ID = id

	m.publishChat(chat)
	m.writeJSON(w, chat)
}

// HandleChats lists chats, most recently updated first.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.httpError(w, http.StatusInternalServerError, "Failed to get chats", err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	m.writeJSON(w, chats)
}

// HandleChat returns a chat with its persisted messages.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")

	chat, err := m.store.Chat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		m.httpError(w, http.StatusInternalServerError, "Failed to get chat", err)
		return
	}

	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.httpError(w, http.StatusInternalServerError, "Failed to get messages", err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	m.writeJSON(w, models.ChatDetail{Chat: chat, Messages: messages})
}

// HandleModels returns the model catalog of the upstream provider. The catalog is served from the model
// cache when one is configured.
func (m Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	if m.modelLister == nil {
		list := []models.ModelInfo{}
		if m.defaultModel != "" {
			list = append(list, models.ModelInfo{ID: m.defaultModel})
		}
		m.writeJSON(w, list)
		return
	}

	var list []models.ModelInfo
	if m.modelCache != nil {
		hit, err := m.modelCache.Get(modelsCacheKey, &list)
		if err != nil {
			m.logger.Warn("Failed to read model cache", slog.String(errLoggerKey, err.Error()))
		}
		if hit {
			m.writeJSON(w, list)
			return
		}
	}

	list, err := m.modelLister.Models(r.Context())
	if err != nil {
		m.httpError(w, http.StatusBadGateway, "Failed to list models", err)
		return
	}
	if list == nil {
		list = []models.ModelInfo{}
	}

	if m.modelCache != nil {
		if err := m.modelCache.Set(modelsCacheKey, list); err != nil {
			m.logger.Warn("Failed to write model cache", slog.String(errLoggerKey, err.Error()))
		}
	}
	m.writeJSON(w, list)
}

// HandleMessages stores the user message and streams the assistant's turn back as server-sent events.
//
// A turn emits, in order: reasoning steps, answer content, up to maxToolRounds rounds of tool calls with
// their results, a title on the first turn of a chat, message_finalized once the assistant message is
// persisted and finally done with the accounting. An upstream failure ends the stream with an error event
// instead. When the client goes away mid-turn, whatever was generated so far is still persisted.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")

	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.httpError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		http.Error(w, "Content is required", http.StatusBadRequest)
		return
	}
	if req.Reasoning != nil && !models.ValidEffort(req.Reasoning.Effort) {
		http.Error(w, fmt.Sprintf("Invalid reasoning effort %q", req.Reasoning.Effort), http.StatusBadRequest)
		return
	}

	chat, err := m.store.Chat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		m.httpError(w, http.StatusInternalServerError, "Failed to get chat", err)
		return
	}

	history, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.httpError(w, http.StatusInternalServerError, "Failed to get messages", err)
		return
	}

	um := models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleUser,
		Content:     content,
		Attachments: req.AttachmentIDs,
		CreatedAt:   m.now(),
	}
	userMsgID, err := m.store.AddMessage(r.Context(), chatID, um)
	if err != nil {
		m.httpError(w, http.StatusInternalServerError, "Failed to add user message", err)
		return
	}
	um.ID = userMsgID

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.httpError(w, http.StatusInternalServerError, "Streaming unsupported", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	t := &turnRun{
		Main:   m,
		chat:   chat,
		sess:   sess,
		cancel: cancel,
		logger: m.logger.With(slog.String("chatID", chatID)),
	}
	t.run(ctx, append(history, um), req.Reasoning, len(history) == 0)
}

// turnRun is one assistant turn being generated for a connected client.
type turnRun struct {
	Main

	chat   models.Chat
	sess   *sse.Session
	cancel context.CancelFunc
	logger *slog.Logger

	msg       models.Message
	reasoning *models.Step
	reasonAt  time.Time
	stepIndex int

	usage *models.Usage
	cost  *float64
	model string
}

func (t *turnRun) run(ctx context.Context, history []models.Message, reasoning *models.ReasoningConfig, first bool) {
	start := t.now()
	t.msg = models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Model:     t.chat.Model,
		CreatedAt: start,
	}

	titles := make(chan string, 1)
	if first {
		go func() {
			titles <- t.title(ctx, history[len(history)-1].Content)
		}()
	}

	var tools []models.ToolSpec
	if t.tools != nil && t.maxToolRounds > 0 {
		tools = t.tools.Tools()
	}

	msgs := models.LLMMessages(history)
	opts := models.ChatOptions{Reasoning: reasoning}

	for round := 0; ; round++ {
		var (
			roundContent string
			calls        []models.ToolCall
		)
		for d, err := range t.llm.Chat(ctx, msgs, tools, opts) {
			if err != nil {
				t.closeReasoning()
				if ctx.Err() != nil {
					break
				}
				t.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
				t.persist(ctx, start)
				t.send(stream.ErrorEvent{Message: err.Error()})
				return
			}

			if d.Reasoning != "" {
				t.appendReasoning(d.Reasoning)
			}
			if d.Content != "" {
				t.closeReasoning()
				roundContent += d.Content
				t.msg.Content += d.Content
				t.send(stream.ContentEvent{Content: d.Content})
			}
			t.account(d)
			if len(d.ToolCalls) > 0 {
				calls = d.ToolCalls
			}
		}
		t.closeReasoning()

		if ctx.Err() != nil {
			t.logger.Info("Client disconnected, keeping partial turn")
			t.persist(ctx, start)
			return
		}

		if len(calls) == 0 || round >= t.maxToolRounds {
			break
		}

		t.msg.ToolCalls = append(t.msg.ToolCalls, calls...)
		t.send(stream.ToolCallsEvent{ToolCalls: t.msg.ToolCalls})

		msgs = append(msgs, models.LLMMessage{Role: models.RoleAssistant, Content: roundContent, ToolCalls: calls})
		for _, call := range calls {
			result := t.callTool(ctx, call)
			msgs = append(msgs, models.LLMMessage{Role: models.RoleTool, ToolCallID: call.ID, Content: result})
		}
	}

	if first {
		select {
		case title := <-titles:
			t.setTitle(ctx, title)
		case <-ctx.Done():
		}
	}

	id, err := t.persist(ctx, start)
	if err != nil {
		t.send(stream.ErrorEvent{Message: "failed to save message"})
		return
	}
	if id != "" {
		t.send(stream.MessageFinalizedEvent{MessageID: id})
	} else {
		t.logger.Warn("Model returned an empty answer")
	}
	t.send(stream.DoneEvent{Usage: t.usage, Cost: t.cost, Model: t.model})
}

func (t *turnRun) appendReasoning(text string) {
	if t.reasoning == nil {
		t.reasoning = &models.Step{
			ID:    uuid.New().String(),
			Type:  models.StepTypeReasoning,
			Index: t.nextStep(),
		}
		t.reasonAt = t.now()
		t.send(stream.StepStartEvent{
			StepID:    t.reasoning.ID,
			StepType:  models.StepTypeReasoning,
			StepIndex: t.reasoning.Index,
		})
	}
	t.reasoning.Content += text
	t.msg.ReasoningContent += text
	t.send(stream.ReasoningEvent{Content: text})
	t.send(stream.StepContentEvent{StepID: t.reasoning.ID, Content: text})
}

func (t *turnRun) closeReasoning() {
	if t.reasoning == nil {
		return
	}
	st := *t.reasoning
	t.reasoning = nil

	st.IsComplete = true
	st.DurationMs = t.now().Sub(t.reasonAt).Milliseconds()
	t.msg.Steps = append(t.msg.Steps, st)
	t.send(stream.StepCompleteEvent{StepID: st.ID, DurationMs: st.DurationMs})
}

func (t *turnRun) callTool(ctx context.Context, call models.ToolCall) string {
	st := models.Step{
		ID:            uuid.New().String(),
		Type:          models.StepTypeToolCall,
		Index:         t.nextStep(),
		ToolName:      call.Name,
		ToolCallID:    call.ID,
		ToolArguments: call.Arguments,
	}
	t.send(stream.StepStartEvent{
		StepID:        st.ID,
		StepType:      st.Type,
		StepIndex:     st.Index,
		ToolName:      st.ToolName,
		ToolCallID:    st.ToolCallID,
		ToolArguments: st.ToolArguments,
	})

	started := t.now()
	result, err := t.tools.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		t.logger.Warn("Tool call failed",
			slog.String("toolName", call.Name),
			slog.String(errLoggerKey, err.Error()))
		result = "error: " + err.Error()
	}
	t.logger.Debug("Tool result", slog.String("toolName", call.Name), slog.String("toolResult", result))

	st.Content = result
	st.IsComplete = true
	st.DurationMs = t.now().Sub(started).Milliseconds()
	t.msg.Steps = append(t.msg.Steps, st)

	t.send(stream.ToolResultEvent{ToolCallID: call.ID, Result: result})
	t.send(stream.StepCompleteEvent{StepID: st.ID, DurationMs: st.DurationMs})
	return result
}

func (t *turnRun) account(d models.Delta) {
	if d.Usage != nil {
		u := *d.Usage
		if t.usage != nil {
			u = t.usage.Add(u)
		}
		t.usage = &u
	}
	if d.Cost != nil {
		c := *d.Cost
		if t.cost != nil {
			c += *t.cost
		}
		t.cost = &c
	}
	if d.Model != "" {
		t.model = d.Model
	}
}

func (t *turnRun) nextStep() int {
	i := t.stepIndex
	t.stepIndex++
	return i
}

// title asks the title generator for a title, falling back to the start of the message.
func (t *turnRun) title(ctx context.Context, message string) string {
	if t.titleGenerator != nil {
		title, err := t.titleGenerator.GenerateTitle(ctx, message)
		if err == nil && title != "" {
			return title
		}
		if err != nil && ctx.Err() == nil {
			t.logger.Error("Error generating chat title",
				slog.String("message", message),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	title := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(title) > fallbackTitleLength {
		title = string([]rune(title)[:fallbackTitleLength]) + "…"
	}
	return title
}

func (t *turnRun) setTitle(ctx context.Context, title string) {
	t.chat.Title = title
	if err := t.store.UpdateChat(ctx, t.chat); err != nil {
		t.logger.Error("Failed to update chat title", slog.String(errLoggerKey, err.Error()))
	}
	t.send(stream.TitleEvent{Title: title})
}

// persist stores the assistant message of the turn, bumps the chat and returns the message id. It runs even
// after the client disconnected. A turn that produced nothing is not stored and yields an empty id.
func (t *turnRun) persist(ctx context.Context, start time.Time) (string, error) {
	ctx = context.WithoutCancel(ctx)

	if t.msg.Content == "" && t.msg.ReasoningContent == "" && len(t.msg.Steps) == 0 {
		return "", nil
	}

	if t.model != "" {
		t.msg.Model = t.model
	}
	if t.usage != nil {
		t.msg.PromptTokens = t.usage.PromptTokens
		t.msg.CompletionTokens = t.usage.CompletionTokens
	}
	if t.cost != nil {
		t.msg.Cost = *t.cost
	}
	t.msg.ResponseTimeMs = t.now().Sub(start).Milliseconds()

	id, err := t.store.AddMessage(ctx, t.chat.ID, t.msg)
	if err != nil {
		t.logger.Error("Failed to add assistant message",
			slog.String("message", fmt.Sprintf("%+v", t.msg)),
			slog.String(errLoggerKey, err.Error()))
		return "", err
	}
	t.msg.ID = id

	t.chat.UpdatedAt = t.now()
	if t.chat.Model == "" {
		t.chat.Model = t.msg.Model
	}
	if err := t.store.UpdateChat(ctx, t.chat); err != nil {
		t.logger.Error("Failed to update chat", slog.String(errLoggerKey, err.Error()))
	}
	t.publishChat(t.chat)
	return id, nil
}

// send writes one event to the client. A failed write means the client is gone, so the turn is cancelled.
func (t *turnRun) send(ev stream.Event) {
	b, err := stream.MarshalEvent(ev)
	if err != nil {
		t.logger.Error("Failed to marshal event", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{}
	msg.AppendData(string(b))
	if err := t.sess.Send(&msg); err != nil {
		t.logger.Debug("Failed to send event", slog.String(errLoggerKey, err.Error()))
		t.cancel()
		return
	}
	if err := t.sess.Flush(); err != nil {
		t.logger.Debug("Failed to flush event", slog.String(errLoggerKey, err.Error()))
		t.cancel()
	}
}
