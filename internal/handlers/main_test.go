package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/cache"
	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockLLM struct {
	mu     sync.Mutex
	rounds [][]models.Delta
	err    error
	after  func()
	calls  [][]models.LLMMessage
}

type mockTitler struct {
	title string
	err   error
}

type mockTools struct{}

type mockLister struct {
	calls int
	list  []models.ModelInfo
}

type mockStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.Message
	err      error
}

func newStore() *mockStore {
	return &mockStore{messages: map[string][]models.Message{}}
}

func TestNewMain(t *testing.T) {
	main := handlers.NewMain(&mockLLM{}, newStore(), testLogger)
	require.NoError(t, main.Shutdown(context.Background()))
}

func TestHandleChatsEndpoints(t *testing.T) {
	store := newStore()
	main := handlers.NewMain(&mockLLM{}, store, testLogger, handlers.WithDefaultModel("default-model"))
	h := main.Routes()

	w := serve(h, http.MethodPost, "/api/chats", `{"model":"m1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var created models.Chat
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "m1", created.Model)

	w = serve(h, http.MethodPost, "/api/chats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var second models.Chat
	require.NoError(t, json.NewDecoder(w.Body).Decode(&second))
	assert.Equal(t, "default-model", second.Model)

	w = serve(h, http.MethodGet, "/api/chats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var chats []models.Chat
	require.NoError(t, json.NewDecoder(w.Body).Decode(&chats))
	assert.Len(t, chats, 2)

	store.messages[created.ID] = []models.Message{{ID: "u1", Role: models.RoleUser, Content: "hi"}}
	w = serve(h, http.MethodGet, "/api/chats/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail models.ChatDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&detail))
	assert.Equal(t, created.ID, detail.ID)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "hi", detail.Messages[0].Content)

	w = serve(h, http.MethodGet, "/api/chats/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	store.err = errors.New("disk full")
	w = serve(h, http.MethodGet, "/api/chats", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleMessagesValidation(t *testing.T) {
	store := newStore()
	store.chats = []models.Chat{{ID: "1"}}
	main := handlers.NewMain(&mockLLM{}, store, testLogger)
	h := main.Routes()

	tests := []struct {
		name       string
		chatID     string
		body       string
		wantStatus int
	}{
		{
			name:       "Malformed body",
			chatID:     "1",
			body:       `{"content":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Blank content",
			chatID:     "1",
			body:       `{"content":"   ","attachment_ids":[]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Invalid effort",
			chatID:     "1",
			body:       `{"content":"hi","reasoning":{"effort":"extreme"},"attachment_ids":[]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown chat",
			chatID:     "2",
			body:       `{"content":"hi","attachment_ids":[]}`,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, http.MethodPost, "/api/messages/"+tt.chatID, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
	assert.Empty(t, store.messages)
}

func TestHandleMessagesStream(t *testing.T) {
	store := newStore()
	store.chats = []models.Chat{{ID: "1"}}
	llm := toolRoundsLLM()
	main := handlers.NewMain(llm, store, testLogger,
		handlers.WithTools(mockTools{}),
		handlers.WithTitleGenerator(mockTitler{title: "Math"}))

	w := serve(main.Routes(), http.MethodPost, "/api/messages/1",
		`{"content":"What is 2+2?","reasoning":{"effort":"low"},"attachment_ids":["a1"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := decodeAll(t, w.Body)
	assert.Equal(t, []stream.EventType{
		stream.TypeStepStart,
		stream.TypeReasoning,
		stream.TypeStepContent,
		stream.TypeStepComplete,
		stream.TypeContent,
		stream.TypeToolCalls,
		stream.TypeStepStart,
		stream.TypeToolResult,
		stream.TypeStepComplete,
		stream.TypeContent,
		stream.TypeTitle,
		stream.TypeMessageFinalized,
		stream.TypeDone,
	}, eventTypes(events))

	toolStart, ok := events[6].(stream.StepStartEvent)
	require.True(t, ok)
	assert.Equal(t, models.StepTypeToolCall, toolStart.StepType)
	assert.Equal(t, 1, toolStart.StepIndex)
	assert.Equal(t, "calculator", toolStart.ToolName)
	assert.Equal(t, stream.ToolResultEvent{ToolCallID: "c1", Result: "4"}, events[7])
	assert.Equal(t, stream.TitleEvent{Title: "Math"}, events[10])

	done, ok := events[12].(stream.DoneEvent)
	require.True(t, ok)
	require.NotNil(t, done.Usage)
	assert.Equal(t, models.Usage{PromptTokens: 30, CompletionTokens: 10, TotalTokens: 40}, *done.Usage)
	require.NotNil(t, done.Cost)
	assert.InDelta(t, 0.002, *done.Cost, 1e-12)
	assert.Equal(t, "m1", done.Model)

	msgs := store.messages["1"]
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, []string{"a1"}, msgs[0].Attachments)

	am := msgs[1]
	assert.Equal(t, stream.MessageFinalizedEvent{MessageID: am.ID}, events[11])
	assert.Equal(t, "Let me check. It is 4.", am.Content)
	assert.Equal(t, "think", am.ReasoningContent)
	assert.Equal(t, []models.ToolCall{{ID: "c1", Name: "calculator", Arguments: `{"expression":"2+2"}`}}, am.ToolCalls)
	require.Len(t, am.Steps, 2)
	assert.Equal(t, models.StepTypeReasoning, am.Steps[0].Type)
	assert.Equal(t, "4", am.Steps[1].Content)
	assert.True(t, am.Steps[1].IsComplete)
	assert.Equal(t, 30, am.PromptTokens)
	assert.Equal(t, "m1", am.Model)

	assert.Equal(t, "Math", store.chats[0].Title)
	assert.Equal(t, "m1", store.chats[0].Model)

	require.Len(t, llm.calls, 2)
	last := llm.calls[1][len(llm.calls[1])-1]
	assert.Equal(t, models.LLMMessage{Role: models.RoleTool, ToolCallID: "c1", Content: "4"}, last)
}

func TestHandleMessagesFallbackTitle(t *testing.T) {
	store := newStore()
	store.chats = []models.Chat{{ID: "1"}}
	llm := &mockLLM{rounds: [][]models.Delta{{{Content: "Hello"}}}}
	main := handlers.NewMain(llm, store, testLogger,
		handlers.WithTitleGenerator(mockTitler{err: errors.New("rate limited")}))

	w := serve(main.Routes(), http.MethodPost, "/api/messages/1",
		`{"content":"  tell me   a story about a lighthouse keeper and the sea  ","attachment_ids":[]}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := decodeAll(t, w.Body)
	assert.Equal(t, []stream.EventType{
		stream.TypeContent,
		stream.TypeTitle,
		stream.TypeMessageFinalized,
		stream.TypeDone,
	}, eventTypes(events))
	assert.Equal(t, stream.TitleEvent{Title: "tell me a story about a lighthouse keepe…"}, events[1])
}

func TestHandleMessagesUpstreamError(t *testing.T) {
	store := newStore()
	store.chats = []models.Chat{{ID: "1", Title: "Existing"}}
	store.messages["1"] = []models.Message{{ID: "u0", Role: models.RoleUser, Content: "earlier"}}
	main := handlers.NewMain(&mockLLM{err: errors.New("provider down")}, store, testLogger)

	w := serve(main.Routes(), http.MethodPost, "/api/messages/1", `{"content":"hi","attachment_ids":[]}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := decodeAll(t, w.Body)
	require.Len(t, events, 1)
	errEv, ok := events[0].(stream.ErrorEvent)
	require.True(t, ok)
	assert.Contains(t, errEv.Message, "provider down")

	assert.Len(t, store.messages["1"], 2)
}

func TestHandleMessagesEmptyAnswer(t *testing.T) {
	store := newStore()
	store.chats = []models.Chat{{ID: "1", Title: "Existing"}}
	store.messages["1"] = []models.Message{{ID: "u0", Role: models.RoleUser, Content: "earlier"}}
	llm := &mockLLM{rounds: [][]models.Delta{{
		{Usage: &models.Usage{PromptTokens: 4, TotalTokens: 4}, Model: "m1"},
	}}}
	main := handlers.NewMain(llm, store, testLogger)

	w := serve(main.Routes(), http.MethodPost, "/api/messages/1", `{"content":"hi","attachment_ids":[]}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := decodeAll(t, w.Body)
	require.Len(t, events, 1)
	done, ok := events[0].(stream.DoneEvent)
	require.True(t, ok)
	assert.Equal(t, "m1", done.Model)

	// Only the user message is stored.
	msgs := store.messages["1"]
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[1].Role)
}

func TestHandleMessagesDisconnect(t *testing.T) {
	store := newStore()
	store.chats = []models.Chat{{ID: "1", Title: "Existing"}}
	store.messages["1"] = []models.Message{{ID: "u0", Role: models.RoleUser, Content: "earlier"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	llm := &mockLLM{
		rounds: [][]models.Delta{{{Content: "partial"}}},
		after:  cancel,
	}
	main := handlers.NewMain(llm, store, testLogger)

	req := httptest.NewRequest(http.MethodPost, "/api/messages/1",
		strings.NewReader(`{"content":"hi","attachment_ids":[]}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	main.Routes().ServeHTTP(w, req)

	events := decodeAll(t, w.Body)
	assert.Equal(t, []stream.EventType{stream.TypeContent}, eventTypes(events))

	msgs := store.messages["1"]
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "partial", msgs[2].Content)
}

func TestHandleMessagesToolRoundLimit(t *testing.T) {
	store := newStore()
	store.chats = []models.Chat{{ID: "1", Title: "Existing"}}
	store.messages["1"] = []models.Message{{ID: "u0", Role: models.RoleUser, Content: "earlier"}}
	llm := toolRoundsLLM()
	main := handlers.NewMain(llm, store, testLogger,
		handlers.WithTools(mockTools{}),
		handlers.WithMaxToolRounds(0))

	w := serve(main.Routes(), http.MethodPost, "/api/messages/1", `{"content":"2+2?","attachment_ids":[]}`)
	require.Equal(t, http.StatusOK, w.Code)

	types := eventTypes(decodeAll(t, w.Body))
	assert.NotContains(t, types, stream.TypeToolCalls)
	assert.NotContains(t, types, stream.TypeTitle)
	assert.Equal(t, stream.TypeDone, types[len(types)-1])
	assert.Len(t, llm.calls, 1)
	assert.Empty(t, llm.calls[0][0].ToolCalls)
}

func TestHandleModels(t *testing.T) {
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), 24*time.Hour)
	require.NoError(t, err)
	defer c.Close()

	lister := &mockLister{list: []models.ModelInfo{{ID: "m1", OwnedBy: "acme"}}}
	main := handlers.NewMain(&mockLLM{}, newStore(), testLogger,
		handlers.WithModelLister(lister),
		handlers.WithModelCache(c))
	h := main.Routes()

	for range 2 {
		w := serve(h, http.MethodGet, "/api/models", "")
		require.Equal(t, http.StatusOK, w.Code)
		var list []models.ModelInfo
		require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
		assert.Equal(t, lister.list, list)
	}
	assert.Equal(t, 1, lister.calls)
}

func TestClientControllerEndToEnd(t *testing.T) {
	store := newStore()
	main := handlers.NewMain(toolRoundsLLM(), store, testLogger,
		handlers.WithTools(mockTools{}),
		handlers.WithTitleGenerator(mockTitler{title: "Math"}))
	srv := httptest.NewServer(main.Routes())
	defer srv.Close()

	ctrl := stream.NewController(client.New(srv.URL, srv.Client(), testLogger), testLogger)
	defer ctrl.Close()

	chatID, err := ctrl.Send(context.Background(), stream.SendRequest{Content: "What is 2+2?"})
	require.NoError(t, err)
	assert.NotEmpty(t, chatID)
	assert.Equal(t, chatID, ctrl.Current())
	assert.False(t, ctrl.IsGenerating(chatID))
	assert.Equal(t, stream.PhaseIdle, ctrl.Phase(chatID))

	visible := ctrl.Visible()
	require.Len(t, visible, 2)
	assert.Equal(t, "What is 2+2?", visible[0].Content)
	assert.False(t, strings.HasPrefix(visible[0].ID, "pending-"))
	assert.Equal(t, "Let me check. It is 4.", visible[1].Content)
	require.Len(t, visible[1].Steps, 2)

	chats := ctrl.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "Math", chats[0].Title)
	assert.Equal(t, 40, ctrl.Stats().Usage.TotalTokens)
}

func toolRoundsLLM() *mockLLM {
	cost := 0.002
	return &mockLLM{rounds: [][]models.Delta{
		{
			{Reasoning: "think"},
			{Content: "Let me check."},
			{
				ToolCalls: []models.ToolCall{{ID: "c1", Name: "calculator", Arguments: `{"expression":"2+2"}`}},
				Usage:     &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
				Model:     "m1",
			},
		},
		{
			{Content: " It is 4."},
			{
				Usage: &models.Usage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
				Cost:  &cost,
				Model: "m1",
			},
		},
	}}
}

func serve(h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeAll(t *testing.T, body *bytes.Buffer) []stream.Event {
	t.Helper()
	var events []stream.Event
	for ev, err := range stream.Decode(context.Background(), body, testLogger) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []stream.Event) []stream.EventType {
	types := make([]stream.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type()
	}
	return types
}

func (m *mockLLM) Chat(
	_ context.Context,
	messages []models.LLMMessage,
	_ []models.ToolSpec,
	_ models.ChatOptions,
) iter.Seq2[models.Delta, error] {
	m.mu.Lock()
	round := len(m.calls)
	m.calls = append(m.calls, slices.Clone(messages))
	m.mu.Unlock()

	return func(yield func(models.Delta, error) bool) {
		if m.err != nil {
			yield(models.Delta{}, m.err)
			return
		}
		if round < len(m.rounds) {
			for _, d := range m.rounds[round] {
				if !yield(d, nil) {
					return
				}
			}
		}
		if m.after != nil {
			m.after()
		}
	}
}

func (m mockTitler) GenerateTitle(context.Context, string) (string, error) {
	return m.title, m.err
}

func (mockTools) Tools() []models.ToolSpec {
	return []models.ToolSpec{{Name: "calculator", Parameters: json.RawMessage(`{"type":"object"}`)}}
}

func (mockTools) CallTool(_ context.Context, name, _ string) (string, error) {
	if name != "calculator" {
		return "", errors.New("unknown tool")
	}
	return "4", nil
}

func (m *mockLister) Models(context.Context) ([]models.ModelInfo, error) {
	m.calls++
	return m.list, nil
}

func (m *mockStore) Chats(_ context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.chats), nil
}

func (m *mockStore) Chat(_ context.Context, chatID string) (models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.Chat{}, m.err
	}
	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chatID })
	if idx == -1 {
		return models.Chat{}, models.ErrChatNotFound
	}
	return m.chats[idx], nil
}

func (m *mockStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.chats = append(m.chats, chat)
	return chat.ID, nil
}

func (m *mockStore) UpdateChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx == -1 {
		return models.ErrChatNotFound
	}
	m.chats[idx] = chat
	return m.err
}

func (m *mockStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[chatID]), nil
}

func (m *mockStore) AddMessage(_ context.Context, chatID string, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	return msg.ID, nil
}

func (m *mockStore) UpdateMessage(_ context.Context, _ string, _ models.Message) error {
	return m.err
}
