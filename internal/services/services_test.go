package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func collectDeltas(t *testing.T, seq func(func(models.Delta, error) bool)) []models.Delta {
	t.Helper()
	var deltas []models.Delta
	for d, err := range seq {
		require.NoError(t, err)
		deltas = append(deltas, d)
	}
	return deltas
}

func sseHandler(t *testing.T, chunks []string, gotBody *map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gotBody != nil {
			if err := json.NewDecoder(r.Body).Decode(gotBody); err != nil {
				t.Errorf("failed to decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestOpenRouterChat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"model":"deepseek/r1","choices":[{"delta":{"reasoning":"Let me add."}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"calculator","arguments":"{\"expr"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ession\":\"2+2\"}"}}]}}]}`,
		`{"choices":[{"delta":{"content":"Sure"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"cost":0.0003}}`,
	}, &body))
	defer srv.Close()

	o := services.NewOpenRouter("key", srv.URL, "deepseek/r1", "be brief", testLogger)
	deltas := collectDeltas(t, o.Chat(context.Background(),
		[]models.LLMMessage{{Role: models.RoleUser, Content: "2+2?"}},
		services.NewTools(nil).Tools(),
		models.ChatOptions{Reasoning: &models.ReasoningConfig{Effort: models.EffortHigh}},
	))

	require.Len(t, deltas, 3)
	assert.Equal(t, "Let me add.", deltas[0].Reasoning)
	assert.Equal(t, "Sure", deltas[1].Content)

	final := deltas[2]
	assert.Equal(t, []models.ToolCall{{ID: "call_1", Name: "calculator", Arguments: `{"expression":"2+2"}`}}, final.ToolCalls)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 15, final.Usage.TotalTokens)
	require.NotNil(t, final.Cost)
	assert.InDelta(t, 0.0003, *final.Cost, 1e-12)
	assert.Equal(t, "deepseek/r1", final.Model)

	assert.Equal(t, map[string]any{"effort": "high"}, body["reasoning"])
	assert.Equal(t, map[string]any{"include": true}, body["usage"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenRouterChatErrors(t *testing.T) {
	t.Run("Status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no credits", http.StatusPaymentRequired)
		}))
		defer srv.Close()

		o := services.NewOpenRouter("key", srv.URL, "m", "", testLogger)
		var gotErr error
		for _, err := range o.Chat(context.Background(), nil, nil, models.ChatOptions{}) {
			gotErr = err
		}
		require.Error(t, gotErr)
		assert.Contains(t, gotErr.Error(), "402")
	})

	t.Run("In-stream error", func(t *testing.T) {
		srv := httptest.NewServer(sseHandler(t, []string{
			`{"choices":[{"delta":{"content":"par"}}]}`,
			`{"error":{"code":502,"message":"provider down"}}`,
		}, nil))
		defer srv.Close()

		o := services.NewOpenRouter("key", srv.URL, "m", "", testLogger)
		var (
			content string
			gotErr  error
		)
		for d, err := range o.Chat(context.Background(), nil, nil, models.ChatOptions{}) {
			if err != nil {
				gotErr = err
				continue
			}
			content += d.Content
		}
		assert.Equal(t, "par", content)
		require.Error(t, gotErr)
		assert.Contains(t, gotErr.Error(), "provider down")
	})
}

func TestOpenRouterGenerateTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"  Adding numbers \n"}}]}`)
	}))
	defer srv.Close()

	o := services.NewOpenRouter("key", srv.URL, "m", "", testLogger)
	title, err := o.GenerateTitle(context.Background(), "2+2?")
	require.NoError(t, err)
	assert.Equal(t, "Adding numbers", title)
}

func TestOpenAIChatAndModels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", sseHandler(t, []string{
		`{"id":"1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"id":"1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"current_time","arguments":""}}]}}]}`,
		`{"id":"1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"1","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	}, nil))
	mux.HandleFunc("/models", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model","created":1700000000,"owned_by":"openai"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o := services.NewOpenAI("key", srv.URL, "gpt-4o", "sys", services.LLMParameters{}, testLogger)

	deltas := collectDeltas(t, o.Chat(context.Background(),
		[]models.LLMMessage{{Role: models.RoleUser, Content: "hi"}}, nil, models.ChatOptions{}))
	require.Len(t, deltas, 3)
	assert.Equal(t, "Hel", deltas[0].Content)
	assert.Equal(t, "lo", deltas[1].Content)
	assert.Equal(t, []models.ToolCall{{ID: "c1", Name: "current_time", Arguments: "{}"}}, deltas[2].ToolCalls)
	require.NotNil(t, deltas[2].Usage)
	assert.Equal(t, 5, deltas[2].Usage.TotalTokens)
	assert.Nil(t, deltas[2].Cost)

	list, err := o.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.ModelInfo{{ID: "gpt-4o", OwnedBy: "openai", Created: 1700000000}}, list)
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		expr    string
		want    string
		wantErr bool
	}{
		{expr: "2+2", want: "4"},
		{expr: "(2+3)*4", want: "20"},
		{expr: "7/2", want: "3.5"},
		{expr: "6/3", want: "2"},
		{expr: "-5 % 3", want: "-2"},
		{expr: "1.5*2", want: "3"},
		{expr: "123456789012345678901234567890 + 1", want: "123456789012345678901234567891"},
		{expr: "1/0", wantErr: true},
		{expr: "x+1", wantErr: true},
		{expr: "2 <<", wantErr: true},
		{expr: `"a"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := services.Calculate(tt.expr)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToolsCall(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	tools := services.NewTools(func() time.Time { return now })

	assert.Len(t, tools.Tools(), 2)

	res, err := tools.CallTool(context.Background(), "calculator", `{"expression":"6*7"}`)
	require.NoError(t, err)
	assert.Equal(t, "42", res)

	res, err = tools.CallTool(context.Background(), "current_time", "{}")
	require.NoError(t, err)
	assert.Equal(t, "Sun, 01 Jun 2025 12:30:00 UTC", res)

	_, err = tools.CallTool(context.Background(), "shell", "{}")
	require.ErrorIs(t, err, services.ErrUnknownTool)
}

func TestBoltDB(t *testing.T) {
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	id1, err := db.AddChat(ctx, models.Chat{ID: "a", Title: "first", UpdatedAt: base})
	require.NoError(t, err)
	id2, err := db.AddChat(ctx, models.Chat{ID: "b", Title: "second", UpdatedAt: base})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id1, "-a"))

	chats, err := db.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, id2, chats[0].ID)

	chat, err := db.Chat(ctx, id1)
	require.NoError(t, err)
	chat.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, db.UpdateChat(ctx, chat))

	chats, err = db.Chats(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, chats[0].ID)

	_, err = db.Chat(ctx, "missing")
	require.ErrorIs(t, err, services.ErrChatNotFound)

	var ids []string
	for i := range 11 {
		id, err := db.AddMessage(ctx, id1, models.Message{ID: fmt.Sprintf("m%d", i), Content: "x"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msg := models.Message{ID: ids[3], Content: "edited"}
	require.NoError(t, db.UpdateMessage(ctx, id1, msg))
	require.NoError(t, db.UpdateMessage(ctx, id1, models.Message{ID: "ghost"}))

	msgs, err := db.Messages(ctx, id1)
	require.NoError(t, err)
	require.Len(t, msgs, 11)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
	}
	assert.Equal(t, "edited", msgs[3].Content)

	_, err = db.AddMessage(ctx, "missing", models.Message{ID: "x"})
	require.ErrorIs(t, err, services.ErrChatNotFound)
}
