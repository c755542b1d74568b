package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context,
// the conversation so far and the tools on offer, returning an iterator that yields response deltas and
// potential errors. The last delta of a round carries its tool calls and accounting.
type LLM interface {
	Chat(
		ctx context.Context,
		messages []models.LLMMessage,
		tools []models.ToolSpec,
		opts models.ChatOptions,
	) iter.Seq2[models.Delta, error]
}

// TitleGenerator represents an interface for generating chat titles based on the first message of a chat.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// ModelLister lists the models the upstream provider offers.
type ModelLister interface {
	Models(ctx context.Context) ([]models.ModelInfo, error)
}

// ToolRunner offers tools to the model and runs the calls it makes.
type ToolRunner interface {
	Tools() []models.ToolSpec
	CallTool(ctx context.Context, name, arguments string) (string, error)
}

// ModelCache keeps the model catalog between requests.
type ModelCache interface {
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
}

// Store defines the interface for managing chat and message persistence. It provides methods for
// creating, reading, and updating chats and their associated messages. Chat returns
// models.ErrChatNotFound for an unknown id.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// Main handles the core functionality of the chat backend, streaming turns to clients as server-sent
// events and broadcasting chat list changes to subscribers of /api/events.
type Main struct {
	sseSrv *sse.Server

	llm            LLM
	titleGenerator TitleGenerator
	modelLister    ModelLister
	tools          ToolRunner
	store          Store
	modelCache     ModelCache

	defaultModel  string
	maxToolRounds int
	now           func() time.Time

	logger *slog.Logger
}

// Option configures Main.
type Option func(*Main)

const (
	chatsSSETopic = "chats"

	// DefaultMaxToolRounds bounds how many times a single turn hands tool results back to the model.
	DefaultMaxToolRounds = 5

	modelsCacheKey = "models"
	errLoggerKey   = "error"
)

var chatSSEType = sse.Type("chat")

// WithTitleGenerator generates titles for new chats. Without one, the first message is truncated instead.
func WithTitleGenerator(t TitleGenerator) Option {
	return func(m *Main) { m.titleGenerator = t }
}

// WithModelLister serves GET /api/models from l.
func WithModelLister(l ModelLister) Option {
	return func(m *Main) { m.modelLister = l }
}

// WithTools offers the runner's tools to the model.
func WithTools(t ToolRunner) Option {
	return func(m *Main) { m.tools = t }
}

// WithModelCache caches the model catalog in c.
func WithModelCache(c ModelCache) Option {
	return func(m *Main) { m.modelCache = c }
}

// WithDefaultModel sets the model recorded on chats created without one.
func WithDefaultModel(model string) Option {
	return func(m *Main) { m.defaultModel = model }
}

// WithMaxToolRounds overrides DefaultMaxToolRounds. Zero disables tools.
func WithMaxToolRounds(n int) Option {
	return func(m *Main) { m.maxToolRounds = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Main) { m.now = now }
}

// NewMain creates a new Main instance with the provided LLM and Store implementations. The SSE server
// subscribes every session of /api/events to the chats topic.
func NewMain(llm LLM, store Store, logger *slog.Logger, opts ...Option) Main {
	if logger == nil {
		logger = slog.Default()
	}
	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(http.ResponseWriter, *http.Request) ([]string, bool) {
				return []string{sse.DefaultTopic, chatsSSETopic}, true
			},
		},
		llm:           llm,
		store:         store,
		maxToolRounds: DefaultMaxToolRounds,
		now:           time.Now,
		logger:        logger.With(slog.String("module", "main")),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Routes returns the HTTP API of the backend.
func (m Main) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chats", m.HandleCreateChat)
	mux.HandleFunc("GET /api/chats", m.HandleChats)
	mux.HandleFunc("GET /api/chats/{chatID}", m.HandleChat)
	mux.HandleFunc("POST /api/messages/{chatID}", m.HandleMessages)
	mux.HandleFunc("GET /api/models", m.HandleModels)
	mux.Handle("GET /api/events", m.sseSrv)
	return mux
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// We create a close event that carries data, as SSE requires
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e, chatsSSETopic)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// publishChat broadcasts the chat to /api/events subscribers.
func (m Main) publishChat(chat models.Chat) {
	b, err := json.Marshal(chat)
	if err != nil {
		m.logger.Error("Failed to marshal chat", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatSSEType}
	msg.AppendData(string(b))
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chat",
			slog.String("chatID", chat.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) httpError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		m.logger.Error(msg, slog.Int("status", status), slog.String(errLoggerKey, err.Error()))
		msg = fmt.Sprintf("%s: %s", msg, err)
	}
	http.Error(w, msg, status)
}
