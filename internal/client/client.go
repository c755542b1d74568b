// Package client talks to the chat backend over HTTP. It implements stream.API, plus the model catalog and
// the chat-list subscription used by the command line tools.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Client is an HTTP client for the chat backend.
type Client struct {
	baseURL string
	client  *http.Client

	logger *slog.Logger
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

// ErrNotFound matches a StatusError with status 404 through errors.Is.
var ErrNotFound = errors.New("not found")

const errLoggerKey = "error"

// ChatEventType is the go-sse event type of chat-list updates on /api/events.
const ChatEventType = "chat"

// New creates a client for the backend at baseURL, e.g. http://localhost:8080. A nil httpClient means
// http.DefaultClient; it must not set a Timeout, since event streams stay open for the whole turn.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		logger:  logger.With(slog.String("module", "client")),
	}
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status code %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is reports whether target is ErrNotFound and the status was 404.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// CreateChat creates an empty conversation.
func (c *Client) CreateChat(ctx context.Context, req models.NewChatRequest) (models.Chat, error) {
	var chat models.Chat
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats", req, &chat); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// Chats lists conversations, newest first.
func (c *Client) Chats(ctx context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// Chat fetches a conversation with its persisted messages.
func (c *Client) Chat(ctx context.Context, chatID string) (models.ChatDetail, error) {
	var detail models.ChatDetail
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID), nil, &detail); err != nil {
		return models.ChatDetail{}, err
	}
	return detail, nil
}

// Models returns the model catalog of the backend.
func (c *Client) Models(ctx context.Context) ([]models.ModelInfo, error) {
	var list []models.ModelInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/models", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SendMessage posts a user message and returns the raw event stream of the turn. The caller must close the
// body; cancelling ctx aborts the request and unblocks reads.
func (c *Client) SendMessage(ctx context.Context, chatID string, req models.SendRequest) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(chatID), req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// WatchChats subscribes to chat-list updates. The sequence ends when ctx is done or the server closes the
// connection.
func (c *Client) WatchChats(ctx context.Context) iter.Seq2[models.Chat, error] {
	return func(yield func(models.Chat, error) bool) {
		resp, err := c.do(ctx, http.MethodGet, "/api/events", nil, "text/event-stream")
		if err != nil {
			if ctx.Err() == nil {
				yield(models.Chat{}, err)
			}
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() == nil {
					yield(models.Chat{}, fmt.Errorf("failed to read chat events: %w", err))
				}
				return
			}
			if ev.Type != ChatEventType {
				continue
			}

			var chat models.Chat
			if err := json.Unmarshal([]byte(ev.Data), &chat); err != nil {
				c.logger.Warn("Skipping malformed chat event",
					slog.String("data", ev.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
			if !yield(chat, nil) {
				return
			}
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	c.logger.Debug("Request completed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode))
	return resp, nil
}
