package services

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
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides an implementation of the LLM interface for interacting with OpenRouter's language models.
// Reasoning tokens, usage and cost are requested on every streamed completion.
type OpenRouter struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model     string               `json:"model"`
	Messages  []openRouterMessage  `json:"messages"`
	Tools     []openRouterTool     `json:"tools,omitempty"`
	Stream    bool                 `json:"stream"`
	Reasoning *openRouterReasoning `json:"reasoning,omitempty"`
	Usage     *openRouterUsageOpts `json:"usage,omitempty"`
}

type openRouterReasoning struct {
	Effort    string `json:"effort,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type openRouterUsageOpts struct {
	Include bool `json:"include"`
}

type openRouterMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content,omitempty"`
	Reasoning  string               `json:"reasoning,omitempty"`
	ToolCalls  []openRouterToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openRouterToolCall struct {
	Index    *int                       `json:"index,omitempty"`
	ID       string                     `json:"id,omitempty"`
	Type     string                     `json:"type,omitempty"`
	Function openRouterToolCallFunction `json:"function"`
}

type openRouterToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openRouterTool struct {
	Type     string                 `json:"type"`
	Function openRouterToolFunction `json:"function"`
}

type openRouterToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openRouterStreamingResponse struct {
	Model   string                      `json:"model"`
	Choices []openRouterStreamingChoice `json:"choices"`
	Usage   *openRouterUsage            `json:"usage"`
	Error   *openRouterError            `json:"error"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost"`
}

type openRouterError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message openRouterMessage `json:"message"`
}

// OpenRouterAPIEndpoint is the default base URL of the OpenRouter API.
const OpenRouterAPIEndpoint = "https://openrouter.ai/api/v1"

// NewOpenRouter creates a new OpenRouter instance with the specified API key, model name, and system prompt.
// An empty baseURL means OpenRouterAPIEndpoint.
func NewOpenRouter(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenRouter {
	if baseURL == "" {
		baseURL = OpenRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// Chat streams one completion round from OpenRouter. Reasoning and answer text are yielded as they arrive;
// the tool calls of the round, the usage and the cost are yielded together on a final delta once the
// upstream stream ends. The context can be used to cancel ongoing requests.
func (o OpenRouter) Chat(
	ctx context.Context,
	messages []models.LLMMessage,
	tools []models.ToolSpec,
	opts models.ChatOptions,
) iter.Seq2[models.Delta, error] {
	return func(yield func(models.Delta, error) bool) {
		resp, err := o.doRequest(ctx, messages, tools, opts, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Delta{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		var (
			acc   toolCallAccumulator
			final models.Delta
		)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(models.Delta{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				break
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.Delta{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield(models.Delta{}, fmt.Errorf("openrouter error: %s", res.Error.Message))
				return
			}

			if res.Model != "" {
				final.Model = res.Model
			}
			if res.Usage != nil {
				final.Usage = &models.Usage{
					PromptTokens:     res.Usage.PromptTokens,
					CompletionTokens: res.Usage.CompletionTokens,
					TotalTokens:      res.Usage.TotalTokens,
				}
				final.Cost = res.Usage.Cost
			}

			if len(res.Choices) == 0 {
				continue
			}
			delta := res.Choices[0].Delta

			for _, tc := range delta.ToolCalls {
				acc.add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}

			if delta.Reasoning == "" && delta.Content == "" {
				continue
			}
			if !yield(models.Delta{Reasoning: delta.Reasoning, Content: delta.Content}, nil) {
				return
			}
		}

		final.ToolCalls = acc.done()
		if len(final.ToolCalls) > 0 {
			o.logger.Debug("Call Tools", slog.Int("count", len(final.ToolCalls)))
		}
		yield(final, nil)
	}
}

// GenerateTitle generates a title for a given message using the OpenRouter API. It sends a single message to the
// OpenRouter API and returns the first response content as the title. The context can be used to cancel ongoing
// requests.
func (o OpenRouter) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []models.LLMMessage{{Role: models.RoleUser, Content: message}}

	resp, err := o.doRequest(ctx, msgs, nil, models.ChatOptions{}, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return strings.TrimSpace(res.Choices[0].Message.Content), nil
}

func (o OpenRouter) doRequest(
	ctx context.Context,
	messages []models.LLMMessage,
	tools []models.ToolSpec,
	opts models.ChatOptions,
	stream bool,
) (*http.Response, error) {
	msgs := make([]openRouterMessage, 0, len(messages)+1)
	if o.systemPrompt != "" {
		msgs = append(msgs, openRouterMessage{Role: string(models.RoleSystem), Content: o.systemPrompt})
	}
	for _, msg := range messages {
		m := openRouterMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openRouterToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openRouterToolCallFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		msgs = append(msgs, m)
	}

	oTools := make([]openRouterTool, len(tools))
	for i, tool := range tools {
		oTools[i] = openRouterTool{
			Type: "function",
			Function: openRouterToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}

	reqBody := openRouterChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   stream,
		Tools:    oTools,
	}
	if stream {
		reqBody.Usage = &openRouterUsageOpts{Include: true}
	}
	if r := opts.Reasoning; r != nil && (r.Effort != "" || r.MaxTokens > 0) {
		reqBody.Reasoning = &openRouterReasoning{Effort: r.Effort, MaxTokens: r.MaxTokens}
		if r.MaxTokens > 0 {
			// OpenRouter accepts only one of the two.
			reqBody.Reasoning.Effort = ""
		}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/streamchat/")
	req.Header.Set("X-Title", "streamchat")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
