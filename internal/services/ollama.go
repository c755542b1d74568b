package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions. Tools are
// not offered to local models.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

// Chat implements the LLM interface by streaming responses from the Ollama model. It accepts a context
// for cancellation and the conversation history. Tool traffic in the history is flattened to text. The
// final delta carries the token counts reported by the server.
func (o Ollama) Chat(
	ctx context.Context,
	messages []models.LLMMessage,
	_ []models.ToolSpec,
	_ models.ChatOptions,
) iter.Seq2[models.Delta, error] {
	return func(yield func(models.Delta, error) bool) {
		msgs := make([]api.Message, 0, len(messages)+1)
		if o.systemPrompt != "" {
			msgs = append(msgs, api.Message{Role: string(models.RoleSystem), Content: o.systemPrompt})
		}
		for _, msg := range messages {
			switch {
			case msg.Role == models.RoleTool:
				msgs = append(msgs, api.Message{
					Role:    string(models.RoleUser),
					Content: "Tool result: " + msg.Content,
				})
			case msg.Content != "":
				msgs = append(msgs, api.Message{Role: string(msg.Role), Content: msg.Content})
			}
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		final := models.Delta{Model: o.model}
		stopped := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if res.Done {
				final.Usage = &models.Usage{
					PromptTokens:     res.PromptEvalCount,
					CompletionTokens: res.EvalCount,
					TotalTokens:      res.PromptEvalCount + res.EvalCount,
				}
				if res.Model != "" {
					final.Model = res.Model
				}
			}
			if res.Message.Content == "" {
				return nil
			}
			if !yield(models.Delta{Content: res.Message.Content}, nil) {
				stopped = true
				cancel()
			}
			return nil
		})
		if stopped {
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Delta{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		yield(final, nil)
	}
}

// GenerateTitle generates a title for a given message using the Ollama API. It sends a single message to the
// Ollama API and returns the first response content as the title. The context can be used to cancel ongoing
// requests.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: message,
			},
		},
		Stream: &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return strings.TrimSpace(title), nil
}

// Models lists the models pulled on the Ollama server.
func (o Ollama) Models(ctx context.Context) ([]models.ModelInfo, error) {
	res, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}

	infos := make([]models.ModelInfo, 0, len(res.Models))
	for _, m := range res.Models {
		infos = append(infos, models.ModelInfo{
			ID:      m.Model,
			Name:    m.Name,
			OwnedBy: "ollama",
			Created: m.ModifiedAt.Unix(),
		})
	}
	return infos, nil
}
